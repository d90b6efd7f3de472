package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/auctionctl/internal/config"
	"github.com/danmuck/auctionctl/internal/house"
)

// housectl config.toml key mapping to house settings.
type fileConfig struct {
	Name              string   `toml:"name"`
	ListenAddr        string   `toml:"listen_addr"`
	AdvertiseAddr     string   `toml:"advertise_addr"`
	AdminAddr         string   `toml:"admin_addr"`
	CORSOrigins       []string `toml:"cors_origins"`
	BankAddr          string   `toml:"bank_addr"`
	BankPoolSize      int      `toml:"bank_pool_size"`
	Catalog           string   `toml:"catalog"`
	QuietPeriod       string   `toml:"quiet_period"`
	SettleTimeout     string   `toml:"settle_timeout"`
	MaxWorkers        int      `toml:"max_workers"`
	NotifyMaxAttempts int      `toml:"notify_max_attempts"`
	NotifyQueueSize   int      `toml:"notify_queue_size"`
	config.SessionFile
}

func loadHouseConfig(path string) (house.Config, error) {
	cfg := house.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return house.Config{}, fmt.Errorf("load house config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("bank_addr") {
		cfg.BankAddr = strings.TrimSpace(raw.BankAddr)
	}
	if meta.IsDefined("bank_pool_size") {
		cfg.BankPoolSize = raw.BankPoolSize
	}
	if meta.IsDefined("quiet_period") {
		if cfg.QuietPeriod, err = config.ParseDuration("quiet_period", raw.QuietPeriod); err != nil {
			return house.Config{}, fmt.Errorf("load house config: %w", err)
		}
	}
	if meta.IsDefined("settle_timeout") {
		if cfg.SettleTimeout, err = config.ParseDuration("settle_timeout", raw.SettleTimeout); err != nil {
			return house.Config{}, fmt.Errorf("load house config: %w", err)
		}
	}
	if meta.IsDefined("max_workers") {
		cfg.MaxWorkers = raw.MaxWorkers
	}
	if meta.IsDefined("notify_max_attempts") {
		cfg.Notify.MaxAttempts = raw.NotifyMaxAttempts
	}
	if meta.IsDefined("notify_queue_size") {
		cfg.Notify.QueueSize = raw.NotifyQueueSize
	}

	catalogPath := strings.TrimSpace(raw.Catalog)
	if catalogPath == "" {
		return house.Config{}, fmt.Errorf("load house config: catalog is required")
	}
	if !filepath.IsAbs(catalogPath) {
		catalogPath = filepath.Join(filepath.Dir(path), catalogPath)
	}
	if cfg.Catalog, err = config.LoadCatalog(catalogPath); err != nil {
		return house.Config{}, fmt.Errorf("load house config: %w", err)
	}

	cfg.Session, err = config.ApplySession(meta, raw.SessionFile, cfg.Session)
	if err != nil {
		return house.Config{}, fmt.Errorf("load house config: %w", err)
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return house.Config{}, fmt.Errorf("load house config: %w", err)
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return house.Config{}, fmt.Errorf("load house config: %w", err)
	}
	return cfg, nil
}
