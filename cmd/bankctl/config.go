package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/auctionctl/internal/bank"
	"github.com/danmuck/auctionctl/internal/config"
)

// bankctl config.toml key mapping to bank service settings.
type fileConfig struct {
	Name        string   `toml:"name"`
	ListenAddr  string   `toml:"listen_addr"`
	AdminAddr   string   `toml:"admin_addr"`
	CORSOrigins []string `toml:"cors_origins"`
	MaxWorkers  int      `toml:"max_workers"`
	AcceptRate  float64  `toml:"accept_rate"`
	AcceptBurst int      `toml:"accept_burst"`
	config.SessionFile
}

func loadServiceConfig(path string) (bank.ServiceConfig, error) {
	cfg := bank.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return bank.ServiceConfig{}, fmt.Errorf("load bank config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("max_workers") {
		cfg.MaxWorkers = raw.MaxWorkers
	}
	if meta.IsDefined("accept_rate") {
		cfg.AcceptRate = raw.AcceptRate
	}
	if meta.IsDefined("accept_burst") {
		cfg.AcceptBurst = raw.AcceptBurst
	}

	cfg.Session, err = config.ApplySession(meta, raw.SessionFile, cfg.Session)
	if err != nil {
		return bank.ServiceConfig{}, fmt.Errorf("load bank config: %w", err)
	}
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return bank.ServiceConfig{}, fmt.Errorf("load bank config: %w", err)
	}
	return cfg, nil
}
