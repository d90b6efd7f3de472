package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/auctionctl/internal/bank"
	"github.com/danmuck/auctionctl/internal/testutil/testlog"
)

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadServiceConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != ":7000" || cfg.AdminAddr != "127.0.0.1:7080" {
		t.Fatalf("unexpected addrs: listen=%q admin=%q", cfg.ListenAddr, cfg.AdminAddr)
	}
	if cfg.MaxWorkers != 32 {
		t.Fatalf("unexpected max workers: %d", cfg.MaxWorkers)
	}
	if cfg.AcceptRate != bank.DefaultServiceConfig().AcceptRate {
		t.Fatalf("accept rate should keep default: %v", cfg.AcceptRate)
	}
	if cfg.Session.RequestTimeout != 5*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.Session.RequestTimeout)
	}
	if len(cfg.CORSOrigins) != 1 {
		t.Fatalf("unexpected cors origins: %+v", cfg.CORSOrigins)
	}
}

func TestLoadServiceConfigProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bank.toml")
	if err := os.WriteFile(path, []byte(`session_security_mode = "production"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected production mode without tls to fail")
	}
}

func TestLoadServiceConfigMissingFile(t *testing.T) {
	testlog.Start(t)
	if _, err := loadServiceConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}
