package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/auctionctl/internal/testutil/testlog"
)

func TestLoadHouseConfigResolvesCatalog(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadHouseConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "north-house" || cfg.AdvertiseAddr != "localhost:7100" {
		t.Fatalf("unexpected identity: name=%q advertise=%q", cfg.Name, cfg.AdvertiseAddr)
	}
	if cfg.QuietPeriod != 20*time.Second {
		t.Fatalf("unexpected quiet period: %v", cfg.QuietPeriod)
	}
	if cfg.SettleTimeout != 10*time.Second {
		t.Fatalf("settle timeout should keep default: %v", cfg.SettleTimeout)
	}
	if cfg.Notify.MaxAttempts != 3 {
		t.Fatalf("unexpected notify attempts: %d", cfg.Notify.MaxAttempts)
	}
	if len(cfg.Catalog.Items) != 5 || cfg.Catalog.Initial() != 3 || !cfg.Catalog.Restock {
		t.Fatalf("unexpected catalog: %+v", cfg.Catalog)
	}
}

func TestLoadHouseConfigRequiresCatalog(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "house.toml")
	if err := os.WriteFile(path, []byte(`name = "south"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadHouseConfig(path); err == nil {
		t.Fatalf("expected missing catalog error")
	}
}

func TestLoadHouseConfigBadQuietPeriod(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "house.toml")
	body := "catalog = \"" + filepath.Join(dir, "catalog.toml") + "\"\nquiet_period = \"forever\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "catalog.toml"), []byte("[[items]]\nname = \"a\"\nmin_bid = \"1\"\n"), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if _, err := loadHouseConfig(path); err == nil {
		t.Fatalf("expected quiet_period parse error")
	}
}
