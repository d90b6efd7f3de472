package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/auctionctl/internal/money"
	"github.com/danmuck/auctionctl/internal/testutil/testlog"
)

func TestCatalogTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "catalog.toml")
	if err := WriteTemplate(path, "catalog", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	if len(cat.Items) != 4 || cat.Initial() != 3 || !cat.Restock {
		t.Fatalf("unexpected catalog: %+v", cat)
	}
	price, err := cat.Items[2].Price()
	if err != nil || money.Format(price) != "25.50" {
		t.Fatalf("unexpected price %v err=%v", price, err)
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bank.toml")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := WriteTemplate(path, "bank", false); err == nil {
		t.Fatalf("expected overwrite refusal")
	}
	if err := WriteTemplate(path, "bank", true); err != nil {
		t.Fatalf("forced write: %v", err)
	}
	if _, err := Template("mirage"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestValidateCatalogRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]struct {
		cat  Catalog
		want error
	}{
		"empty":     {cat: Catalog{}, want: ErrEmptyCatalog},
		"no name":   {cat: Catalog{Items: []CatalogItem{{MinBid: "1"}}}, want: ErrItemName},
		"zero bid":  {cat: Catalog{Items: []CatalogItem{{Name: "a", MinBid: "0.001"}}}, want: ErrItemMinBid},
		"bad money": {cat: Catalog{Items: []CatalogItem{{Name: "a", MinBid: "ten"}}}, want: money.ErrInvalidAmount},
	}
	for name, tc := range cases {
		if err := ValidateCatalog(tc.cat); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}

func TestParseCatalogOpenBound(t *testing.T) {
	testlog.Start(t)
	cat, err := ParseCatalog([]byte("open = 9\n[[items]]\nname = \"a\"\nmin_bid = \"1\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cat.Initial() != 1 {
		t.Fatalf("open beyond item count should clamp, got %d", cat.Initial())
	}
	if _, err := ParseCatalog([]byte("items = 3")); err == nil {
		t.Fatalf("expected type error")
	}
}
