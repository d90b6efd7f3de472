// Package config loads auction house item catalogs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/auctionctl/internal/money"
	"github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyCatalog = errors.New("catalog has no items")
	ErrItemName     = errors.New("item name is required")
	ErrItemMinBid   = errors.New("item min_bid must be positive")
)

// Catalog is the list of items a house puts up for sale. Open bounds how
// many lots are listed at once; the rest wait for a restock.
type Catalog struct {
	Open    int           `toml:"open"`
	Restock bool          `toml:"restock"`
	Items   []CatalogItem `toml:"items"`
}

type CatalogItem struct {
	Name   string `toml:"name"`
	MinBid string `toml:"min_bid"`
}

// Price returns the parsed minimum bid.
func (i CatalogItem) Price() (decimal.Decimal, error) {
	return money.Parse(i.MinBid)
}

// Initial returns the number of lots listed when the house starts.
func (c Catalog) Initial() int {
	if c.Open <= 0 || c.Open > len(c.Items) {
		return len(c.Items)
	}
	return c.Open
}

func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog load failed (%s): %w", path, err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog invalid (%s): %w", path, err)
	}
	return cat, nil
}

func ParseCatalog(data []byte) (Catalog, error) {
	var cat Catalog
	if err := toml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("catalog parse failed: %w", err)
	}
	if err := ValidateCatalog(cat); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

func ValidateCatalog(cat Catalog) error {
	if len(cat.Items) == 0 {
		return ErrEmptyCatalog
	}
	if cat.Open < 0 {
		return fmt.Errorf("catalog open must not be negative: %d", cat.Open)
	}
	for i, item := range cat.Items {
		if strings.TrimSpace(item.Name) == "" {
			return fmt.Errorf("items[%d]: %w", i, ErrItemName)
		}
		price, err := item.Price()
		if err != nil {
			return fmt.Errorf("items[%d] %q: %w", i, item.Name, err)
		}
		if !price.IsPositive() {
			return fmt.Errorf("items[%d] %q: %w", i, item.Name, ErrItemMinBid)
		}
	}
	return nil
}
