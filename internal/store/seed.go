package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/DineFlow/internal/models"
	"gopkg.in/yaml.v3"
)

// CatalogFile is the YAML layout accepted by LoadCatalogFile.
//
//	bars:
//	  - id: b-001
//	    name: Kigali Heights Lounge
//	    categories:
//	      - id: c-001
//	        name: Beers
//	        items:
//	          - id: i-001
//	            name: Primus
//	            price_minor: 1500
type CatalogFile struct {
	DefaultCurrency string    `yaml:"default_currency"`
	Bars            []SeedBar `yaml:"bars"`
}

// SeedBar is a bar with its menu.
type SeedBar struct {
	models.Bar `yaml:",inline"`
	Hidden     bool           `yaml:"hidden"`
	Categories []SeedCategory `yaml:"categories"`
}

// SeedCategory is a category with its items.
type SeedCategory struct {
	models.MenuCategory `yaml:",inline"`
	Items               []SeedItem `yaml:"items"`
}

// SeedItem is a menu item; items are available unless marked sold out.
type SeedItem struct {
	models.MenuItem `yaml:",inline"`
	SoldOut         bool `yaml:"sold_out"`
}

// LoadCatalogFile reads a YAML catalog from path.
func LoadCatalogFile(path string) (*CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var cf CatalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse catalog file %s: %w", path, err)
	}
	for i, b := range cf.Bars {
		if b.ID == "" || b.Name == "" {
			return nil, fmt.Errorf("catalog bar #%d: id and name are required", i+1)
		}
	}
	return &cf, nil
}

// SeedCatalog upserts every bar, category and item of cf. Category and item
// bar ids and currencies are filled in from their parent.
func SeedCatalog(ctx context.Context, w CatalogWriter, cf *CatalogFile) error {
	var nBars, nItems int
	for _, sb := range cf.Bars {
		bar := sb.Bar
		bar.Active = !sb.Hidden
		if bar.Currency == "" {
			bar.Currency = cf.DefaultCurrency
		}
		if err := w.UpsertBar(ctx, bar); err != nil {
			return err
		}
		nBars++
		for _, sc := range sb.Categories {
			cat := sc.MenuCategory
			cat.BarID = bar.ID
			if err := w.UpsertCategory(ctx, cat); err != nil {
				return err
			}
			for _, si := range sc.Items {
				item := si.MenuItem
				item.BarID = bar.ID
				item.CategoryID = cat.ID
				item.Available = !si.SoldOut
				if item.Currency == "" {
					item.Currency = bar.Currency
				}
				if err := w.UpsertItem(ctx, item); err != nil {
					return err
				}
				nItems++
			}
		}
	}
	slog.Info("SeedCatalog: catalog seeded", "bars", nBars, "items", nItems)
	return nil
}
