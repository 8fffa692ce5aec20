package market

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// CatalogEntry is one commodity listed in a catalog seed file.
type CatalogEntry struct {
	ID       uint64          `yaml:"id"`
	Quantity uint64          `yaml:"quantity"`
	Price    decimal.Decimal `yaml:"-"`
	RawPrice string          `yaml:"price"`
}

// Catalog is the YAML document shape:
//
//	commodities:
//	  - id: 1
//	    quantity: 500
//	    price: "10"
type Catalog struct {
	Commodities []CatalogEntry `yaml:"commodities"`
}

// LoadCatalog reads and parses a catalog seed file. Prices are decimal
// strings; duplicate IDs are rejected.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[uint64]bool, len(cat.Commodities))
	for i := range cat.Commodities {
		e := &cat.Commodities[i]
		if seen[e.ID] {
			return nil, fmt.Errorf("parse catalog: duplicate commodity id %d", e.ID)
		}
		seen[e.ID] = true

		price, err := decimal.NewFromString(e.RawPrice)
		if err != nil {
			return nil, fmt.Errorf("parse catalog: commodity %d price %q: %w", e.ID, e.RawPrice, err)
		}
		e.Price = price
	}
	return &cat, nil
}
