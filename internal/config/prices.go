package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/addonhub/internal/models"
)

// PriceInfo is what the system knows about one gateway price id.
type PriceInfo struct {
	ID       string             `yaml:"id"`
	Product  models.ProductType `yaml:"product"`
	Tier     models.Tier        `yaml:"tier"`
	Interval string             `yaml:"interval"`
}

type priceFile struct {
	Products []models.ProductType `yaml:"products"`
	Primary  models.ProductType   `yaml:"primary"`
	Prices   []PriceInfo          `yaml:"prices"`
}

// PriceTable maps gateway price ids to product types and tiers.
// It is loaded once at startup and read-only afterwards.
type PriceTable struct {
	products []models.ProductType
	primary  models.ProductType
	byID     map[string]PriceInfo
}

// LoadPriceTable reads the YAML price table at path.
func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price table %s: %w", path, err)
	}
	return ParsePriceTable(data)
}

// ParsePriceTable builds a PriceTable from YAML bytes.
func ParsePriceTable(data []byte) (*PriceTable, error) {
	var f priceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse price table: %w", err)
	}
	return NewPriceTable(f.Products, f.Primary, f.Prices)
}

// NewPriceTable validates and indexes the given prices.
// If primary is empty, the first product is the primary one.
func NewPriceTable(products []models.ProductType, primary models.ProductType, prices []PriceInfo) (*PriceTable, error) {
	if len(products) == 0 {
		return nil, fmt.Errorf("price table declares no products")
	}
	known := make(map[models.ProductType]bool, len(products))
	for _, p := range products {
		known[p] = true
	}
	if primary == "" {
		primary = products[0]
	}
	if !known[primary] {
		return nil, fmt.Errorf("primary product %q is not declared", primary)
	}

	t := &PriceTable{products: products, primary: primary, byID: make(map[string]PriceInfo, len(prices))}
	for _, p := range prices {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("price without id")
		}
		if !known[p.Product] {
			return nil, fmt.Errorf("price %s references unknown product %q", p.ID, p.Product)
		}
		tier, ok := models.ParseTier(string(p.Tier))
		if !ok || tier == models.TierFree {
			return nil, fmt.Errorf("price %s has invalid tier %q", p.ID, p.Tier)
		}
		p.Tier = tier
		if _, dup := t.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate price id %s", p.ID)
		}
		t.byID[p.ID] = p
	}
	return t, nil
}

// Lookup returns the price info for a price id.
func (t *PriceTable) Lookup(priceID string) (PriceInfo, bool) {
	p, ok := t.byID[priceID]
	return p, ok
}

// PriceIDs returns every price id that belongs to product.
func (t *PriceTable) PriceIDs(product models.ProductType) []string {
	var ids []string
	for id, p := range t.byID {
		if p.Product == product {
			ids = append(ids, id)
		}
	}
	return ids
}

// Products lists the configured product types.
func (t *PriceTable) Products() []models.ProductType {
	out := make([]models.ProductType, len(t.products))
	copy(out, t.products)
	return out
}

// Primary is the core product whose tier is mirrored onto the user's stripeRole.
func (t *PriceTable) Primary() models.ProductType {
	return t.primary
}

// Classify maps a set of price ids to the product they belong to and the
// highest tier among them. ok is false if no price id is known.
func (t *PriceTable) Classify(priceIDs []string) (models.ProductType, models.Tier, bool) {
	var (
		product models.ProductType
		tier    = models.TierFree
		found   bool
	)
	for _, id := range priceIDs {
		p, ok := t.byID[id]
		if !ok {
			continue
		}
		if !found || p.Tier.Rank() > tier.Rank() {
			product = p.Product
		}
		tier = tier.Higher(p.Tier)
		found = true
	}
	return product, tier, found
}
