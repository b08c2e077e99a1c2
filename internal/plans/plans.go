// Package plans holds the static catalog of storage tiers.
package plans

import (
	"github.com/agjmills/hoard/internal/config"
	"github.com/agjmills/hoard/internal/database/models"
)

// ActivationPeriod is how long a plan stays active after activation, in days.
const ActivationPeriod = 30

// Tier describes one plan. Price is in whole rupees, StorageMB is the
// aggregate quota, MaxFileBytes the single-file ceiling.
type Tier struct {
	Plan         models.Plan `json:"plan"`
	Name         string      `json:"name"`
	Price        int64       `json:"price"`
	StorageMB    float64     `json:"storage"`
	MaxFileBytes int64       `json:"max_file_size"`
	Features     []string    `json:"features"`
}

// Purchasable reports whether the tier can be bought.
func (t Tier) Purchasable() bool {
	return t.Price > 0
}

type Catalog struct {
	tiers map[models.Plan]Tier
}

var order = []models.Plan{models.PlanFree, models.PlanBasic, models.PlanPremium}

// NewCatalog builds the catalog with per-plan file ceilings from cfg.
func NewCatalog(cfg *config.Config) *Catalog {
	return &Catalog{tiers: map[models.Plan]Tier{
		models.PlanFree: {
			Plan:         models.PlanFree,
			Name:         "Free Plan",
			Price:        0,
			StorageMB:    100,
			MaxFileBytes: cfg.MaxFileSizeFree,
			Features:     []string{"100MB Storage", "Basic Hosting", "30 Days", "Email Support"},
		},
		models.PlanBasic: {
			Plan:         models.PlanBasic,
			Name:         "Basic Plan",
			Price:        99,
			StorageMB:    1024,
			MaxFileBytes: cfg.MaxFileSizeBasic,
			Features:     []string{"1GB Storage", "Priority Support", "30 Days", "Faster Uploads"},
		},
		models.PlanPremium: {
			Plan:         models.PlanPremium,
			Name:         "Premium Plan",
			Price:        999,
			StorageMB:    10240,
			MaxFileBytes: cfg.MaxFileSizePremium,
			Features:     []string{"10GB Storage", "24/7 Priority Support", "30 Days", "Unlimited Bandwidth"},
		},
	}}
}

// Get looks up a tier by plan.
func (c *Catalog) Get(plan models.Plan) (Tier, bool) {
	t, ok := c.tiers[plan]
	return t, ok
}

// List returns every tier, cheapest first.
func (c *Catalog) List() []Tier {
	out := make([]Tier, 0, len(order))
	for _, p := range order {
		out = append(out, c.tiers[p])
	}
	return out
}

// Ceiling returns the storage limit in MB for plan, or 0 if unknown.
func (c *Catalog) Ceiling(plan models.Plan) float64 {
	return c.tiers[plan].StorageMB
}

// Valid reports whether plan names a known tier.
func (c *Catalog) Valid(plan models.Plan) bool {
	_, ok := c.tiers[plan]
	return ok
}
