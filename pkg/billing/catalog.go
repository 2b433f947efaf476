package billing

import (
	"fmt"
	"sort"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlements"
)

// SKU is a billing catalog product identifier.
type SKU string

const (
	SKUHostedMonthly    SKU = "hosted_monthly"
	SKUHostedAnnual     SKU = "hosted_annual"
	SKUSelfHostLifetime SKU = "self_host_lifetime"
)

const (
	firstUpdatePackYear = 2024
	lastUpdatePackYear  = 2030
)

// UpdatePackSKU returns the update pack SKU for year.
func UpdatePackSKU(year int) SKU {
	return SKU(fmt.Sprintf("update_pack_%d", year))
}

// SKUDefaults is what a SKU grants on activation.
type SKUDefaults struct {
	// Mode is the plan mode set on activation. Empty leaves the mode unchanged.
	Mode entitlements.PlanMode

	// Hosted marks hosted-tier subscriptions.
	Hosted bool

	// SelfHostLifetime marks the perpetual self-host license.
	SelfHostLifetime bool

	// UpdatePackYear is the update pack year the SKU covers, if any.
	UpdatePackYear *int
}

// ModeUnchanged reports whether activation leaves the mode alone.
func (d SKUDefaults) ModeUnchanged() bool {
	return d.Mode == ""
}

// Catalog maps SKUs to their defaults. It is static configuration: changing it
// affects future derivations only.
type Catalog map[SKU]SKUDefaults

// DefaultCatalog is the product catalog used by Derive.
var DefaultCatalog = newDefaultCatalog()

func newDefaultCatalog() Catalog {
	c := Catalog{
		SKUHostedMonthly:    {Mode: entitlements.ModeHosted, Hosted: true},
		SKUHostedAnnual:     {Mode: entitlements.ModeHosted, Hosted: true},
		SKUSelfHostLifetime: {Mode: entitlements.ModeSelfHost, SelfHostLifetime: true},
	}
	for year := firstUpdatePackYear; year <= lastUpdatePackYear; year++ {
		c[UpdatePackSKU(year)] = SKUDefaults{UpdatePackYear: entitlements.IntPtr(year)}
	}
	return c
}

// Lookup returns the defaults for sku.
func (c Catalog) Lookup(sku SKU) (SKUDefaults, bool) {
	d, ok := c[sku]
	return d, ok
}

// SKUs returns the catalog keys sorted.
func (c Catalog) SKUs() []SKU {
	out := make([]SKU, 0, len(c))
	for sku := range c {
		out = append(out, sku)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
