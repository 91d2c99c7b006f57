package gate

import (
	"encoding/json"
	"math"

	"github.com/CreditRail/gateway/internal/keystore"
)

// Price computes the credit cost of a call for the given key. The key
// may be empty (public pricing endpoint): group overrides then do not
// apply. Liveness is not consulted.
func (g *Gate) Price(tool string, args any, apiKey string) int64 {
	var rec *keystore.Record
	if apiKey != "" {
		rec = g.store.Lookup(apiKey)
	}
	return g.price(tool, args, rec)
}

// price resolves base price, group override, input surcharge, transform
// hook, and the final non-negative clamp, in that order.
func (g *Gate) price(tool string, args any, rec *keystore.Record) int64 {
	base := g.cfg.DefaultCreditsPerCall
	if tp, ok := g.cfg.Tools[tool]; ok {
		base = tp.CreditsPerCall
	}
	if rec != nil {
		if override, ok := g.groups.Resolve(rec.Group).PriceOverride(tool); ok {
			base = override
		}
	}

	price := base
	if g.cfg.CreditsPerKbInput > 0 && args != nil {
		if raw, err := json.Marshal(args); err == nil {
			kb := float64(len(raw)) / 1024.0
			price += int64(math.Ceil(kb * g.cfg.CreditsPerKbInput))
		}
	}

	if g.transformPrice != nil {
		price = g.transformPrice(tool, args, price)
	}
	if price < 0 {
		price = 0
	}
	return price
}
