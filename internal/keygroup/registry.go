// Package keygroup resolves named key groups: shared pricing overrides
// and tool ACLs applied to every key assigned to the group.
package keygroup

import "sort"

// Group is one named policy bundle.
type Group struct {
	Name         string
	ToolPricing  map[string]int64
	AllowedTools []string
	DeniedTools  []string
}

// PriceOverride returns the group's creditsPerCall for tool when one is
// configured.
func (g *Group) PriceOverride(tool string) (int64, bool) {
	if g == nil {
		return 0, false
	}
	price, ok := g.ToolPricing[tool]
	return price, ok
}

// ToolAllowed applies the group ACL with the same semantics as the
// per-key lists: an entry in DeniedTools always blocks, a non-empty
// AllowedTools list admits only its members.
func (g *Group) ToolAllowed(tool string) bool {
	if g == nil {
		return true
	}
	for _, denied := range g.DeniedTools {
		if denied == tool {
			return false
		}
	}
	if len(g.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range g.AllowedTools {
		if allowed == tool {
			return true
		}
	}
	return false
}

// Registry looks up groups by name.
type Registry struct {
	groups map[string]*Group
}

// NewRegistry indexes the given groups. Later duplicates win.
func NewRegistry(groups ...Group) *Registry {
	r := &Registry{groups: make(map[string]*Group, len(groups))}
	for i := range groups {
		g := groups[i]
		if g.Name == "" {
			continue
		}
		r.groups[g.Name] = &g
	}
	return r
}

// Resolve returns the named group, or nil when the name is empty or
// unknown (callers treat nil as "no group policy").
func (r *Registry) Resolve(name string) *Group {
	if r == nil || name == "" {
		return nil
	}
	return r.groups[name]
}

// Names lists the registered group names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of registered groups.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.groups)
}
