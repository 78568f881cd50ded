package rules

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry holds the active detection rulesets per tenant. It is a
// read-mostly in-memory view; the repository is the system of record and
// reloads replace a tenant's set wholesale.
type Registry struct {
	mu       sync.RWMutex
	byTenant map[uuid.UUID][]Rule
	nextSeq  int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byTenant: make(map[uuid.UUID][]Rule)}
}

// Load replaces a tenant's ruleset. Rules without a creation sequence get
// one assigned in slice order.
func (r *Registry) Load(tenantID uuid.UUID, set []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := make([]Rule, len(set))
	copy(copied, set)
	for i := range copied {
		if copied[i].Seq == 0 {
			r.nextSeq++
			copied[i].Seq = r.nextSeq
		} else if copied[i].Seq > r.nextSeq {
			r.nextSeq = copied[i].Seq
		}
	}
	r.byTenant[tenantID] = copied
}

// Add appends a single rule to a tenant's set, assigning its creation
// sequence.
func (r *Registry) Add(tenantID uuid.UUID, rule Rule) Rule {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	rule.Seq = r.nextSeq
	r.byTenant[tenantID] = append(r.byTenant[tenantID], rule)
	return rule
}

// SetActive toggles a rule's activation. Rules are never deleted, only
// deactivated, so historical errors keep a resolvable rule reference.
func (r *Registry) SetActive(tenantID, ruleID uuid.UUID, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byTenant[tenantID]
	for i := range set {
		if set[i].ID == ruleID {
			set[i].IsActive = active
			return true
		}
	}
	return false
}

// Rule returns a rule by id regardless of activation state.
func (r *Registry) Rule(tenantID, ruleID uuid.UUID) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.byTenant[tenantID] {
		if rule.ID == ruleID {
			return rule, true
		}
	}
	return Rule{}, false
}

// ActiveRules returns the tenant's active rules for a category, ordered by
// ascending priority with ties broken by creation order. An empty slice
// means the detector has nothing to flag.
func (r *Registry) ActiveRules(tenantID uuid.UUID, category Category) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Rule
	for _, rule := range r.byTenant[tenantID] {
		if rule.IsActive && rule.Category == category {
			out = append(out, rule)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// AllRules returns every rule for a tenant, active or not, in creation
// order. Used by the export codec.
func (r *Registry) AllRules(tenantID uuid.UUID) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Rule, len(r.byTenant[tenantID]))
	copy(out, r.byTenant[tenantID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
