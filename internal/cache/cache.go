// Package cache names the device's local read caches and maps remote
// tables onto them.
//
// The engine and the realtime debouncer never touch cached data directly.
// They compute which keys a change affects and hand them to an
// Invalidator, which the UI layer implements.
package cache

import (
	"maps"
	"slices"
	"sync"
)

// Key names one local read cache.
type Key string

const (
	KeySales                 Key = "sales"
	KeyDashboard             Key = "dashboard"
	KeyReports               Key = "reports"
	KeyCustomers             Key = "customers"
	KeyServices              Key = "services"
	KeyPlans                 Key = "plans"
	KeyOffers                Key = "offers"
	KeyCombos                Key = "combos"
	KeyCustomerSubscriptions Key = "customer_subscriptions"
)

// TableKeys maps a remote table to the caches that depend on it.
type TableKeys map[string][]Key

// DefaultTableKeys returns the mapping for the built-in tables.
func DefaultTableKeys() TableKeys {
	return TableKeys{
		"sales":                  {KeySales, KeyDashboard, KeyReports},
		"sale_items":             {KeySales, KeyReports},
		"sale_subscriptions":     {KeySales, KeyCustomerSubscriptions},
		"customers":              {KeyCustomers},
		"services":               {KeyServices},
		"plans":                  {KeyPlans},
		"offers":                 {KeyOffers},
		"combos":                 {KeyCombos},
		"customer_subscriptions": {KeyCustomerSubscriptions, KeyCustomers},
	}
}

// Merge returns a copy of tk with extra's entries added. Keys for a table
// present in both are unioned.
func (tk TableKeys) Merge(extra TableKeys) TableKeys {
	out := make(TableKeys, len(tk)+len(extra))
	for table, keys := range tk {
		out[table] = slices.Clone(keys)
	}
	for table, keys := range extra {
		for _, k := range keys {
			if !slices.Contains(out[table], k) {
				out[table] = append(out[table], k)
			}
		}
	}
	return out
}

// KeysFor returns the sorted union of keys mapped from tables. Unknown
// tables contribute nothing.
func (tk TableKeys) KeysFor(tables ...string) []Key {
	set := make(map[Key]struct{})
	for _, t := range tables {
		for _, k := range tk[t] {
			set[k] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// Invalidator drops cached data for keys.
type Invalidator interface {
	Invalidate(keys []Key)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(keys []Key)

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate(keys []Key) {
	f(keys)
}

// Registry is an Invalidator that tracks a generation number per key and
// notifies subscribers. Readers compare generations to decide whether to
// refetch.
type Registry struct {
	mu          sync.Mutex
	generations map[Key]uint64
	subscribers map[Key][]func(Key)
	passes      int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		generations: make(map[Key]uint64),
		subscribers: make(map[Key][]func(Key)),
	}
}

// Subscribe calls fn whenever key is invalidated.
func (r *Registry) Subscribe(key Key, fn func(Key)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[key] = append(r.subscribers[key], fn)
}

// Invalidate bumps the generation of every key once and notifies
// subscribers outside the lock.
func (r *Registry) Invalidate(keys []Key) {
	var notify []func()

	r.mu.Lock()
	r.passes++
	seen := make(map[Key]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		r.generations[k]++
		for _, fn := range r.subscribers[k] {
			notify = append(notify, func() { fn(k) })
		}
	}
	r.mu.Unlock()

	for _, n := range notify {
		n()
	}
}

// Generation returns how many times key has been invalidated.
func (r *Registry) Generation(key Key) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generations[key]
}

// Passes returns how many Invalidate calls the registry has seen.
func (r *Registry) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

// Generations returns a snapshot of every key's generation.
func (r *Registry) Generations() map[Key]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Key]uint64, len(r.generations))
	for k, g := range r.generations {
		out[k] = g
	}
	return out
}
