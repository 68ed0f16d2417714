package breaker

import (
	"slices"
	"strings"
	"sync"
)

// Group lazily creates one breaker per key, all sharing the same Config.
type Group struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates an empty Group.
func NewGroup(cfg Config) *Group {
	return &Group{cfg: cfg.normalized(), breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it on first use.
func (g *Group) Get(key string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[key]; ok {
		return b
	}
	b := New(key, g.cfg)
	g.breakers[key] = b
	return b
}

// Lookup returns the breaker for key if one exists.
func (g *Group) Lookup(key string) (*Breaker, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[key]
	return b, ok
}

// Reset force-closes the breaker for key. It reports false when no breaker
// exists for that key.
func (g *Group) Reset(key string) bool {
	b, ok := g.Lookup(key)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshots returns the state of every breaker, ordered by name.
func (g *Group) Snapshots() []Snapshot {
	g.mu.Lock()
	list := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		list = append(list, b)
	}
	g.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
