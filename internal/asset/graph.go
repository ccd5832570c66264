package asset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrDuplicateAsset = errors.New("duplicate asset")
	ErrCycle          = errors.New("asset dependency cycle")
)

// Graph is an immutable asset DAG. Edges point from a dependency to the
// assets that depend on it.
type Graph struct {
	assets     map[string]*Asset
	deps       map[string][]string
	dependents map[string][]string
	order      []string
	rank       map[string]int
}

// NewGraph validates assets and computes a deterministic topological order
// (Kahn's algorithm, ties broken by key).
func NewGraph(assets ...*Asset) (*Graph, error) {
	g := &Graph{
		assets:     make(map[string]*Asset, len(assets)),
		deps:       make(map[string][]string, len(assets)),
		dependents: make(map[string][]string, len(assets)),
		rank:       make(map[string]int, len(assets)),
	}
	for _, a := range assets {
		if a == nil || strings.TrimSpace(a.Key) == "" {
			return nil, errors.New("asset key required")
		}
		if _, ok := g.assets[a.Key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, a.Key)
		}
		if a.Kind == Materializable && a.Fn == nil {
			return nil, fmt.Errorf("asset %s: materialize func required", a.Key)
		}
		g.assets[a.Key] = a
	}
	for _, a := range assets {
		seen := map[string]bool{}
		for _, d := range a.Deps {
			if d == a.Key {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrCycle, a.Key)
			}
			if _, ok := g.assets[d]; !ok {
				return nil, fmt.Errorf("%w %q (dependency of %s)", ErrUnknownAsset, d, a.Key)
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			g.deps[a.Key] = append(g.deps[a.Key], d)
			g.dependents[d] = append(g.dependents[d], a.Key)
		}
	}
	for k := range g.assets {
		sort.Strings(g.deps[k])
		sort.Strings(g.dependents[k])
	}

	indeg := make(map[string]int, len(g.assets))
	var ready []string
	for k := range g.assets {
		indeg[k] = len(g.deps[k])
		if indeg[k] == 0 {
			ready = append(ready, k)
		}
	}
	sort.Strings(ready)
	for len(ready) > 0 {
		k := ready[0]
		ready = ready[1:]
		g.rank[k] = len(g.order)
		g.order = append(g.order, k)
		var next []string
		for _, d := range g.dependents[k] {
			if indeg[d]--; indeg[d] == 0 {
				next = append(next, d)
			}
		}
		if len(next) > 0 {
			ready = append(ready, next...)
			sort.Strings(ready)
		}
	}
	if len(g.order) != len(g.assets) {
		var stuck []string
		for k, n := range indeg {
			if n > 0 {
				stuck = append(stuck, k)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w involving %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return g, nil
}

func (g *Graph) Get(key string) (*Asset, bool) {
	a, ok := g.assets[key]
	return a, ok
}

// Keys returns every asset key in topological order.
func (g *Graph) Keys() []string { return append([]string(nil), g.order...) }

func (g *Graph) Len() int { return len(g.order) }

func (g *Graph) Deps(key string) []string { return append([]string(nil), g.deps[key]...) }

func (g *Graph) Dependents(key string) []string {
	return append([]string(nil), g.dependents[key]...)
}

// Upstream returns every transitive dependency of key, excluding key.
func (g *Graph) Upstream(key string) []string { return g.walk(key, g.deps) }

// Downstream returns every transitive dependent of key, excluding key.
func (g *Graph) Downstream(key string) []string { return g.walk(key, g.dependents) }

func (g *Graph) walk(key string, edges map[string][]string) []string {
	seen := map[string]bool{}
	stack := append([]string(nil), edges[key]...)
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[k] {
			continue
		}
		seen[k] = true
		stack = append(stack, edges[k]...)
	}
	return g.Order(seen)
}

// Order returns the keys of set in topological order.
func (g *Graph) Order(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k, ok := range set {
		if ok {
			if _, known := g.assets[k]; known {
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return g.rank[out[i]] < g.rank[out[j]] })
	return out
}
