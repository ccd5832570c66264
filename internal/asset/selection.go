package asset

import (
	"fmt"
	"strings"
)

// Selection picks a set of assets from a graph.
type Selection interface {
	Resolve(g *Graph) (map[string]bool, error)
	String() string
}

type allSel struct{}

func All() Selection { return allSel{} }

func (allSel) Resolve(g *Graph) (map[string]bool, error) {
	out := make(map[string]bool, g.Len())
	for _, k := range g.order {
		out[k] = true
	}
	return out, nil
}

func (allSel) String() string { return "*" }

type keysSel []string

// Keys selects the named assets. Unknown names fail resolution.
func Keys(keys ...string) Selection { return keysSel(keys) }

func (s keysSel) Resolve(g *Graph) (map[string]bool, error) {
	out := make(map[string]bool, len(s))
	for _, k := range s {
		if _, ok := g.assets[k]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownAsset, k)
		}
		out[k] = true
	}
	return out, nil
}

func (s keysSel) String() string { return strings.Join(s, ",") }

type groupsSel []string

func Groups(groups ...string) Selection { return groupsSel(groups) }

func (s groupsSel) Resolve(g *Graph) (map[string]bool, error) {
	want := map[string]bool{}
	for _, gr := range s {
		want[gr] = true
	}
	out := map[string]bool{}
	for k, a := range g.assets {
		if want[a.Group] {
			out[k] = true
		}
	}
	return out, nil
}

func (s groupsSel) String() string { return "group:" + strings.Join(s, ",") }

type minusSel struct {
	base   Selection
	remove []Selection
}

// Minus is base with every asset of remove taken out.
func Minus(base Selection, remove ...Selection) Selection { return minusSel{base, remove} }

func (s minusSel) Resolve(g *Graph) (map[string]bool, error) {
	out, err := s.base.Resolve(g)
	if err != nil {
		return nil, err
	}
	for _, r := range s.remove {
		rm, err := r.Resolve(g)
		if err != nil {
			return nil, err
		}
		for k := range rm {
			delete(out, k)
		}
	}
	return out, nil
}

func (s minusSel) String() string {
	parts := []string{s.base.String()}
	for _, r := range s.remove {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, " - ")
}

type closureSel struct {
	base Selection
	up   bool
}

// Upstream adds every transitive dependency of the base selection.
func Upstream(base Selection) Selection { return closureSel{base, true} }

// Downstream adds every transitive dependent of the base selection.
func Downstream(base Selection) Selection { return closureSel{base, false} }

func (s closureSel) Resolve(g *Graph) (map[string]bool, error) {
	in, err := s.base.Resolve(g)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(in))
	for k := range in {
		out[k] = true
		var more []string
		if s.up {
			more = g.Upstream(k)
		} else {
			more = g.Downstream(k)
		}
		for _, m := range more {
			out[m] = true
		}
	}
	return out, nil
}

func (s closureSel) String() string {
	if s.up {
		return "+" + s.base.String()
	}
	return s.base.String() + "+"
}

// Resolve resolves sel against g and returns the keys in topological order.
func Resolve(g *Graph, sel Selection) ([]string, error) {
	set, err := sel.Resolve(g)
	if err != nil {
		return nil, err
	}
	return g.Order(set), nil
}
