package topological_test

import (
	"maps"
	"slices"
	"testing"

	"github.com/rhino1998/vireo/pkg/topological"
	"github.com/stretchr/testify/require"
)

// Graph records "a depends on b" edges.
type Graph struct {
	nodes map[int]struct{}
	edges map[int]map[int]struct{}
}

func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[int]struct{}),
		edges: make(map[int]map[int]struct{}),
	}
}

func (g *Graph) Nodes() []int {
	return slices.Sorted(maps.Keys(g.nodes))
}

func (g *Graph) Deps(a int) []int {
	return slices.Sorted(maps.Keys(g.edges[a]))
}

func (g *Graph) DependsOn(a, b int) {
	g.nodes[a] = struct{}{}
	g.nodes[b] = struct{}{}
	if _, ok := g.edges[a]; !ok {
		g.edges[a] = make(map[int]struct{})
	}
	g.edges[a][b] = struct{}{}
}

func TestSort_Empty(t *testing.T) {
	g := NewGraph()

	r := require.New(t)

	l, err := topological.Sort(g.Nodes(), g.Deps)
	r.NoError(err)
	r.Empty(l)
}

func TestSort_Chain(t *testing.T) {
	g := NewGraph()
	g.DependsOn(1, 2)
	g.DependsOn(2, 3)

	r := require.New(t)

	l, err := topological.Sort(g.Nodes(), g.Deps)
	r.NoError(err)
	r.Equal([]int{3, 2, 1}, l)
}

func TestSort_Diamond(t *testing.T) {
	g := NewGraph()
	g.DependsOn(1, 2)
	g.DependsOn(2, 3)
	g.DependsOn(2, 4)
	g.DependsOn(2, 5)

	g.DependsOn(3, 6)
	g.DependsOn(4, 6)
	g.DependsOn(5, 6)

	r := require.New(t)

	l, err := topological.Sort(g.Nodes(), g.Deps)
	r.NoError(err)
	r.Equal([]int{6, 3, 4, 5, 2, 1}, l)
}

func TestSort_IgnoresUnknownDeps(t *testing.T) {
	r := require.New(t)

	l, err := topological.Sort([]int{2, 1}, func(n int) []int {
		if n == 1 {
			return []int{2, 99}
		}
		return nil
	})
	r.NoError(err)
	r.Equal([]int{2, 1}, l)
}

func TestSort_SelfCycle(t *testing.T) {
	g := NewGraph()
	g.DependsOn(1, 1)

	r := require.New(t)

	_, err := topological.Sort(g.Nodes(), g.Deps)
	r.ErrorIs(err, topological.ErrCycleDetected)
}

func TestSort_Cycle(t *testing.T) {
	g := NewGraph()
	g.DependsOn(1, 2)
	g.DependsOn(2, 3)
	g.DependsOn(2, 4)
	g.DependsOn(2, 5)

	g.DependsOn(3, 6)
	g.DependsOn(4, 6)
	g.DependsOn(5, 6)
	g.DependsOn(6, 1)
	g.DependsOn(7, 8)

	r := require.New(t)

	_, err := topological.Sort(g.Nodes(), g.Deps)
	r.ErrorIs(err, topological.ErrCycleDetected)

	var cycle *topological.CycleError[int]
	r.ErrorAs(err, &cycle)
	r.Equal([]int{1, 2, 3, 4, 5, 6}, cycle.Keys)
}

type constant struct {
	id    string
	elems []constant
}

func TestSortFunc_Keyed(t *testing.T) {
	r := require.New(t)

	a := constant{id: "a"}
	b := constant{id: "b", elems: []constant{a}}
	c := constant{id: "c", elems: []constant{b, a}}

	l, err := topological.SortFunc([]constant{c, b, a},
		func(c constant) string { return c.id },
		func(c constant) []constant { return c.elems },
	)
	r.NoError(err)
	r.Equal([]string{"a", "b", "c"}, []string{l[0].id, l[1].id, l[2].id})
}
