package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/agenterr"
)

func diamond() *Graph {
	return Build([]Node{
		{Name: "a"},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"a"}},
		{Name: "d", DependsOn: []string{"b", "c"}},
	})
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, diamond().Validate())
}

func TestValidate_Empty(t *testing.T) {
	err := Build(nil).Validate()
	assert.True(t, errors.Is(err, agenterr.ErrNoStages))
}

func TestValidate_MissingDep(t *testing.T) {
	g := Build([]Node{
		{Name: "a", DependsOn: []string{"ghost"}},
	})
	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterr.ErrMissingDep))
}

func TestValidate_Cycle(t *testing.T) {
	g := Build([]Node{
		{Name: "a", DependsOn: []string{"c"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"b"}},
	})
	err := g.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterr.ErrCycle))
	assert.Equal(t, agenterr.ClassFramework, agenterr.ClassOf(err))
}

func TestValidate_SelfCycle(t *testing.T) {
	g := Build([]Node{{Name: "a", DependsOn: []string{"a"}}})
	assert.True(t, errors.Is(g.Validate(), agenterr.ErrCycle))
}

func TestValidate_DuplicateName(t *testing.T) {
	g := Build([]Node{{Name: "a"}, {Name: "a"}})
	assert.Error(t, g.Validate())
}

func TestFindReady(t *testing.T) {
	g := diamond()

	ready := g.FindReady(map[string]bool{})
	assert.Equal(t, []string{"a"}, ready)

	ready = g.FindReady(map[string]bool{"a": true})
	assert.Equal(t, []string{"b", "c"}, ready)

	ready = g.FindReady(map[string]bool{"a": true, "b": true})
	assert.Equal(t, []string{"c"}, ready)

	ready = g.FindReady(map[string]bool{"a": true, "b": true, "c": true})
	assert.Equal(t, []string{"d"}, ready)

	ready = g.FindReady(map[string]bool{"a": true, "b": true, "c": true, "d": true})
	assert.Empty(t, ready)
}

func TestFindReady_DeclarationOrder(t *testing.T) {
	// independent stages surface in declaration order, not name order
	g := Build([]Node{{Name: "zeta"}, {Name: "alpha"}, {Name: "mid"}})
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, g.FindReady(nil))
}

func TestTopologicalOrder(t *testing.T) {
	order, err := diamond().TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestTopologicalOrder_Cycle(t *testing.T) {
	g := Build([]Node{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	})
	_, err := g.TopologicalOrder()
	assert.Error(t, err)
}

func TestDescendants(t *testing.T) {
	g := diamond()
	assert.Equal(t, []string{"b", "c", "d"}, g.Descendants("a"))
	assert.Equal(t, []string{"d"}, g.Descendants("b"))
	assert.Empty(t, g.Descendants("d"))
}
