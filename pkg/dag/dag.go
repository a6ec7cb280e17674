// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dag builds and validates the stage dependency graph and
// computes ready sets for the planner.
//
// All ordering is deterministic: FindReady and TopologicalOrder break
// ties by declaration order, so a given spec always plans identically.
package dag

import (
	"fmt"

	"github.com/kadirpekel/conductor/pkg/agenterr"
)

// Node is one stage in the graph.
type Node struct {
	Name      string
	DependsOn []string
}

// Graph is an immutable dependency graph over named stages.
type Graph struct {
	nodes []Node
	index map[string]int
}

// Build constructs a graph from the declared stages. Call Validate before
// planning against it.
func Build(nodes []Node) *Graph {
	g := &Graph{
		nodes: make([]Node, len(nodes)),
		index: make(map[string]int, len(nodes)),
	}
	copy(g.nodes, nodes)
	for i, n := range nodes {
		g.index[n.Name] = i
	}
	return g
}

// Size returns the number of stages.
func (g *Graph) Size() int { return len(g.nodes) }

// Names returns stage names in declaration order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.Name
	}
	return names
}

// Has reports whether the graph declares the named stage.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Validate checks for empty graphs, duplicate names, references to
// undeclared stages, and dependency cycles (three-color DFS).
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return agenterr.NewExecution("", agenterr.ErrNoStages)
	}

	seen := make(map[string]bool, len(g.nodes))
	for _, n := range g.nodes {
		if seen[n.Name] {
			return agenterr.NewExecution(n.Name, fmt.Errorf("duplicate stage name '%s'", n.Name))
		}
		seen[n.Name] = true
	}

	for _, n := range g.nodes {
		for _, dep := range n.DependsOn {
			if !g.Has(dep) {
				return agenterr.NewExecution(n.Name,
					fmt.Errorf("%w: '%s' depends on '%s'", agenterr.ErrMissingDep, n.Name, dep))
			}
		}
	}

	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return agenterr.NewExecution(name,
				fmt.Errorf("%w: via '%s'", agenterr.ErrCycle, name))
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range g.nodes[g.index[name]].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for _, n := range g.nodes {
		if err := visit(n.Name); err != nil {
			return err
		}
	}
	return nil
}

// FindReady returns, in declaration order, the stages whose dependencies
// are all in completed and which are not themselves completed.
func (g *Graph) FindReady(completed map[string]bool) []string {
	var ready []string
	for _, n := range g.nodes {
		if completed[n.Name] {
			continue
		}
		ok := true
		for _, dep := range n.DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, n.Name)
		}
	}
	return ready
}

// TopologicalOrder returns a dependency-respecting order over all stages.
// Among stages with satisfied dependencies, declaration order wins.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	order := make([]string, 0, len(g.nodes))
	done := make(map[string]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		ready := g.FindReady(done)
		if len(ready) == 0 {
			// unreachable after Validate, kept as a guard
			return nil, agenterr.NewExecution("", agenterr.ErrUnreachableStages)
		}
		for _, name := range ready {
			order = append(order, name)
			done[name] = true
		}
	}
	return order, nil
}

// Descendants returns every stage that transitively depends on name, in
// declaration order.
func (g *Graph) Descendants(name string) []string {
	dependents := make(map[string][]string)
	for _, n := range g.nodes {
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}

	marked := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, child := range dependents[cur] {
			if !marked[child] {
				marked[child] = true
				walk(child)
			}
		}
	}
	walk(name)

	var out []string
	for _, n := range g.nodes {
		if marked[n.Name] {
			out = append(out, n.Name)
		}
	}
	return out
}
