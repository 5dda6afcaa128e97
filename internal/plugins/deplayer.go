package plugins

import (
	"fmt"
	"strings"

	"github.com/pyr-sh/dag"

	"github.com/factorialco/shadowdog/internal/task"
)

// CycleError is the structured error spec §4.7 requires on a
// dependency cycle: it names every output caught in the cycle.
type CycleError struct {
	Outputs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("plugins: dependency cycle among outputs [%s]", strings.Join(e.Outputs, ", "))
}

// DependencyLayering treats each Command as a node whose outputs are
// its artifact paths and whose inputs are its declared files. It
// builds a DAG, rejects cycles, and emits a Serial of Parallel layers
// in topological order, preserving the tree's original order within a
// layer (spec §4.7).
func DependencyLayering() Plugin {
	return func(t task.Task) (task.Task, error) {
		leaves := t.Commands()
		if len(leaves) < 2 {
			return t, nil
		}

		producers := map[string]int{}
		for i, leaf := range leaves {
			for _, a := range leaf.Command.Artifacts {
				producers[a.Output] = i
			}
		}

		g := &dag.AcyclicGraph{}
		for i := range leaves {
			g.Add(i)
		}

		deps := make([][]int, len(leaves))
		for i, leaf := range leaves {
			seen := map[int]bool{}
			for _, f := range leaf.Files {
				producer, ok := producers[f]
				if !ok || producer == i || seen[producer] {
					continue
				}
				seen[producer] = true
				deps[i] = append(deps[i], producer)
				g.Connect(dag.BasicEdge(producer, i))
			}
		}

		if err := g.Validate(); err != nil {
			return task.Task{}, &CycleError{Outputs: cycleOutputs(leaves, deps)}
		}

		layers, err := layer(deps)
		if err != nil {
			return task.Task{}, err
		}

		serial := make([]task.Task, 0, len(layers))
		for _, indices := range layers {
			children := make([]task.Task, 0, len(indices))
			for _, idx := range indices {
				children = append(children, leaves[idx])
			}
			serial = append(serial, task.Parallel(children...))
		}
		return task.Serial(serial...), nil
	}
}

// layer performs a Kahn topological sort, grouping nodes whose
// dependencies are already satisfied into the same layer and
// preserving original index order within each layer.
func layer(deps [][]int) ([][]int, error) {
	n := len(deps)
	remaining := make([]int, n)
	for i, d := range deps {
		remaining[i] = len(d)
	}
	dependents := make([][]int, n)
	for i, d := range deps {
		for _, p := range d {
			dependents[p] = append(dependents[p], i)
		}
	}

	done := make([]bool, n)
	var layers [][]int
	placed := 0
	for placed < n {
		var current []int
		for i := 0; i < n; i++ {
			if !done[i] && remaining[i] == 0 {
				current = append(current, i)
			}
		}
		if len(current) == 0 {
			return nil, fmt.Errorf("plugins: dependency cycle detected while layering")
		}
		for _, i := range current {
			done[i] = true
			placed++
			for _, dep := range dependents[i] {
				remaining[dep]--
			}
		}
		layers = append(layers, current)
	}
	return layers, nil
}

func cycleOutputs(leaves []task.Task, deps [][]int) []string {
	n := len(leaves)
	color := make([]int, n) // 0 white, 1 gray, 2 black
	var stack []int
	var cycle []int

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = 1
		stack = append(stack, i)
		for _, d := range deps[i] {
			if color[d] == 1 {
				for j := len(stack) - 1; j >= 0; j-- {
					cycle = append(cycle, stack[j])
					if stack[j] == d {
						break
					}
				}
				return true
			}
			if color[d] == 0 && visit(d) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = 2
		return false
	}

	for i := 0; i < n; i++ {
		if color[i] == 0 && visit(i) {
			break
		}
	}

	var outputs []string
	for _, i := range cycle {
		for _, a := range leaves[i].Command.Artifacts {
			outputs = append(outputs, a.Output)
		}
	}
	return outputs
}
