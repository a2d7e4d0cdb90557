package graph

import "sort"

// =============================================================================
// Execution Waves
// =============================================================================
//
// A wave is a set of services with no ordering constraints among themselves.
// Waves are the planning view of the graph; at run time each service is gated
// on its own edges, so members of a later wave may start as soon as their own
// dependencies are ready.

// Closure returns the targets plus every transitive dependency, sorted. Empty
// targets select the whole project.
func (g *Graph) Closure(targets []string) ([]string, error) {
	if len(targets) == 0 {
		return g.Services(), nil
	}

	included := make(map[string]bool)
	var expand func(name string) error
	expand = func(name string) error {
		if included[name] {
			return nil
		}
		if _, ok := g.project.Services[name]; !ok {
			return &DanglingReferenceError{Service: name, Field: "targets", Reference: name}
		}
		included[name] = true
		for dep := range g.dependencies[name] {
			if err := expand(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, target := range targets {
		if err := expand(target); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(included))
	for name := range included {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ForwardWaves layers the closure of the targets into startup order:
// dependencies come in earlier waves than their dependents.
func (g *Graph) ForwardWaves(targets []string) ([][]string, error) {
	closure, err := g.Closure(targets)
	if err != nil {
		return nil, err
	}
	return g.layer(closure, func(name string, included map[string]bool) int {
		count := 0
		for dep := range g.dependencies[name] {
			if included[dep] {
				count++
			}
		}
		return count
	}, func(name string, included map[string]bool) []string {
		var next []string
		for _, dependent := range g.dependents[name] {
			if included[dependent] {
				next = append(next, dependent)
			}
		}
		return next
	}), nil
}

// ReverseWaves layers the targets into shutdown order: dependents come in
// earlier waves than the services they depend on. Only the named targets are
// included; empty targets select the whole project.
func (g *Graph) ReverseWaves(targets []string) ([][]string, error) {
	set := targets
	if len(set) == 0 {
		set = g.Services()
	}
	included := make(map[string]bool, len(set))
	for _, name := range set {
		if _, ok := g.project.Services[name]; !ok {
			return nil, &DanglingReferenceError{Service: name, Field: "targets", Reference: name}
		}
		included[name] = true
	}

	members := make([]string, 0, len(included))
	for name := range included {
		members = append(members, name)
	}
	sort.Strings(members)

	return g.layer(members, func(name string, included map[string]bool) int {
		count := 0
		for _, dependent := range g.dependents[name] {
			if included[dependent] {
				count++
			}
		}
		return count
	}, func(name string, included map[string]bool) []string {
		var next []string
		for dep := range g.dependencies[name] {
			if included[dep] {
				next = append(next, dep)
			}
		}
		return next
	}), nil
}

// layer runs Kahn's algorithm over the given members. blockers counts the
// unsatisfied predecessors of a node, successors yields the nodes unblocked
// by finishing it.
func (g *Graph) layer(
	members []string,
	blockers func(name string, included map[string]bool) int,
	successors func(name string, included map[string]bool) []string,
) [][]string {
	included := make(map[string]bool, len(members))
	for _, name := range members {
		included[name] = true
	}

	remaining := make(map[string]int, len(members))
	var current []string
	for _, name := range members {
		remaining[name] = blockers(name, included)
		if remaining[name] == 0 {
			current = append(current, name)
		}
	}

	var waves [][]string
	for len(current) > 0 {
		sort.Strings(current)
		waves = append(waves, current)

		var next []string
		for _, name := range current {
			for _, successor := range successors(name, included) {
				remaining[successor]--
				if remaining[successor] == 0 {
					next = append(next, successor)
				}
			}
		}
		current = next
	}
	return waves
}
