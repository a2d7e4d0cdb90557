package graph

import (
	"sort"
	"strings"

	"github.com/artpar/podstack/internal/core/compose"
)

// =============================================================================
// Graph Construction
// =============================================================================

// Graph is the service dependency graph. An edge A -> B means A needs B to
// reach B's gating condition before A may start. Immutable once built.
type Graph struct {
	project *compose.Project

	// dependencies[a][b] is the condition a waits for on b.
	dependencies map[string]map[string]compose.Condition

	// dependents[b] lists the services that wait on b.
	dependents map[string][]string
}

// Build derives the dependency graph from depends_on, links and volumes_from
// declarations, validates every cross reference and rejects cycles.
func Build(project *compose.Project) (*Graph, error) {
	g := &Graph{
		project:      project,
		dependencies: make(map[string]map[string]compose.Condition),
		dependents:   make(map[string][]string),
	}
	for name := range project.Services {
		g.dependencies[name] = make(map[string]compose.Condition)
	}

	for _, name := range project.ServiceNames() {
		service := project.Services[name]

		for dep, spec := range service.DependsOn {
			if err := g.addEdge(name, dep, "depends_on", spec.Condition); err != nil {
				return nil, err
			}
		}
		for _, link := range service.Links {
			target := link
			if i := strings.IndexByte(link, ':'); i >= 0 {
				target = link[:i]
			}
			if err := g.addEdge(name, target, "links", compose.ConditionStarted); err != nil {
				return nil, err
			}
		}
		for _, from := range service.VolumesFrom {
			// "container:name" refers to a container outside the project.
			if strings.HasPrefix(from, "container:") {
				continue
			}
			target := from
			if i := strings.IndexByte(from, ':'); i >= 0 {
				target = from[:i]
			}
			if err := g.addEdge(name, target, "volumes_from", compose.ConditionStarted); err != nil {
				return nil, err
			}
		}

		if err := validateResourceReferences(project, service); err != nil {
			return nil, err
		}
	}

	for from, edges := range g.dependencies {
		for to := range edges {
			g.dependents[to] = append(g.dependents[to], from)
		}
	}
	for to := range g.dependents {
		sort.Strings(g.dependents[to])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}
	return g, nil
}

// addEdge records one dependency edge. When the same pair is declared more
// than once the stricter condition wins.
func (g *Graph) addEdge(from, to, field string, condition compose.Condition) error {
	if _, ok := g.project.Services[to]; !ok {
		return &DanglingReferenceError{Service: from, Field: field, Reference: to}
	}
	if from == to {
		return &CycleError{Path: []string{from, to}}
	}
	if existing, ok := g.dependencies[from][to]; !ok || condition.Stricter(existing) {
		g.dependencies[from][to] = condition
	}
	return nil
}

func validateResourceReferences(project *compose.Project, service *compose.Service) error {
	for network := range service.Networks {
		if network == "default" {
			continue
		}
		if _, ok := project.Networks[network]; !ok {
			return &DanglingReferenceError{Service: service.Name, Field: "networks", Reference: network}
		}
	}
	for _, mount := range service.Volumes {
		if mount.Type != compose.VolumeMountTypeVolume || mount.Source == "" {
			continue
		}
		if _, ok := project.Volumes[mount.Source]; !ok {
			return &DanglingReferenceError{Service: service.Name, Field: "volumes", Reference: mount.Source}
		}
	}
	for _, ref := range service.Secrets {
		if _, ok := project.Secrets[ref.Source]; !ok {
			return &DanglingReferenceError{Service: service.Name, Field: "secrets", Reference: ref.Source}
		}
	}
	for _, ref := range service.Configs {
		if _, ok := project.Configs[ref.Source]; !ok {
			return &DanglingReferenceError{Service: service.Name, Field: "configs", Reference: ref.Source}
		}
	}
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// Services returns every service name in sorted order.
func (g *Graph) Services() []string {
	return g.project.ServiceNames()
}

// Service returns the resolved definition behind a node.
func (g *Graph) Service(name string) *compose.Service {
	return g.project.Services[name]
}

// Project returns the project the graph was built from.
func (g *Graph) Project() *compose.Project {
	return g.project
}

// Dependencies returns the outgoing edges of a service: each entry maps a
// dependency name to the condition gating it.
func (g *Graph) Dependencies(name string) map[string]compose.Condition {
	out := make(map[string]compose.Condition, len(g.dependencies[name]))
	for to, condition := range g.dependencies[name] {
		out[to] = condition
	}
	return out
}

// Dependents returns the services that depend on name, in sorted order.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

// =============================================================================
// Cycle Detection
// =============================================================================

// findCycle runs a depth first search over the graph and returns the first
// cycle found as a closed path, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.dependencies))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = visiting
		stack = append(stack, name)

		for _, dep := range sortedEdgeTargets(g.dependencies[name]) {
			switch state[dep] {
			case visiting:
				// Close the loop from dep's position on the stack.
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, name := range g.Services() {
		if state[name] == unvisited {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func sortedEdgeTargets(edges map[string]compose.Condition) []string {
	out := make([]string, 0, len(edges))
	for to := range edges {
		out = append(out, to)
	}
	sort.Strings(out)
	return out
}
