package flow

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/raphaelgruber/flowhub/internal/models"
)

// Validate checks graph against the stored node definitions and returns
// them keyed by node id. Problems are reported as *ValidationError.
func (e *Engine) Validate(ctx context.Context, graph models.Graph) (map[string]*models.NodeDefinition, error) {
	if len(graph.Nodes) == 0 {
		return nil, validationErrorf("graph has no nodes")
	}

	defs := make(map[string]*models.NodeDefinition, len(graph.Nodes))
	byName := map[string]*models.NodeDefinition{}
	for _, n := range graph.Nodes {
		if n.ID == "" {
			return nil, validationErrorf("node without id")
		}
		if _, dup := defs[n.ID]; dup {
			return nil, validationErrorf("duplicate node id %q", n.ID)
		}
		def, ok := byName[n.Type]
		if !ok {
			var err error
			def, err = e.defs.GetNodeDefinitionByName(ctx, n.Type)
			if err != nil {
				return nil, fmt.Errorf("load node definition %q: %w", n.Type, err)
			}
			if def == nil {
				return nil, validationErrorf("node %q: unknown type %q", n.ID, n.Type)
			}
			byName[n.Type] = def
		}
		defs[n.ID] = def
	}

	for _, edge := range graph.Edges {
		src, ok := defs[edge.Source]
		if !ok {
			return nil, validationErrorf("edge source %q is not a node", edge.Source)
		}
		dst, ok := defs[edge.Target]
		if !ok {
			return nil, validationErrorf("edge target %q is not a node", edge.Target)
		}
		out, ok := src.Output(edge.SourceHandle)
		if !ok {
			return nil, validationErrorf("node %q (%s) has no output %q", edge.Source, src.Name, edge.SourceHandle)
		}
		in, ok := dst.Input(edge.TargetHandle)
		if !ok {
			return nil, validationErrorf("node %q (%s) has no input %q", edge.Target, dst.Name, edge.TargetHandle)
		}
		if !models.Compatible(out.Type, in.Type) {
			return nil, validationErrorf("edge %s.%s -> %s.%s: %s is not compatible with %s",
				edge.Source, edge.SourceHandle, edge.Target, edge.TargetHandle, out.Type, in.Type)
		}
	}

	if cycle := findCycle(graph); cycle != nil {
		return nil, &ValidationError{
			Msg:   "cycle detected: " + strings.Join(cycle, " -> "),
			Cycle: cycle,
		}
	}
	return defs, nil
}

// findCycle returns the node ids of a cycle (first id repeated at the end)
// or nil when graph is acyclic.
func findCycle(graph models.Graph) []string {
	adj := make(map[string][]string, len(graph.Nodes))
	for _, e := range graph.Edges {
		if !slices.Contains(adj[e.Source], e.Target) {
			adj[e.Source] = append(adj[e.Source], e.Target)
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(graph.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case grey:
				start := slices.Index(stack, next)
				cycle = append(slices.Clone(stack[start:]), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, n := range graph.Nodes {
		if color[n.ID] == white && visit(n.ID) {
			return cycle
		}
	}
	return nil
}
