// Package flow validates and executes user-authored node graphs as tasks.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/flowhub/internal/metrics"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/task"
	"github.com/raphaelgruber/flowhub/internal/telemetry"
)

// Results maps node id to the outputs that node produced.
type Results map[string]map[string]any

// Overrides maps node id to input values overlaid on the node's data.
type Overrides map[string]map[string]any

// Options configures an Engine.
type Options struct {
	Store store.FlowStore
	Tasks *task.Manager

	// Runtimes in addition to the builtin one.
	Runtimes []Runtime
	Packages *PackageManager

	Capabilities Capabilities

	// Parallelism bounds concurrent nodes within one layer (default 1).
	Parallelism int

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Engine runs flows.
type Engine struct {
	defs        store.FlowStore
	tasks       *task.Manager
	builtins    *BuiltinRuntime
	runtimes    map[string]Runtime
	packages    *PackageManager
	caps        Capabilities
	parallelism int
	logger      *slog.Logger
	metrics     *metrics.Collector
	tracer      trace.Tracer
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Packages == nil {
		opts.Packages = NewPackageManager(nil, opts.Logger, opts.Metrics)
	}
	e := &Engine{
		defs:        opts.Store,
		tasks:       opts.Tasks,
		builtins:    NewBuiltinRuntime(),
		runtimes:    make(map[string]Runtime),
		packages:    opts.Packages,
		caps:        opts.Capabilities,
		parallelism: opts.Parallelism,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      telemetry.Tracer(),
	}
	e.runtimes[models.RuntimeBuiltin] = e.builtins
	for _, rt := range opts.Runtimes {
		e.runtimes[rt.Name()] = rt
	}
	return e
}

// Builtins returns the builtin runtime for registering extra classes.
func (e *Engine) Builtins() *BuiltinRuntime {
	return e.builtins
}

// Execute validates graph and submits one task that runs it end to end.
// Validation failures are returned as *ValidationError and no task is
// created.
func (e *Engine) Execute(ctx context.Context, owner string, graph models.Graph, overrides Overrides) (string, error) {
	return e.submit(ctx, owner, "flow", "", graph, overrides)
}

// ExecuteFlow is Execute for a stored flow; the task is named after it.
func (e *Engine) ExecuteFlow(ctx context.Context, owner string, f *models.Flow, overrides Overrides) (string, error) {
	return e.submit(ctx, owner, "flow:"+f.Name, f.Description, f.Graph, overrides)
}

func (e *Engine) submit(ctx context.Context, owner, name, description string, graph models.Graph, overrides Overrides) (string, error) {
	graph, err := applyOverrides(graph, overrides)
	if err != nil {
		return "", err
	}
	defs, err := e.Validate(ctx, graph)
	if err != nil {
		return "", err
	}

	row, err := e.tasks.Submit(ctx, task.Spec{
		Name:        name,
		Description: description,
		Owner:       owner,
		Target: func(h *task.Handle) (any, error) {
			return e.run(h, graph, defs)
		},
	})
	if err != nil {
		return "", fmt.Errorf("submit flow: %w", err)
	}
	return row.ID, nil
}

// applyOverrides returns a copy of graph with overrides merged into node data.
func applyOverrides(graph models.Graph, overrides Overrides) (models.Graph, error) {
	out := models.Graph{
		Nodes: make([]models.Node, len(graph.Nodes)),
		Edges: graph.Edges,
	}
	for i, n := range graph.Nodes {
		n.Data = maps.Clone(n.Data)
		out.Nodes[i] = n
	}
	for id, values := range overrides {
		n, ok := out.Node(id)
		if !ok {
			return models.Graph{}, validationErrorf("override for unknown node %q", id)
		}
		if n.Data == nil {
			n.Data = make(map[string]any, len(values))
		}
		maps.Copy(n.Data, values)
	}
	return out, nil
}

// run executes the graph in passes. Each pass runs every node whose
// predecessors have all executed; a pass that runs nothing while nodes
// remain is a stall.
func (e *Engine) run(h *task.Handle, graph models.Graph, defs map[string]*models.NodeDefinition) (Results, error) {
	ctx, span := e.tracer.Start(h.Context(), "flow.run",
		trace.WithAttributes(attribute.String("task.id", h.ID()), attribute.Int("flow.nodes", len(graph.Nodes))))
	defer span.End()
	start := time.Now()
	defer func() { e.metrics.RecordTiming(metrics.OpFlowRun, time.Since(start)) }()

	ctx = withHandle(ctx, h)
	results := make(Results, len(graph.Nodes))
	total := len(graph.Nodes)

	for len(results) < total {
		if h.Cancelled() {
			return nil, context.Canceled
		}

		var ready []*models.Node
		for i := range graph.Nodes {
			n := &graph.Nodes[i]
			if _, done := results[n.ID]; done {
				continue
			}
			if predecessorsDone(graph, n.ID, results) {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			err := &GraphStalledError{Pending: pendingNodes(graph, results)}
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		outs, err := e.runLayer(ctx, h, graph, defs, ready, results)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		maps.Copy(results, outs)
		h.SetProgress(len(results) * 100 / total)
	}
	return results, nil
}

func predecessorsDone(graph models.Graph, id string, results Results) bool {
	for _, edge := range graph.Incoming(id) {
		if _, ok := results[edge.Source]; !ok {
			return false
		}
	}
	return true
}

func pendingNodes(graph models.Graph, results Results) []string {
	var ids []string
	for _, n := range graph.Nodes {
		if _, ok := results[n.ID]; !ok {
			ids = append(ids, n.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// runLayer executes ready nodes, concurrently when parallelism allows.
func (e *Engine) runLayer(ctx context.Context, h *task.Handle, graph models.Graph, defs map[string]*models.NodeDefinition, ready []*models.Node, results Results) (Results, error) {
	runOne := func(ctx context.Context, n *models.Node) (map[string]any, error) {
		def := defs[n.ID]
		inputs, err := edgeInputs(graph, n.ID, results, def)
		if err != nil {
			return nil, err
		}
		h.Log(models.LevelInfo, fmt.Sprintf("Executing node %s", def.DisplayLabel()))
		return e.runNode(ctx, h, h.Owner(), graph, n, def, inputs)
	}

	outs := make(Results, len(ready))
	if e.parallelism <= 1 || len(ready) == 1 {
		for _, n := range ready {
			if h.Cancelled() {
				return nil, context.Canceled
			}
			out, err := runOne(ctx, n)
			if err != nil {
				return nil, err
			}
			outs[n.ID] = out
		}
		return outs, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, n := range ready {
		g.Go(func() error {
			out, err := runOne(gctx, n)
			if err != nil {
				return err
			}
			mu.Lock()
			outs[n.ID] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outs, nil
}

// edgeInputs collects the values predecessors produced on the handles the
// incoming edges name.
func edgeInputs(graph models.Graph, id string, results Results, def *models.NodeDefinition) (map[string]any, error) {
	inputs := map[string]any{}
	for _, edge := range graph.Incoming(id) {
		v, ok := results[edge.Source][edge.SourceHandle]
		if !ok {
			return nil, &NodeRuntimeError{
				NodeID: id,
				Label:  def.DisplayLabel(),
				Err:    fmt.Errorf("predecessor %q produced no output %q", edge.Source, edge.SourceHandle),
			}
		}
		inputs[edge.TargetHandle] = v
	}
	return inputs, nil
}

// ExecuteNodeIsolated runs one node of graph with the given inputs merged
// over its static data, outside of any graph pass.
func (e *Engine) ExecuteNodeIsolated(ctx context.Context, owner, nodeID string, graph models.Graph, inputs map[string]any) (map[string]any, error) {
	n, ok := graph.Node(nodeID)
	if !ok {
		return nil, validationErrorf("unknown node %q", nodeID)
	}
	def, err := e.defs.GetNodeDefinitionByName(ctx, n.Type)
	if err != nil {
		return nil, fmt.Errorf("load node definition %q: %w", n.Type, err)
	}
	if def == nil {
		return nil, validationErrorf("node %q: unknown type %q", n.ID, n.Type)
	}
	return e.runNode(ctx, handleFrom(ctx), owner, graph, n, def, inputs)
}

// runNode installs requirements, compiles and instantiates the node class
// and calls Execute with static data overlaid by inputs.
func (e *Engine) runNode(ctx context.Context, h *task.Handle, owner string, graph models.Graph, n *models.Node, def *models.NodeDefinition, inputs map[string]any) (map[string]any, error) {
	label := def.DisplayLabel()
	ctx, span := e.tracer.Start(ctx, "flow.node", trace.WithAttributes(
		attribute.String("node.id", n.ID),
		attribute.String("node.type", def.Name),
	))
	defer span.End()
	start := time.Now()
	defer func() { e.metrics.RecordTiming(metrics.OpNodeExecute, time.Since(start)) }()

	runtimeName := def.Runtime
	if runtimeName == "" {
		runtimeName = models.RuntimeBuiltin
	}
	rt, ok := e.runtimes[runtimeName]
	if !ok {
		return nil, &NodeCompileError{NodeID: n.ID, Label: label,
			Err: fmt.Errorf("runtime %q: %w", runtimeName, ErrCapabilityUnavailable)}
	}

	if err := e.packages.Ensure(ctx, runtimeName, def.Requirements); err != nil {
		return nil, &NodeRuntimeError{NodeID: n.ID, Label: label, Err: fmt.Errorf("install requirements: %w", err)}
	}

	prog, err := rt.Compile(ctx, def)
	if err != nil {
		return nil, &NodeCompileError{NodeID: n.ID, Label: label, Err: err, Traceback: tracebackOf(err)}
	}
	instance, err := prog.Instantiate(def.ClassName)
	if err != nil {
		return nil, &NodeCompileError{NodeID: n.ID, Label: label, Err: err, Traceback: tracebackOf(err)}
	}

	merged := make(map[string]any, len(n.Data)+len(inputs))
	maps.Copy(merged, n.Data)
	maps.Copy(merged, inputs)

	nctx := &NodeContext{
		Engine: e,
		Owner:  owner,
		NodeID: n.ID,
		Graph:  graph,
		Handle: h,
		caps:   &e.caps,
	}
	out, err := invokeNode(ctx, instance, merged, nctx)
	if err != nil {
		var re *NodeRuntimeError
		if errors.As(err, &re) && re.NodeID == n.ID {
			return nil, err
		}
		span.RecordError(err)
		return nil, &NodeRuntimeError{NodeID: n.ID, Label: label, Err: err, Traceback: tracebackOf(err)}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// panicError carries a recovered panic and its stack.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string     { return fmt.Sprintf("panic: %v", p.value) }
func (p *panicError) Traceback() string { return p.stack }

func invokeNode(ctx context.Context, ex Executor, inputs map[string]any, nctx *NodeContext) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return ex.Execute(ctx, inputs, nctx)
}

func tracebackOf(err error) string {
	var tb tracebacker
	if errors.As(err, &tb) {
		return tb.Traceback()
	}
	return err.Error()
}

type handleKey struct{}

func withHandle(ctx context.Context, h *task.Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

func handleFrom(ctx context.Context) *task.Handle {
	h, _ := ctx.Value(handleKey{}).(*task.Handle)
	return h
}
