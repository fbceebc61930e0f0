package flow

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/flowhub/internal/models"
)

// Executor is an instantiated node class.
type Executor interface {
	Execute(ctx context.Context, inputs map[string]any, nctx *NodeContext) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, inputs map[string]any, nctx *NodeContext) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, inputs map[string]any, nctx *NodeContext) (map[string]any, error) {
	return f(ctx, inputs, nctx)
}

// Program is node code compiled in a fresh scope.
type Program interface {
	// Instantiate creates an instance of the named class.
	Instantiate(className string) (Executor, error)
}

// Runtime compiles node code written for it.
type Runtime interface {
	Name() string
	Compile(ctx context.Context, def *models.NodeDefinition) (Program, error)
}

// tracebacker is implemented by runtime errors carrying a traceback.
type tracebacker interface {
	Traceback() string
}

// Factory builds a builtin node class from its parameter document.
type Factory func(params map[string]any) (Executor, error)

// BuiltinRuntime runs node classes compiled into the binary. A node
// definition's code is a YAML parameter document handed to the class
// factory.
type BuiltinRuntime struct {
	mu      sync.RWMutex
	classes map[string]Factory
}

// NewBuiltinRuntime returns a runtime with the standard node library
// registered.
func NewBuiltinRuntime() *BuiltinRuntime {
	r := &BuiltinRuntime{classes: make(map[string]Factory)}
	registerStandardNodes(r)
	return r
}

// Register adds or replaces a class.
func (r *BuiltinRuntime) Register(className string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[className] = f
}

// Classes returns the registered class names, sorted.
func (r *BuiltinRuntime) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Name implements Runtime.
func (r *BuiltinRuntime) Name() string { return models.RuntimeBuiltin }

// Compile parses the parameter document.
func (r *BuiltinRuntime) Compile(_ context.Context, def *models.NodeDefinition) (Program, error) {
	params := map[string]any{}
	if def.Code != "" {
		if err := yaml.Unmarshal([]byte(def.Code), &params); err != nil {
			return nil, fmt.Errorf("parse parameters: %w", err)
		}
		if params == nil {
			params = map[string]any{}
		}
	}

	r.mu.RLock()
	scope := make(map[string]Factory, len(r.classes))
	for k, v := range r.classes {
		scope[k] = v
	}
	r.mu.RUnlock()
	return &builtinProgram{params: params, scope: scope}, nil
}

type builtinProgram struct {
	params map[string]any
	scope  map[string]Factory
}

func (p *builtinProgram) Instantiate(className string) (Executor, error) {
	f, ok := p.scope[className]
	if !ok {
		return nil, fmt.Errorf("class %q not found", className)
	}
	return f(p.params)
}
