package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/task"
)

const generateSystemPrompt = `You write node definitions for a visual flow editor.
Respond with a single JSON object with these fields:
  name (snake_case identifier), label, category, description,
  inputs and outputs (lists of {"name", "type"}),
  class_name, runtime ("builtin" or "python"), code, requirements (list of pip packages).
Port types are one of: string, int, float, boolean, image, list, node_ref, model_selection, any.
For runtime "python", code is a Python module defining class_name with a method
execute(self, inputs, context) that returns a dict of outputs.
For runtime "builtin", class_name is one of: %s
and code is a YAML document with the class parameters.`

// GenerateDefinition asks the default model for a node definition matching
// prompt. The result is checked but not stored.
func (e *Engine) GenerateDefinition(ctx context.Context, prompt string) (*models.NodeDefinition, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, validationErrorf("prompt is required")
	}
	if e.caps.LLM == nil {
		return nil, fmt.Errorf("llm: %w", ErrCapabilityUnavailable)
	}
	model, err := e.caps.LLM(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	system := fmt.Sprintf(generateSystemPrompt, strings.Join(e.builtins.Classes(), ", "))
	var def models.NodeDefinition
	if err := model.GenerateJSON(ctx, system, prompt, &def); err != nil {
		return nil, fmt.Errorf("generate node definition: %w", err)
	}
	if def.Runtime == "" {
		def.Runtime = models.RuntimeBuiltin
	}
	if err := def.Check(); err != nil {
		return nil, validationErrorf("generated definition: %v", err)
	}
	return &def, nil
}

// Test outcome statuses.
const (
	TestSuccess = "success"
	TestError   = "error"
)

// TestResult is the outcome of running one definition in isolation.
type TestResult struct {
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Traceback string         `json:"traceback,omitempty"`
}

// TestNode runs def once against inputs without a task or stored flow.
// Failures are reported in the result, not as an error.
func (e *Engine) TestNode(ctx context.Context, owner string, def *models.NodeDefinition, inputs map[string]any) TestResult {
	if err := def.Check(); err != nil {
		return TestResult{Status: TestError, Error: err.Error()}
	}
	h := task.NewDetachedHandle(ctx, "test-"+uuid.NewString(), owner)
	defer h.Cancel()
	node := &models.Node{ID: "test", Type: def.Name}
	graph := models.Graph{Nodes: []models.Node{*node}}

	out, err := e.runNode(withHandle(ctx, h), h, owner, graph, node, def, inputs)
	if err != nil {
		return TestResult{Status: TestError, Error: errorCause(err), Traceback: Traceback(err)}
	}
	return TestResult{Status: TestSuccess, Output: out}
}

// errorCause strips the node wrapper; the caller already knows which node ran.
func errorCause(err error) string {
	var ce *NodeCompileError
	if errors.As(err, &ce) {
		return ce.Err.Error()
	}
	var re *NodeRuntimeError
	if errors.As(err, &re) {
		return re.Err.Error()
	}
	return err.Error()
}

// InstallRequirements installs the requirements of the named definition.
func (e *Engine) InstallRequirements(ctx context.Context, name string) error {
	def, err := e.defs.GetNodeDefinitionByName(ctx, name)
	if err != nil {
		return fmt.Errorf("load node definition %q: %w", name, err)
	}
	if def == nil {
		return fmt.Errorf("node definition %q: %w", name, store.ErrNotFound)
	}
	runtime := def.Runtime
	if runtime == "" {
		runtime = models.RuntimeBuiltin
	}
	return e.packages.Ensure(ctx, runtime, def.Requirements)
}
