package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/raphaelgruber/flowhub/internal/models"
)

// SitePackages is where pip installs node requirements inside the
// container; it is backed by a shared volume.
const SitePackages = "/opt/flowhub/site-packages"

// ScriptResult is the outcome of one Python invocation.
type ScriptResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ScriptRunner runs a Python script with environment variables set.
type ScriptRunner interface {
	RunScript(ctx context.Context, script string, env map[string]string) (ScriptResult, error)
}

const compileScript = `import ast, json, os, sys, traceback
try:
    tree = ast.parse(os.environ["FLOWHUB_CODE"], "<node>")
except SyntaxError:
    traceback.print_exc()
    sys.exit(2)
print(json.dumps([n.name for n in tree.body if isinstance(n, ast.ClassDef)]))
`

const executeScript = `import json, os, sys, traceback
sys.path.insert(0, "` + SitePackages + `")
scope = {"__name__": "flowhub_node"}
try:
    exec(compile(os.environ["FLOWHUB_CODE"], "<node>", "exec"), scope)
    instance = scope[os.environ["FLOWHUB_CLASS"]]()
    context = json.loads(os.environ["FLOWHUB_CONTEXT"])
    outputs = instance.execute(json.loads(os.environ["FLOWHUB_INPUTS"]), context)
except Exception:
    traceback.print_exc()
    sys.exit(1)
print()
print(json.dumps(outputs if outputs is not None else {}, default=str))
`

// scriptError is a Python failure with its traceback.
type scriptError struct {
	msg       string
	traceback string
}

func (e *scriptError) Error() string     { return e.msg }
func (e *scriptError) Traceback() string { return e.traceback }

func newScriptError(res ScriptResult) *scriptError {
	tb := strings.TrimSpace(res.Stderr)
	msg := fmt.Sprintf("python exited with status %d", res.ExitCode)
	if lines := strings.Split(tb, "\n"); tb != "" {
		msg = strings.TrimSpace(lines[len(lines)-1])
	}
	return &scriptError{msg: msg, traceback: tb}
}

// PythonRuntime runs node code with a Python interpreter, one process per
// call. Node code runs with the privileges of the interpreter; nothing is
// sandboxed beyond what the runner provides.
type PythonRuntime struct {
	runner ScriptRunner
}

// NewPythonRuntime creates the runtime on top of runner.
func NewPythonRuntime(runner ScriptRunner) *PythonRuntime {
	return &PythonRuntime{runner: runner}
}

// Name implements Runtime.
func (r *PythonRuntime) Name() string { return models.RuntimePython }

// Compile parses the code and records its top-level classes.
func (r *PythonRuntime) Compile(ctx context.Context, def *models.NodeDefinition) (Program, error) {
	res, err := r.runner.RunScript(ctx, compileScript, map[string]string{"FLOWHUB_CODE": def.Code})
	if err != nil {
		return nil, fmt.Errorf("run python: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, newScriptError(res)
	}
	var classes []string
	if err := json.Unmarshal([]byte(lastLine(res.Stdout)), &classes); err != nil {
		return nil, fmt.Errorf("read class list: %w", err)
	}
	return &pythonProgram{runner: r.runner, code: def.Code, classes: classes}, nil
}

type pythonProgram struct {
	runner  ScriptRunner
	code    string
	classes []string
}

func (p *pythonProgram) Instantiate(className string) (Executor, error) {
	if !slices.Contains(p.classes, className) {
		return nil, fmt.Errorf("class %q not found", className)
	}
	return ExecutorFunc(func(ctx context.Context, inputs map[string]any, nctx *NodeContext) (map[string]any, error) {
		rawInputs, err := json.Marshal(inputs)
		if err != nil {
			return nil, fmt.Errorf("encode inputs: %w", err)
		}
		// Capabilities stay in process; the script only sees who it runs for.
		rawCtx, err := json.Marshal(map[string]any{"owner": nctx.Owner, "node_id": nctx.NodeID})
		if err != nil {
			return nil, fmt.Errorf("encode context: %w", err)
		}

		res, err := p.runner.RunScript(ctx, executeScript, map[string]string{
			"FLOWHUB_CODE":    p.code,
			"FLOWHUB_CLASS":   className,
			"FLOWHUB_INPUTS":  string(rawInputs),
			"FLOWHUB_CONTEXT": string(rawCtx),
		})
		if err != nil {
			return nil, fmt.Errorf("run python: %w", err)
		}
		if res.ExitCode != 0 {
			return nil, newScriptError(res)
		}

		var out map[string]any
		if err := json.Unmarshal([]byte(lastLine(res.Stdout)), &out); err != nil {
			return nil, fmt.Errorf("node must return a dict of outputs: %w", err)
		}
		return out, nil
	}), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
