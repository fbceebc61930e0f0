package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/raphaelgruber/flowhub/internal/parser"
)

func registerStandardNodes(r *BuiltinRuntime) {
	r.Register("TextInput", newTextInput)
	r.Register("Prefix", newPrefix)
	r.Register("Uppercase", newUppercase)
	r.Register("Template", newTemplate)
	r.Register("LLMGenerate", newLLMGenerate)
	r.Register("TextSplitter", newTextSplitter)
	r.Register("EmbedStore", newEmbedStore)
	r.Register("VectorSearch", newVectorSearch)
	r.Register("MCPTool", newMCPTool)
	r.Register("Loop", newLoop)
}

// TextInput emits its "text" input, falling back to the "text" parameter.
func newTextInput(params map[string]any) (Executor, error) {
	return ExecutorFunc(func(_ context.Context, in map[string]any, _ *NodeContext) (map[string]any, error) {
		return map[string]any{"text": stringArg(in, params, "text", "")}, nil
	}), nil
}

// Prefix prepends "prefix" to "text".
func newPrefix(params map[string]any) (Executor, error) {
	return ExecutorFunc(func(_ context.Context, in map[string]any, _ *NodeContext) (map[string]any, error) {
		return map[string]any{"text": stringArg(in, params, "prefix", "") + stringArg(in, nil, "text", "")}, nil
	}), nil
}

// Uppercase upper-cases "text".
func newUppercase(map[string]any) (Executor, error) {
	return ExecutorFunc(func(_ context.Context, in map[string]any, _ *NodeContext) (map[string]any, error) {
		return map[string]any{"text": strings.ToUpper(stringArg(in, nil, "text", ""))}, nil
	}), nil
}

// Template renders the "template" parameter with the inputs as data.
func newTemplate(params map[string]any) (Executor, error) {
	src, _ := params["template"].(string)
	if src == "" {
		return nil, fmt.Errorf("template parameter is required")
	}
	tmpl, err := template.New("node").Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, err
	}
	return ExecutorFunc(func(_ context.Context, in map[string]any, _ *NodeContext) (map[string]any, error) {
		var sb strings.Builder
		if err := tmpl.Execute(&sb, in); err != nil {
			return nil, err
		}
		return map[string]any{"text": sb.String()}, nil
	}), nil
}

// LLMGenerate sends "prompt" (with optional "system") to "model".
func newLLMGenerate(params map[string]any) (Executor, error) {
	return ExecutorFunc(func(ctx context.Context, in map[string]any, nctx *NodeContext) (map[string]any, error) {
		prompt := stringArg(in, params, "prompt", "")
		if prompt == "" {
			return nil, fmt.Errorf("prompt is required")
		}
		model, err := nctx.LLM(ctx, stringArg(in, params, "model", ""))
		if err != nil {
			return nil, err
		}
		text, err := model.GenerateWithSystem(ctx, stringArg(in, params, "system", ""), prompt)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil
	}), nil
}

// TextSplitter splits "text" into semantic chunks.
func newTextSplitter(params map[string]any) (Executor, error) {
	cfg := parser.DefaultChunkConfig()
	if v := intArg(nil, params, "threshold", -1); v >= 0 {
		cfg.Threshold = v
	}
	if v := intArg(nil, params, "chunk_size", 0); v > 0 {
		cfg.TargetSize, cfg.MaxSize = v, v
		cfg.MinSize = min(cfg.MinSize, v/4)
	}
	if v := intArg(nil, params, "overlap", -1); v >= 0 {
		cfg.Overlap = v
	}
	return ExecutorFunc(func(_ context.Context, in map[string]any, _ *NodeContext) (map[string]any, error) {
		chunks := parser.Split(stringArg(in, params, "text", ""), cfg)
		out := make([]any, len(chunks))
		for i, c := range chunks {
			out[i] = c.Text
		}
		return map[string]any{"chunks": out}, nil
	}), nil
}

// EmbedStore embeds "chunks" into the owner's "collection".
func newEmbedStore(params map[string]any) (Executor, error) {
	return ExecutorFunc(func(ctx context.Context, in map[string]any, nctx *NodeContext) (map[string]any, error) {
		vs, err := nctx.VectorStore(stringArg(in, params, "collection", ""))
		if err != nil {
			return nil, err
		}
		var texts []string
		for _, v := range listArg(in, "chunks") {
			texts = append(texts, fmt.Sprint(v))
		}
		n, err := vs.Add(ctx, texts, map[string]any{"node": nctx.NodeID})
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": n}, nil
	}), nil
}

// VectorSearch returns the "k" documents closest to "query".
func newVectorSearch(params map[string]any) (Executor, error) {
	return ExecutorFunc(func(ctx context.Context, in map[string]any, nctx *NodeContext) (map[string]any, error) {
		vs, err := nctx.VectorStore(stringArg(in, params, "collection", ""))
		if err != nil {
			return nil, err
		}
		docs, err := vs.Search(ctx, stringArg(in, params, "query", ""), intArg(in, params, "k", 5))
		if err != nil {
			return nil, err
		}
		out := make([]any, len(docs))
		for i, d := range docs {
			out[i] = d.Content
		}
		return map[string]any{"documents": out}, nil
	}), nil
}

// MCPTool calls the MCP tool named by the "tool" parameter with "args".
func newMCPTool(params map[string]any) (Executor, error) {
	name, _ := params["tool"].(string)
	if name == "" {
		return nil, fmt.Errorf("tool parameter is required")
	}
	return ExecutorFunc(func(ctx context.Context, in map[string]any, nctx *NodeContext) (map[string]any, error) {
		tools, err := nctx.Tools()
		if err != nil {
			return nil, err
		}
		args, _ := in["args"].(map[string]any)
		text, err := tools.Call(ctx, name, args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil
	}), nil
}

// Loop re-runs the node referenced by "node" once per element of "items",
// passing the element as input "input" (default "item") and collecting
// output "output" (default "text").
func newLoop(params map[string]any) (Executor, error) {
	return ExecutorFunc(func(ctx context.Context, in map[string]any, nctx *NodeContext) (map[string]any, error) {
		target := stringArg(in, params, "node", "")
		if target == "" {
			return nil, fmt.Errorf("node reference is required")
		}
		inName := stringArg(nil, params, "input", "item")
		outName := stringArg(nil, params, "output", "text")

		items := listArg(in, "items")
		results := make([]any, 0, len(items))
		for i, item := range items {
			if nctx.Cancelled() {
				return nil, context.Canceled
			}
			out, err := nctx.Engine.ExecuteNodeIsolated(ctx, nctx.Owner, target, nctx.Graph, map[string]any{inName: item})
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			results = append(results, out[outName])
		}
		return map[string]any{"results": results}, nil
	}), nil
}

// stringArg reads key from inputs, then params, then def.
func stringArg(in, params map[string]any, key, def string) string {
	for _, m := range []map[string]any{in, params} {
		if v, ok := m[key]; ok && v != nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return def
}

func intArg(in, params map[string]any, key string, def int) int {
	for _, m := range []map[string]any{in, params} {
		switch v := m[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return def
}

func listArg(in map[string]any, key string) []any {
	switch v := in[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}
