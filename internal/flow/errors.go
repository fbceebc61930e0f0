package flow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCapabilityUnavailable is returned by NodeContext for capabilities that
// are not configured.
var ErrCapabilityUnavailable = errors.New("capability unavailable")

// ValidationError reports a graph or input that violates its declared
// contract. It is returned before any task is created.
type ValidationError struct {
	Msg   string
	Cycle []string // node ids forming a cycle, first id repeated at the end
}

func (e *ValidationError) Error() string {
	return "invalid flow: " + e.Msg
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NodeCompileError reports node code that could not be compiled or whose
// class could not be instantiated.
type NodeCompileError struct {
	NodeID    string
	Label     string
	Err       error
	Traceback string
}

func (e *NodeCompileError) Error() string {
	return fmt.Sprintf("node %q failed to compile: %v", e.Label, e.Err)
}

func (e *NodeCompileError) Unwrap() error { return e.Err }

// NodeRuntimeError reports a node whose Execute failed.
type NodeRuntimeError struct {
	NodeID    string
	Label     string
	Err       error
	Traceback string
}

func (e *NodeRuntimeError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.Label, e.Err)
}

func (e *NodeRuntimeError) Unwrap() error { return e.Err }

// GraphStalledError reports a pass over the graph that executed nothing
// while nodes remained.
type GraphStalledError struct {
	Pending []string
}

func (e *GraphStalledError) Error() string {
	return "flow stalled; unexecuted nodes: " + strings.Join(e.Pending, ", ")
}

// Traceback returns the traceback attached to a compile or runtime error.
func Traceback(err error) string {
	var ce *NodeCompileError
	if errors.As(err, &ce) {
		return ce.Traceback
	}
	var re *NodeRuntimeError
	if errors.As(err, &re) {
		return re.Traceback
	}
	return ""
}
