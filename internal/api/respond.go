package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/raphaelgruber/flowhub/internal/flow"
	"github.com/raphaelgruber/flowhub/internal/periodic"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/task"
)

type errorBody struct {
	Error     string   `json:"error"`
	Cycle     []string `json:"cycle,omitempty"`
	Traceback string   `json:"traceback,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// badRequest is a malformed request.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func badRequestf(format string, args ...any) error {
	return &badRequest{msg: fmt.Sprintf(format, args...)}
}

func statusFor(err error) int {
	var ve *flow.ValidationError
	var br *badRequest
	switch {
	case errors.As(err, &ve), errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, periodic.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, flow.ErrCapabilityUnavailable), errors.Is(err, task.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status code. Tracebacks are shown to admins only.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var ve *flow.ValidationError
	if errors.As(err, &ve) {
		body.Cycle = ve.Cycle
	}
	if p, _ := PrincipalFrom(r.Context()); p.Admin {
		body.Traceback = flow.Traceback(err)
	}
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if p, _ := PrincipalFrom(r.Context()); !p.Admin {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return badRequestf("invalid request body: %v", err)
	}
	return nil
}
