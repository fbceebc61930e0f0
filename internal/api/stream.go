package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/raphaelgruber/flowhub/internal/flow"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/stream"
)

// finalWait bounds how long a handler waits for the terminal row after the
// last chunk.
const finalWait = 10 * time.Second

type streamRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system"`
	Model  string `json:"model"`
	Mirror bool   `json:"mirror"`
}

type streamDone struct {
	Done   bool          `json:"done"`
	TaskID string        `json:"task_id"`
	Status models.Status `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// generateStream writes one JSON chunk per line as the model produces them.
// A client that disconnects cancels the generation task.
func (a *API) generateStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		a.writeError(w, r, badRequestf("prompt is required"))
		return
	}
	if a.LLM == nil || a.Bridge == nil {
		a.writeError(w, r, fmt.Errorf("streaming generation: %w", flow.ErrCapabilityUnavailable))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, r, fmt.Errorf("response writer cannot stream"))
		return
	}
	model, err := a.LLM(r.Context(), req.Model)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	p, _ := PrincipalFrom(r.Context())
	s, err := a.Bridge.Start(r.Context(), stream.Request{
		Owner:       p.UserID,
		Name:        "generate",
		Description: "streaming generation with " + model.Model(),
		Mirror:      req.Mirror,
		Generate:    stream.FromModel(model, req.System, req.Prompt),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Task-ID", s.TaskID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	events := s.Events()
	for events != nil {
		select {
		case <-r.Context().Done():
			s.Cancel()
			return
		case c, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := enc.Encode(c); err != nil {
				s.Cancel()
				return
			}
			flusher.Flush()
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), finalWait)
	defer cancel()
	done := streamDone{Done: true, TaskID: s.TaskID}
	if row, err := s.Wait(ctx); err == nil && row != nil {
		done.Status = row.Status
		done.Error = row.ErrorString()
	}
	_ = enc.Encode(done)
	flusher.Flush()
}
