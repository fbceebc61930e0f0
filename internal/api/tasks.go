package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/raphaelgruber/flowhub/internal/flow"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/periodic"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/task"
)

// Kind builds the task for a POST /api/tasks request of that kind.
type Kind func(ctx context.Context, p Principal, params map[string]any) (task.Spec, error)

// RegisterKind makes name available to POST /api/tasks.
func (a *API) RegisterKind(name string, k Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds[name] = k
}

func (a *API) kind(name string) (Kind, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	k, ok := a.kinds[name]
	return k, ok
}

func (a *API) registerBuiltinKinds() {
	a.RegisterKind("generate", func(_ context.Context, p Principal, params map[string]any) (task.Spec, error) {
		if a.LLM == nil {
			return task.Spec{}, fmt.Errorf("llm: %w", flow.ErrCapabilityUnavailable)
		}
		prompt, _ := params["prompt"].(string)
		if strings.TrimSpace(prompt) == "" {
			return task.Spec{}, badRequestf("params.prompt is required")
		}
		system, _ := params["system"].(string)
		modelName, _ := params["model"].(string)
		return task.Spec{
			Name:  "generate",
			Owner: p.UserID,
			Target: func(h *task.Handle) (any, error) {
				model, err := a.LLM(h.Context(), modelName)
				if err != nil {
					return nil, err
				}
				h.Logf("generating with %s", model.Model())
				text, err := model.GenerateWithSystem(h.Context(), system, prompt)
				if err != nil {
					return nil, err
				}
				return map[string]any{"text": text}, nil
			},
		}, nil
	})
}

type createTaskRequest struct {
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())

	if job, ok := strings.CutPrefix(req.Kind, "periodic:"); ok {
		if !p.Admin {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin only"})
			return
		}
		if a.Periodic == nil {
			a.writeError(w, r, fmt.Errorf("periodic driver: %w", flow.ErrCapabilityUnavailable))
			return
		}
		row, err := a.Periodic.RunNow(r.Context(), job)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, row)
		return
	}

	k, ok := a.kind(req.Kind)
	if !ok {
		a.writeError(w, r, badRequestf("unknown task kind %q", req.Kind))
		return
	}
	spec, err := k(r.Context(), p, req.Params)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Description != "" {
		spec.Description = req.Description
	}
	row, err := a.Tasks.Submit(r.Context(), spec)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, row)
}

// visible reports whether p may see row. System tasks are admin only.
func visible(p Principal, row *models.Task) bool {
	return p.Admin || (row.Owner != "" && row.Owner == p.UserID)
}

func (a *API) loadTask(r *http.Request) (*models.Task, error) {
	row, err := a.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	p, _ := PrincipalFrom(r.Context())
	if row == nil || !visible(p, row) {
		return nil, fmt.Errorf("task %s: %w", chi.URLParam(r, "id"), store.ErrNotFound)
	}
	return row, nil
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	row, err := a.loadTask(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	row, err := a.loadTask(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Tasks.Cancel(r.Context(), row.ID); err != nil {
		a.writeError(w, r, err)
		return
	}
	updated, err := a.Tasks.Get(r.Context(), row.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, updated)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	q := r.URL.Query()

	filter := models.TaskFilter{Owner: p.UserID, Name: q.Get("name")}
	if p.Admin {
		filter.Owner = q.Get("owner")
	}
	for _, s := range strings.Split(q.Get("status"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s == "" {
			continue
		}
		st := models.Status(s)
		if !st.Valid() {
			a.writeError(w, r, badRequestf("unknown status %q", s))
			return
		}
		filter.Status = append(filter.Status, st)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.writeError(w, r, badRequestf("invalid limit %q", v))
			return
		}
		filter.Limit = n
	}

	rows, err := a.Tasks.List(r.Context(), filter)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": rows})
}

func (a *API) board(w http.ResponseWriter, r *http.Request) {
	if a.Board == nil {
		writeJSON(w, http.StatusOK, map[string]any{"posts": []periodic.Post{}})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": a.Board.Recent(limit)})
}

type periodicResponse struct {
	Jobs     []string          `json:"jobs"`
	Settings periodic.Settings `json:"settings"`
	InFlight map[string]string `json:"in_flight"`
}

func (a *API) periodicSettings(w http.ResponseWriter, r *http.Request) {
	if a.Periodic == nil {
		a.writeError(w, r, fmt.Errorf("periodic driver: %w", flow.ErrCapabilityUnavailable))
		return
	}
	resp := periodicResponse{
		Jobs:     a.Periodic.Jobs(),
		Settings: a.Periodic.Settings(),
		InFlight: map[string]string{},
	}
	for _, name := range resp.Jobs {
		if id, ok := a.Periodic.InFlight(name); ok {
			resp.InFlight[name] = id
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) refreshPeriodic(w http.ResponseWriter, r *http.Request) {
	if a.Periodic == nil {
		a.writeError(w, r, fmt.Errorf("periodic driver: %w", flow.ErrCapabilityUnavailable))
		return
	}
	if err := a.Periodic.Refresh(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.periodicSettings(w, r)
}

func (a *API) runPeriodic(w http.ResponseWriter, r *http.Request) {
	if a.Periodic == nil {
		a.writeError(w, r, fmt.Errorf("periodic driver: %w", flow.ErrCapabilityUnavailable))
		return
	}
	row, err := a.Periodic.RunNow(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, row)
}
