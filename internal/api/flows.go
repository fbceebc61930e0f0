package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/raphaelgruber/flowhub/internal/flow"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/parser"
	"github.com/raphaelgruber/flowhub/internal/store"
)

const maxDefinitionBytes = 1 << 20

// canRead reports whether p may use def. Definitions without an author
// are system definitions and readable by everyone.
func canRead(p Principal, def *models.NodeDefinition) bool {
	return p.Admin || def.IsPublic || def.Author == "" || def.Author == p.UserID
}

func canWrite(p Principal, def *models.NodeDefinition) bool {
	return p.Admin || (def.Author != "" && def.Author == p.UserID)
}

// readDefinition accepts a JSON body or a markdown document with YAML
// frontmatter and a fenced code block.
func readDefinition(r *http.Request) (*models.NodeDefinition, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "text/markdown" {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBytes))
		if err != nil {
			return nil, badRequestf("read body: %v", err)
		}
		def, err := parser.ParseNodeDefinition(string(body))
		if err != nil {
			return nil, badRequestf("parse definition: %v", err)
		}
		return def, nil
	}
	var def models.NodeDefinition
	if err := decodeJSON(r, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (a *API) loadNode(r *http.Request, write bool) (*models.NodeDefinition, error) {
	id := chi.URLParam(r, "id")
	def, err := a.Flows.GetNodeDefinition(r.Context(), id)
	if err != nil {
		return nil, err
	}
	p, _ := PrincipalFrom(r.Context())
	if def == nil || !canRead(p, def) {
		return nil, fmt.Errorf("node definition %s: %w", id, store.ErrNotFound)
	}
	if write && !canWrite(p, def) {
		return nil, fmt.Errorf("node definition %s is not yours: %w", id, store.ErrConflict)
	}
	return def, nil
}

func (a *API) listNodes(w http.ResponseWriter, r *http.Request) {
	defs, err := a.Flows.ListNodeDefinitions(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	out := make([]models.NodeDefinition, 0, len(defs))
	for i := range defs {
		if canRead(p, &defs[i]) {
			out = append(out, defs[i])
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

func (a *API) createNode(w http.ResponseWriter, r *http.Request) {
	def, err := readDefinition(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := def.Check(); err != nil {
		a.writeError(w, r, badRequestf("invalid definition: %v", err))
		return
	}
	p, _ := PrincipalFrom(r.Context())
	def.ID = ""
	def.Author = p.UserID
	created, err := a.Flows.CreateNodeDefinition(r.Context(), def)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getNode(w http.ResponseWriter, r *http.Request) {
	def, err := a.loadNode(r, false)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		doc, err := parser.FormatNodeDefinition(def)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, doc)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *API) updateNode(w http.ResponseWriter, r *http.Request) {
	existing, err := a.loadNode(r, true)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	def, err := readDefinition(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := def.Check(); err != nil {
		a.writeError(w, r, badRequestf("invalid definition: %v", err))
		return
	}
	def.ID = existing.ID
	def.Author = existing.Author
	def.CreatedAt = existing.CreatedAt
	updated, err := a.Flows.UpdateNodeDefinition(r.Context(), def)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteNode(w http.ResponseWriter, r *http.Request) {
	def, err := a.loadNode(r, true)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Flows.DeleteNodeDefinition(r.Context(), def.ID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generateNodeRequest struct {
	Prompt string `json:"prompt"`
	Save   bool   `json:"save"`
}

func (a *API) generateNode(w http.ResponseWriter, r *http.Request) {
	var req generateNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	def, err := a.Engine.GenerateDefinition(r.Context(), req.Prompt)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !req.Save {
		writeJSON(w, http.StatusOK, def)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	def.Author = p.UserID
	created, err := a.Flows.CreateNodeDefinition(r.Context(), def)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type testNodeRequest struct {
	Definition models.NodeDefinition `json:"definition"`
	Inputs     map[string]any        `json:"inputs"`
}

func (a *API) testNode(w http.ResponseWriter, r *http.Request) {
	var req testNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	res := a.Engine.TestNode(r.Context(), p.UserID, &req.Definition, req.Inputs)
	if !p.Admin {
		res.Traceback = ""
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) installNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, err := a.Flows.GetNodeDefinitionByName(r.Context(), name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	if def == nil || !canRead(p, def) {
		a.writeError(w, r, fmt.Errorf("node definition %s: %w", name, store.ErrNotFound))
		return
	}
	if err := a.Engine.InstallRequirements(r.Context(), name); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "requirements": def.Requirements})
}

func (a *API) loadFlow(r *http.Request) (*models.Flow, error) {
	id := chi.URLParam(r, "id")
	f, err := a.Flows.GetFlow(r.Context(), id)
	if err != nil {
		return nil, err
	}
	p, _ := PrincipalFrom(r.Context())
	if f == nil || (!p.Admin && f.Owner != p.UserID) {
		return nil, fmt.Errorf("flow %s: %w", id, store.ErrNotFound)
	}
	return f, nil
}

func (a *API) listFlows(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	owner := p.UserID
	if p.Admin && r.URL.Query().Has("owner") {
		owner = r.URL.Query().Get("owner")
	}
	flows, err := a.Flows.ListFlows(r.Context(), owner)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if flows == nil {
		flows = []models.Flow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

func (a *API) createFlow(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if err := decodeJSON(r, &f); err != nil {
		a.writeError(w, r, err)
		return
	}
	if f.Name == "" {
		a.writeError(w, r, badRequestf("name is required"))
		return
	}
	p, _ := PrincipalFrom(r.Context())
	f.ID = ""
	f.Owner = p.UserID
	created, err := a.Flows.CreateFlow(r.Context(), &f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getFlow(w http.ResponseWriter, r *http.Request) {
	f, err := a.loadFlow(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *API) updateFlow(w http.ResponseWriter, r *http.Request) {
	existing, err := a.loadFlow(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var f models.Flow
	if err := decodeJSON(r, &f); err != nil {
		a.writeError(w, r, err)
		return
	}
	if f.Name == "" {
		f.Name = existing.Name
	}
	f.ID = existing.ID
	f.Owner = existing.Owner
	f.CreatedAt = existing.CreatedAt
	updated, err := a.Flows.UpdateFlow(r.Context(), &f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteFlow(w http.ResponseWriter, r *http.Request) {
	f, err := a.loadFlow(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Flows.DeleteFlow(r.Context(), f.ID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeRequest struct {
	Graph     *models.Graph  `json:"graph,omitempty"`
	Overrides flow.Overrides `json:"overrides,omitempty"`
}

func (a *API) executeFlow(w http.ResponseWriter, r *http.Request) {
	f, err := a.loadFlow(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req executeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	p, _ := PrincipalFrom(r.Context())
	id, err := a.Engine.ExecuteFlow(r.Context(), p.UserID, f, req.Overrides)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (a *API) executeGraph(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Graph == nil {
		a.writeError(w, r, badRequestf("graph is required"))
		return
	}
	p, _ := PrincipalFrom(r.Context())
	id, err := a.Engine.Execute(r.Context(), p.UserID, *req.Graph, req.Overrides)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}
