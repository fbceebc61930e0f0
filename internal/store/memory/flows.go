package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
)

func cloneDef(d *models.NodeDefinition) *models.NodeDefinition {
	c := *d
	c.Inputs = slices.Clone(d.Inputs)
	c.Outputs = slices.Clone(d.Outputs)
	c.Requirements = slices.Clone(d.Requirements)
	return &c
}

func cloneFlow(f *models.Flow) *models.Flow {
	c := *f
	c.Graph.Nodes = slices.Clone(f.Graph.Nodes)
	c.Graph.Edges = slices.Clone(f.Graph.Edges)
	return &c
}

func (s *Store) nameTaken(name, exceptID string) bool {
	for _, d := range s.nodes {
		if d.Name == name && d.ID != exceptID {
			return true
		}
	}
	return false
}

// CreateNodeDefinition stores a definition; names are unique.
func (s *Store) CreateNodeDefinition(_ context.Context, def *models.NodeDefinition) (*models.NodeDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nameTaken(def.Name, "") {
		return nil, fmt.Errorf("%w: node definition %q already exists", store.ErrConflict, def.Name)
	}
	row := cloneDef(def)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := s.now()
	row.CreatedAt, row.UpdatedAt = now, now
	s.nodes[row.ID] = row
	return cloneDef(row), nil
}

// GetNodeDefinition returns nil when the id is unknown.
func (s *Store) GetNodeDefinition(_ context.Context, id string) (*models.NodeDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.nodes[id]; ok {
		return cloneDef(d), nil
	}
	return nil, nil
}

// GetNodeDefinitionByName returns nil when the name is unknown.
func (s *Store) GetNodeDefinitionByName(_ context.Context, name string) (*models.NodeDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.nodes {
		if d.Name == name {
			return cloneDef(d), nil
		}
	}
	return nil, nil
}

// ListNodeDefinitions returns all definitions sorted by name.
func (s *Store) ListNodeDefinitions(_ context.Context) ([]models.NodeDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.NodeDefinition, 0, len(s.nodes))
	for _, d := range s.nodes {
		out = append(out, *cloneDef(d))
	}
	slices.SortFunc(out, func(a, b models.NodeDefinition) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// UpdateNodeDefinition replaces a stored definition.
func (s *Store) UpdateNodeDefinition(_ context.Context, def *models.NodeDefinition) (*models.NodeDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.nodes[def.ID]
	if !ok {
		return nil, fmt.Errorf("node definition %s: %w", def.ID, store.ErrNotFound)
	}
	if s.nameTaken(def.Name, def.ID) {
		return nil, fmt.Errorf("%w: node definition %q already exists", store.ErrConflict, def.Name)
	}
	row := cloneDef(def)
	row.CreatedAt = old.CreatedAt
	row.UpdatedAt = s.now()
	s.nodes[row.ID] = row
	return cloneDef(row), nil
}

// DeleteNodeDefinition removes a definition.
func (s *Store) DeleteNodeDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("node definition %s: %w", id, store.ErrNotFound)
	}
	delete(s.nodes, id)
	return nil
}

// CreateFlow stores a flow.
func (s *Store) CreateFlow(_ context.Context, f *models.Flow) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := cloneFlow(f)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := s.now()
	row.CreatedAt, row.UpdatedAt = now, now
	s.flows[row.ID] = row
	return cloneFlow(row), nil
}

// GetFlow returns nil when the id is unknown.
func (s *Store) GetFlow(_ context.Context, id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.flows[id]; ok {
		return cloneFlow(f), nil
	}
	return nil, nil
}

// ListFlows returns flows of owner (all flows when owner is empty), oldest first.
func (s *Store) ListFlows(_ context.Context, owner string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		if owner == "" || f.Owner == owner {
			out = append(out, *cloneFlow(f))
		}
	}
	slices.SortFunc(out, func(a, b models.Flow) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// UpdateFlow replaces a stored flow.
func (s *Store) UpdateFlow(_ context.Context, f *models.Flow) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.flows[f.ID]
	if !ok {
		return nil, fmt.Errorf("flow %s: %w", f.ID, store.ErrNotFound)
	}
	row := cloneFlow(f)
	row.CreatedAt = old.CreatedAt
	row.UpdatedAt = s.now()
	s.flows[row.ID] = row
	return cloneFlow(row), nil
}

// DeleteFlow removes a flow.
func (s *Store) DeleteFlow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return fmt.Errorf("flow %s: %w", id, store.ErrNotFound)
	}
	delete(s.flows, id)
	return nil
}
