package models

import (
	"fmt"
	"time"
)

// PortType is the closed set of types a node input or output may declare.
type PortType string

const (
	PortString         PortType = "string"
	PortInt            PortType = "int"
	PortFloat          PortType = "float"
	PortBoolean        PortType = "boolean"
	PortImage          PortType = "image"
	PortList           PortType = "list"
	PortNodeRef        PortType = "node_ref"
	PortModelSelection PortType = "model_selection"
	PortAny            PortType = "any"
)

var portTypes = map[PortType]bool{
	PortString: true, PortInt: true, PortFloat: true, PortBoolean: true,
	PortImage: true, PortList: true, PortNodeRef: true, PortModelSelection: true,
	PortAny: true,
}

// Valid reports whether t belongs to the closed type set.
func (t PortType) Valid() bool {
	return portTypes[t]
}

// Compatible reports whether a value of type a may flow into a port of type b.
func Compatible(a, b PortType) bool {
	return a == b || a == PortAny || b == PortAny
}

// Port is a named, typed input or output of a node definition.
type Port struct {
	Name string   `json:"name" yaml:"name"`
	Type PortType `json:"type" yaml:"type"`
}

// Runtime names the executor that interprets a node definition's code.
const (
	RuntimeBuiltin = "builtin"
	RuntimePython  = "python"
)

// NodeDefinition is the stored template a flow node references by name.
type NodeDefinition struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Label        string    `json:"label"`
	Category     string    `json:"category,omitempty"`
	Description  string    `json:"description,omitempty"`
	Inputs       []Port    `json:"inputs"`
	Outputs      []Port    `json:"outputs"`
	Code         string    `json:"code"`
	ClassName    string    `json:"class_name"`
	Runtime      string    `json:"runtime,omitempty"`
	Requirements []string  `json:"requirements,omitempty"`
	IsPublic     bool      `json:"is_public"`
	Author       string    `json:"author,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayLabel returns the label, falling back to the name.
func (d *NodeDefinition) DisplayLabel() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name
}

// Input returns the declared input with the given name.
func (d *NodeDefinition) Input(name string) (Port, bool) {
	return findPort(d.Inputs, name)
}

// Output returns the declared output with the given name.
func (d *NodeDefinition) Output(name string) (Port, bool) {
	return findPort(d.Outputs, name)
}

// Check validates the definition's own fields.
func (d *NodeDefinition) Check() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.ClassName == "" {
		return fmt.Errorf("class_name is required")
	}
	switch d.Runtime {
	case "", RuntimeBuiltin, RuntimePython:
	default:
		return fmt.Errorf("unknown runtime %q", d.Runtime)
	}
	for _, group := range [][]Port{d.Inputs, d.Outputs} {
		seen := map[string]bool{}
		for _, p := range group {
			if p.Name == "" {
				return fmt.Errorf("port without name")
			}
			if seen[p.Name] {
				return fmt.Errorf("duplicate port %q", p.Name)
			}
			seen[p.Name] = true
			if !p.Type.Valid() {
				return fmt.Errorf("port %q has unknown type %q", p.Name, p.Type)
			}
		}
	}
	return nil
}

func findPort(ports []Port, name string) (Port, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Node is one instance of a NodeDefinition inside a flow graph.
type Node struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Edge connects an output handle of one node to an input handle of another.
type Edge struct {
	Source       string `json:"source"`
	SourceHandle string `json:"source_handle"`
	Target       string `json:"target"`
	TargetHandle string `json:"target_handle"`
}

// Graph is the DAG stored in a flow.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Incoming returns the edges that end at node id.
func (g *Graph) Incoming(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Target == id {
			out = append(out, e)
		}
	}
	return out
}

// Flow is a user-authored graph of nodes.
type Flow struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Graph       Graph     `json:"graph"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PeriodicJobState records when a periodic job last completed successfully.
type PeriodicJobState struct {
	Name      string    `json:"name"`
	LastRanAt time.Time `json:"last_ran_at"`
}
