package parser

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/flowhub/internal/models"
)

// nodeFrontmatter is the YAML header of a node definition document.
type nodeFrontmatter struct {
	Name         string        `yaml:"name"`
	Label        string        `yaml:"label,omitempty"`
	Category     string        `yaml:"category,omitempty"`
	Description  string        `yaml:"description,omitempty"`
	ClassName    string        `yaml:"class_name"`
	Runtime      string        `yaml:"runtime,omitempty"`
	Requirements []string      `yaml:"requirements,omitempty"`
	Public       bool          `yaml:"public,omitempty"`
	Inputs       []models.Port `yaml:"inputs,omitempty"`
	Outputs      []models.Port `yaml:"outputs,omitempty"`
}

// ParseNodeDefinition parses a Markdown node definition document:
//
//	---
//	name: uppercase
//	class_name: Uppercase
//	inputs:  [{name: text, type: string}]
//	outputs: [{name: text, type: string}]
//	---
//	# Uppercase
//	Upper-cases its input.
//	```yaml
//	{}
//	```
//
// The first fenced block is the node code; the prose becomes the
// description unless the frontmatter sets one.
func ParseNodeDefinition(content string) (*models.NodeDefinition, error) {
	doc := ParseMarkdown(content)

	var fm nodeFrontmatter
	if err := doc.DecodeFrontmatter(&fm); err != nil {
		return nil, err
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("frontmatter: name is required")
	}

	def := &models.NodeDefinition{
		Name:         fm.Name,
		Label:        fm.Label,
		Category:     fm.Category,
		Description:  fm.Description,
		ClassName:    fm.ClassName,
		Runtime:      fm.Runtime,
		Requirements: fm.Requirements,
		IsPublic:     fm.Public,
		Inputs:       fm.Inputs,
		Outputs:      fm.Outputs,
	}
	if def.Label == "" {
		def.Label = doc.Title
	}
	if def.Runtime == "" {
		def.Runtime = models.RuntimeBuiltin
	}
	if def.Description == "" {
		def.Description = Prose(doc.Content)
	}
	if blocks := CodeBlocks(doc.Content); len(blocks) > 0 {
		def.Code = blocks[0].Code
	}
	if err := def.Check(); err != nil {
		return nil, err
	}
	return def, nil
}

// FormatNodeDefinition renders def as a document ParseNodeDefinition accepts.
func FormatNodeDefinition(def *models.NodeDefinition) (string, error) {
	fm := nodeFrontmatter{
		Name:         def.Name,
		Label:        def.Label,
		Category:     def.Category,
		ClassName:    def.ClassName,
		Runtime:      def.Runtime,
		Requirements: def.Requirements,
		Public:       def.IsPublic,
		Inputs:       def.Inputs,
		Outputs:      def.Outputs,
	}
	header, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("marshal frontmatter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(header)
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "# %s\n\n", def.DisplayLabel())
	if def.Description != "" {
		sb.WriteString(def.Description)
		sb.WriteString("\n\n")
	}
	lang := "yaml"
	if def.Runtime == models.RuntimePython {
		lang = "python"
	}
	fmt.Fprintf(&sb, "```%s\n%s\n```\n", lang, def.Code)
	return sb.String(), nil
}
