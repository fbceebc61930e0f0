package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/flowhub/internal/models"
)

const prefixDoc = "---\n" +
	"name: prefix\n" +
	"category: text\n" +
	"class_name: Prefix\n" +
	"inputs:\n" +
	"  - {name: text, type: string}\n" +
	"outputs:\n" +
	"  - {name: text, type: string}\n" +
	"---\n" +
	"# Add Prefix\n\n" +
	"Prepends a fixed prefix to its input.\n\n" +
	"```yaml\n" +
	"prefix: \"> \"\n" +
	"```\n"

func TestParseNodeDefinition(t *testing.T) {
	def, err := ParseNodeDefinition(prefixDoc)
	require.NoError(t, err)

	assert.Equal(t, "prefix", def.Name)
	assert.Equal(t, "Add Prefix", def.Label)
	assert.Equal(t, "text", def.Category)
	assert.Equal(t, "Prefix", def.ClassName)
	assert.Equal(t, models.RuntimeBuiltin, def.Runtime)
	assert.Equal(t, "Prepends a fixed prefix to its input.", def.Description)
	assert.Equal(t, "prefix: \"> \"", def.Code)
	assert.Equal(t, []models.Port{{Name: "text", Type: models.PortString}}, def.Inputs)
	assert.Equal(t, []models.Port{{Name: "text", Type: models.PortString}}, def.Outputs)
}

func TestParseNodeDefinitionErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no frontmatter", "# Title\n", "missing frontmatter"},
		{"no name", "---\nclass_name: X\n---\n", "name is required"},
		{"no class", "---\nname: x\n---\n", "class_name is required"},
		{"bad type", "---\nname: x\nclass_name: X\ninputs: [{name: a, type: blob}]\n---\n", "unknown type"},
		{"bad yaml", "---\nname: [\n---\n", "parse frontmatter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNodeDefinition(tt.content)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestFormatNodeDefinitionRoundTrip(t *testing.T) {
	def, err := ParseNodeDefinition(prefixDoc)
	require.NoError(t, err)

	text, err := FormatNodeDefinition(def)
	require.NoError(t, err)

	again, err := ParseNodeDefinition(text)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}

func TestParseMarkdownSections(t *testing.T) {
	doc := ParseMarkdown("# Top\n\nintro\n\n## Setup\n\nsteps\n\n```\n# not a heading\n```\n\n### Install\n\nrun it\n")
	require.Len(t, doc.Sections, 3)
	assert.Equal(t, "Top", doc.Title)
	assert.Equal(t, "# Top > ## Setup", doc.Sections[1].Path)
	assert.Contains(t, doc.Sections[1].Content, "# not a heading")
	assert.Equal(t, "# Top > ## Setup > ### Install", doc.Sections[2].Path)
}
