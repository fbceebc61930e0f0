package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_ShortContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantLen int
	}{
		{"completely empty", "", 0},
		{"whitespace only", "   \n\n\t  ", 0},
		{"heading only", "# Title\n\n## Section", 1},
		{"heading with content", "# Title\n\nSome actual content here.", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Split(tt.content, DefaultChunkConfig())
			assert.Len(t, chunks, tt.wantLen)
			for _, c := range chunks {
				assert.NotEmpty(t, strings.TrimSpace(c.Text))
			}
		})
	}
}

func TestSplitSections_SkipsEmptySections(t *testing.T) {
	sections := []Section{
		{Path: "Empty", Content: ""},
		{Path: "Whitespace", Content: "   \n\t  "},
		{Path: "HasContent", Content: "This has actual content that is meaningful."},
		{Path: "AnotherEmpty", Content: ""},
	}
	cfg := DefaultChunkConfig()
	cfg.MinSize = 10

	chunks := splitSections(sections, cfg)
	require.Len(t, chunks, 1)
	assert.Equal(t, "HasContent", chunks[0].Heading)

	assert.Empty(t, splitSections([]Section{{Path: "a"}, {Path: "b", Content: "\n\n"}}, cfg))
}

func TestSplit_LongContentWithEmptySections(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("# Decision Log\n\n")
	for i := 1; i <= 50; i++ {
		sb.WriteString("## Decision " + strings.Repeat("X", 20) + "\n\n")
	}
	sb.WriteString("## Decision with content\n\n")
	sb.WriteString("This decision has actual meaningful content that should be chunked.\n\n")
	content := sb.String()
	require.Greater(t, len(content), 1500)

	chunks := Split(content, DefaultChunkConfig())
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(c.Text), "chunk %d", i)
		assert.Equal(t, i, c.Index)
	}
}

func TestSplit_LongPlainText(t *testing.T) {
	sentence := "The quick brown fox jumps over the lazy dog. "
	content := strings.Repeat(sentence, 80)

	cfg := DefaultChunkConfig()
	cfg.Overlap = 0
	chunks := Split(content, cfg)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), cfg.TargetSize+len(sentence))
		assert.True(t, strings.HasSuffix(c.Text, "."), c.Text)
	}
}

func TestOverlap_SemanticBoundaries(t *testing.T) {
	tests := []struct {
		name          string
		chunks        []Chunk
		overlap       int
		wantContains  []string
		wantNotPrefix []string
	}{
		{
			name: "prefers sentence boundary over word boundary",
			chunks: []Chunk{
				{Text: "First chunk with some content. This is the last sentence."},
				{Text: "Second chunk content here."},
			},
			overlap:       40,
			wantContains:  []string{"This is the last sentence."},
			wantNotPrefix: []string{"sentence."},
		},
		{
			name: "handles exclamation marks",
			chunks: []Chunk{
				{Text: "Something important! Remember this part."},
				{Text: "Next section."},
			},
			overlap:      30,
			wantContains: []string{"Remember this part."},
		},
		{
			name: "handles question marks",
			chunks: []Chunk{
				{Text: "What is the answer? The answer is here."},
				{Text: "More content."},
			},
			overlap:      30,
			wantContains: []string{"The answer is here."},
		},
		{
			name: "falls back to word boundary",
			chunks: []Chunk{
				{Text: "No sentence endings here, just words and more words"},
				{Text: "Second chunk."},
			},
			overlap:       20,
			wantNotPrefix: []string{"rds"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := withOverlap(tt.chunks, tt.overlap)
			require.Len(t, result, 2)
			second := result[1].Text
			for _, want := range tt.wantContains {
				assert.Contains(t, second, want)
			}
			for _, notWant := range tt.wantNotPrefix {
				assert.False(t, strings.HasPrefix(second, notWant), "second chunk %q starts with %q", second, notWant)
			}
		})
	}
}

func TestOverlap_EdgeCases(t *testing.T) {
	assert.Empty(t, withOverlap([]Chunk{}, 100))

	single := []Chunk{{Text: "Only one chunk."}}
	assert.Equal(t, single, withOverlap(single, 100))

	two := []Chunk{{Text: "First chunk."}, {Text: "Second chunk."}}
	assert.Equal(t, "Second chunk.", withOverlap(two, 0)[1].Text)
}
