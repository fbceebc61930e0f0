package parser

import (
	"strings"
	"unicode"
)

// Chunk is one piece of split text.
type Chunk struct {
	Text    string `json:"text"`
	Index   int    `json:"index"`
	Heading string `json:"heading,omitempty"` // section path, Markdown only
}

// ChunkConfig defines chunking parameters.
type ChunkConfig struct {
	// Threshold: only chunk if content exceeds this length
	Threshold int
	// TargetSize: ideal chunk size when splitting at sentences
	TargetSize int
	// MinSize: smaller sections merge into the previous chunk
	MinSize int
	// MaxSize: larger paragraphs split at sentences
	MaxSize int
	// Overlap: characters of the previous chunk repeated at the next start
	Overlap int
}

// DefaultChunkConfig returns sensible defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		Threshold:  1500,
		TargetSize: 750,
		MinSize:    200,
		MaxSize:    1000,
		Overlap:    100,
	}
}

// Split splits text into semantic chunks. Markdown sections are preferred
// boundaries, then paragraphs, then sentences. Whitespace-only input yields
// no chunks.
func Split(text string, cfg ChunkConfig) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if len(text) <= cfg.Threshold {
		return []Chunk{{Text: strings.TrimSpace(text)}}
	}

	doc := ParseMarkdown(text)
	var chunks []Chunk
	if len(doc.Sections) > 0 {
		if intro := strings.TrimSpace(beforeFirstHeading(doc.Content)); intro != "" {
			chunks = append(chunks, splitParagraphs(intro, "", cfg)...)
		}
		chunks = append(chunks, splitSections(doc.Sections, cfg)...)
	} else {
		chunks = splitParagraphs(doc.Content, "", cfg)
	}

	chunks = withOverlap(chunks, cfg.Overlap)
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

func beforeFirstHeading(content string) string {
	var sb strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if headingRegex.MatchString(line) {
			break
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func splitSections(sections []Section, cfg ChunkConfig) []Chunk {
	var chunks []Chunk
	for _, s := range sections {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		if len(s.Content) > cfg.MaxSize {
			chunks = append(chunks, splitParagraphs(s.Content, s.Path, cfg)...)
			continue
		}
		if len(s.Content) < cfg.MinSize && len(chunks) > 0 {
			chunks[len(chunks)-1].Text += "\n\n" + s.Content
			continue
		}
		chunks = append(chunks, Chunk{Text: s.Content, Heading: s.Path})
	}
	return chunks
}

func splitParagraphs(content, heading string, cfg ChunkConfig) []Chunk {
	var chunks []Chunk
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, Chunk{Text: strings.TrimSpace(current.String()), Heading: heading})
			current.Reset()
		}
	}

	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) > cfg.MaxSize {
			flush()
			for _, s := range splitSentenceRuns(para, cfg.TargetSize) {
				chunks = append(chunks, Chunk{Text: s, Heading: heading})
			}
			continue
		}
		if current.Len() > 0 && current.Len()+len(para) > cfg.MaxSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()
	return chunks
}

// splitSentenceRuns groups sentences into runs of about target characters.
func splitSentenceRuns(text string, target int) []string {
	var runs []string
	var current strings.Builder
	for _, sentence := range splitSentences(text) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(sentence) > target {
			runs = append(runs, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}
	if current.Len() > 0 {
		runs = append(runs, current.String())
	}
	return runs
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		// "Dr." and similar
		if i > 1 && unicode.IsUpper(runes[i-1]) {
			continue
		}
		sentences = append(sentences, current.String())
		current.Reset()
	}
	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}
	return sentences
}

func withOverlap(chunks []Chunk, overlap int) []Chunk {
	if overlap <= 0 || len(chunks) <= 1 {
		return chunks
	}
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	for i := 1; i < len(out); i++ {
		prev := chunks[i-1].Text
		if len(prev) <= overlap {
			continue
		}
		tail := overlapTail(prev[len(prev)-overlap:])
		if tail != "" {
			out[i].Text = tail + " " + out[i].Text
		}
	}
	return out
}

// overlapTail trims a raw tail window to start at a sentence boundary, or
// failing that at a word boundary.
func overlapTail(tail string) string {
	best := -1
	for _, sep := range []string{". ", "! ", "? "} {
		if i := strings.Index(tail, sep); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	if best >= 0 && best+2 < len(tail) {
		return tail[best+2:]
	}
	if sp := strings.Index(tail, " "); sp >= 0 {
		return tail[sp+1:]
	}
	return tail
}
