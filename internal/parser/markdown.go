// Package parser parses Markdown node definition documents and splits text
// into semantic chunks.
package parser

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var headingRegex = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

// MarkdownDoc represents a parsed Markdown document.
type MarkdownDoc struct {
	// Raw YAML frontmatter, empty if absent
	FrontmatterYAML string

	// Title extracted from first h1
	Title string

	// Main content (after frontmatter)
	Content string

	// Structured content by heading
	Sections []Section
}

// Section represents a heading and its content.
type Section struct {
	Level   int    // 1-6 for h1-h6
	Heading string // The heading text
	Path    string // Full path like "## Setup > ### Install"
	Content string // Content under this heading
}

// ParseMarkdown splits frontmatter from the body and indexes its sections.
func ParseMarkdown(content string) *MarkdownDoc {
	doc := &MarkdownDoc{}
	content = strings.ReplaceAll(content, "\r\n", "\n")

	remaining := content
	if strings.HasPrefix(content, "---\n") {
		if end := strings.Index(content[4:], "\n---"); end >= 0 {
			doc.FrontmatterYAML = content[4 : 4+end]
			remaining = strings.TrimPrefix(content[4+end+4:], "\n")
		}
	}

	doc.Content = remaining
	doc.Sections = parseSections(remaining)
	for _, s := range doc.Sections {
		if s.Level == 1 {
			doc.Title = s.Heading
			break
		}
	}
	return doc
}

// DecodeFrontmatter unmarshals the frontmatter into out.
func (d *MarkdownDoc) DecodeFrontmatter(out any) error {
	if d.FrontmatterYAML == "" {
		return fmt.Errorf("missing frontmatter")
	}
	if err := yaml.Unmarshal([]byte(d.FrontmatterYAML), out); err != nil {
		return fmt.Errorf("parse frontmatter: %w", err)
	}
	return nil
}

// parseSections extracts sections from Markdown content. Headings inside
// fenced code blocks are ignored.
func parseSections(content string) []Section {
	var sections []Section
	var path []string
	var levels []int
	var current *Section
	var body strings.Builder
	inFence := false

	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(body.String())
			sections = append(sections, *current)
			body.Reset()
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}

		match := headingRegex.FindStringSubmatch(line)
		if inFence || match == nil {
			if current != nil {
				body.WriteString(line)
				body.WriteString("\n")
			}
			continue
		}

		flush()
		level := len(match[1])
		heading := strings.TrimSpace(match[2])
		for len(levels) > 0 && levels[len(levels)-1] >= level {
			path = path[:len(path)-1]
			levels = levels[:len(levels)-1]
		}
		path = append(path, match[1]+" "+heading)
		levels = append(levels, level)
		current = &Section{Level: level, Heading: heading, Path: strings.Join(path, " > ")}
	}
	flush()
	return sections
}

// CodeBlock is a fenced code block.
type CodeBlock struct {
	Lang string
	Code string
}

// CodeBlocks returns the fenced code blocks of content in order.
func CodeBlocks(content string) []CodeBlock {
	var blocks []CodeBlock
	var current *CodeBlock
	var body strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			if current != nil {
				body.WriteString(line)
				body.WriteString("\n")
			}
			continue
		}
		if current == nil {
			current = &CodeBlock{Lang: strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))}
			continue
		}
		current.Code = strings.TrimSuffix(body.String(), "\n")
		blocks = append(blocks, *current)
		current = nil
		body.Reset()
	}
	return blocks
}

// Prose returns content with fenced code blocks and headings removed.
func Prose(content string) string {
	var sb strings.Builder
	inFence := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence || headingRegex.MatchString(line) {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
