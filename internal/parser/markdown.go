package parser

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"

	"github.com/harrison/seqbench/internal/models"
)

// stepHeading matches "Step 1: Opening" (also "Step 1 - Opening", "Step 1").
var stepHeading = regexp.MustCompile(`^Step\s+(\d+)\s*(?:[:.\-]\s*(.*))?$`)

// MarkdownParser parses sequences written as level-2 "## Step N: name"
// sections. Everything between two step headings is the prompt. An optional
// YAML frontmatter may set the sequence name.
type MarkdownParser struct {
	markdown goldmark.Markdown
}

// NewMarkdownParser creates a Markdown sequence parser.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{
		markdown: goldmark.New(),
	}
}

type stepSection struct {
	number int
	name   string
	start  int // offset just after the heading line
	end    int // offset of the next section heading
}

// Parse implements Parser.
func (p *MarkdownParser) Parse(r io.Reader) (*models.Sequence, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	seq := &models.Sequence{}
	content, frontmatter := extractFrontmatter(content)
	if frontmatter != nil {
		var meta struct {
			Name string `yaml:"name"`
		}
		if err := yaml.Unmarshal(frontmatter, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
		}
		seq.Name = strings.TrimSpace(meta.Name)
	}

	doc := p.markdown.Parser().Parse(text.NewReader(content))

	var sections []*stepSection
	var current *stepSection
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level > 2 {
			continue
		}
		lineStart, lineEnd, title := headingBounds(heading, content)
		if current != nil {
			current.end = lineStart
			current = nil
		}

		if heading.Level == 1 {
			if seq.Name == "" {
				seq.Name = title
			}
			continue
		}

		matches := stepHeading.FindStringSubmatch(title)
		if matches == nil {
			continue
		}
		num, err := strconv.Atoi(matches[1])
		if err != nil {
			return nil, fmt.Errorf("invalid step number in %q: %w", title, err)
		}
		current = &stepSection{number: num, name: strings.TrimSpace(matches[2]), start: lineEnd, end: len(content)}
		sections = append(sections, current)
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("no \"## Step N:\" sections found")
	}

	for i, s := range sections {
		if s.number != i+1 {
			return nil, fmt.Errorf("step %d found where step %d was expected", s.number, i+1)
		}
		body := strings.TrimSpace(string(content[s.start:s.end]))
		if body == "" {
			return nil, fmt.Errorf("step %d has an empty prompt", s.number)
		}
		seq.Steps = append(seq.Steps, models.PromptStep{Index: i, Name: stepName(s.name, i), Prompt: body})
	}
	return seq, nil
}

// headingBounds returns the offsets of the start and end of the heading's
// line and its raw title text.
func headingBounds(h *ast.Heading, source []byte) (int, int, string) {
	lines := h.Lines()
	if lines.Len() == 0 {
		return 0, 0, ""
	}
	first := lines.At(0)
	last := lines.At(lines.Len() - 1)

	start := bytes.LastIndexByte(source[:first.Start], '\n') + 1
	end := last.Stop
	if idx := bytes.IndexByte(source[end:], '\n'); idx >= 0 {
		end += idx + 1
	} else {
		end = len(source)
	}

	var title strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		title.Write(seg.Value(source))
	}
	return start, end, strings.TrimSpace(title.String())
}

// extractFrontmatter extracts YAML frontmatter from markdown content
// Returns the content without frontmatter and the frontmatter bytes
func extractFrontmatter(content []byte) ([]byte, []byte) {
	lines := bytes.Split(content, []byte("\n"))

	// Check if starts with ---
	if len(lines) < 3 || !bytes.Equal(bytes.TrimSpace(lines[0]), []byte("---")) {
		return content, nil
	}

	for i := 1; i < len(lines); i++ {
		if bytes.Equal(bytes.TrimSpace(lines[i]), []byte("---")) {
			frontmatter := bytes.Join(lines[1:i], []byte("\n"))
			body := bytes.Join(lines[i+1:], []byte("\n"))
			return body, frontmatter
		}
	}

	// No closing delimiter found
	return content, nil
}
