package pipeline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/polisai/sigma-convertd/pkg/domain"
)

var separatorLine = regexp.MustCompile(`^---[ \t]*(#.*)?$`)

// Segment is one document of a custom pipeline submission.
type Segment struct {
	// Index is the 1-based position among the non-empty segments.
	Index int
	Text  string
}

// SplitDocuments splits multi-document YAML on document-separator lines.
// Segments holding only whitespace or comments are dropped, so a leading
// separator or a header comment does not produce an empty document.
func SplitDocuments(text string) []Segment {
	var (
		segments []Segment
		current  strings.Builder
	)

	flush := func() {
		body := current.String()
		current.Reset()
		if blank(body) {
			return
		}
		segments = append(segments, Segment{Index: len(segments) + 1, Text: body})
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), len(text)+1)
	for scanner.Scan() {
		line := scanner.Text()
		if separatorLine.MatchString(strings.TrimRight(line, "\r")) {
			flush()
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()

	return segments
}

func blank(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
			return false
		}
	}
	return true
}

// Definition is a custom processing pipeline as accepted by the engines.
type Definition struct {
	Name            string         `yaml:"name"`
	Priority        int            `yaml:"priority"`
	Vars            map[string]any `yaml:"vars"`
	AllowedBackends []string       `yaml:"allowed_backends"`
	Transformations []Item         `yaml:"transformations"`
	Postprocessing  []Item         `yaml:"postprocessing"`
	Finalizers      []Item         `yaml:"finalizers"`
}

// Item is one transformation, postprocessing or finalizer entry. Only its
// type is interpreted here; the remaining keys belong to the engine.
type Item map[string]any

// Type returns the item's type discriminator.
func (i Item) Type() string {
	t, _ := i["type"].(string)
	return t
}

// ParseCustom parses one segment as a pipeline definition. Unknown top-level
// keys are rejected.
func ParseCustom(text string) (*Definition, error) {
	dec := yaml.NewDecoder(strings.NewReader(text))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty pipeline document")
		}
		return nil, err
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("segment holds more than one document")
	}

	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if d.Priority < 0 {
		return fmt.Errorf("priority must not be negative")
	}
	for section, items := range map[string][]Item{
		"transformations": d.Transformations,
		"postprocessing":  d.Postprocessing,
		"finalizers":      d.Finalizers,
	} {
		for i, item := range items {
			if item == nil {
				return fmt.Errorf("%s[%d] must be a mapping", section, i)
			}
			if strings.TrimSpace(item.Type()) == "" {
				return fmt.Errorf("%s[%d] has no type", section, i)
			}
		}
	}
	return nil
}

// AllowsTarget reports whether the definition declares target compatible.
// An empty declaration allows every target.
func (d *Definition) AllowsTarget(target string) bool {
	return domain.PipelineInfo{AllowedTargets: d.AllowedBackends}.AllowsTarget(target)
}

// ParseDocuments splits text and parses every segment. It fails on the first
// malformed segment and returns no partial result.
func ParseDocuments(text string) ([]Segment, []*Definition, error) {
	segments := SplitDocuments(text)
	defs := make([]*Definition, 0, len(segments))
	for _, seg := range segments {
		def, err := ParseCustom(seg.Text)
		if err != nil {
			return nil, nil, domain.Errorf(domain.KindMalformedPipelineYAML,
				"pipeline document %d of %d: %s", seg.Index, len(segments), oneLine(err.Error()))
		}
		defs = append(defs, def)
	}
	return segments, defs, nil
}

func oneLine(s string) string {
	var b bytes.Buffer
	for i, line := range strings.Split(strings.TrimSpace(s), "\n") {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(strings.TrimSpace(line))
	}
	return b.String()
}
