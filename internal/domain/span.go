package domain

import "strings"

// Span is a typed, offset-bounded recognition result. Offsets are byte
// offsets into the original utterance.
type Span struct {
	Type       string  `json:"type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Value      string  `json:"value"`
	Norm       string  `json:"norm,omitempty"`
	Score      float64 `json:"score"`
	Leaf       bool    `json:"leaf"`
	Partial    bool    `json:"partial,omitempty"`
	Recognizer string  `json:"recognizer"`
}

func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

func (s Span) Covers(o Span) bool {
	return s.Start <= o.Start && o.End <= s.End
}

func (s Span) Len() int {
	return s.End - s.Start
}

// Spans maps entity type to the spans recognized for it.
type Spans map[string][]Span

func (m Spans) Add(s Span) {
	m[s.Type] = append(m[s.Type], s)
}

// Full returns non-partial spans of the type.
func (m Spans) Full(entityType string) []Span {
	var out []Span
	for _, s := range m[entityType] {
		if !s.Partial {
			out = append(out, s)
		}
	}
	return out
}

func (m Spans) Has(entityType string) bool {
	return len(m.Full(entityType)) > 0
}

// TemplatePart is one segment of an exemplar template: literal text or a
// <slot> placeholder.
type TemplatePart struct {
	Text        string
	Placeholder bool
}

// ParseTemplate splits "book a <city> flight" into literal and placeholder parts.
func ParseTemplate(template string) []TemplatePart {
	var parts []TemplatePart
	rest := template
	for rest != "" {
		open := strings.Index(rest, "<")
		if open < 0 {
			parts = appendLiteral(parts, rest)
			break
		}
		end := strings.Index(rest[open:], ">")
		if end < 0 {
			parts = appendLiteral(parts, rest)
			break
		}
		parts = appendLiteral(parts, rest[:open])
		label := strings.TrimSpace(rest[open+1 : open+end])
		if label != "" {
			parts = append(parts, TemplatePart{Text: label, Placeholder: true})
		}
		rest = rest[open+end+1:]
	}
	return parts
}

func appendLiteral(parts []TemplatePart, text string) []TemplatePart {
	if strings.TrimSpace(text) == "" {
		return parts
	}
	return append(parts, TemplatePart{Text: text})
}

// RenderTemplate joins parts back, replacing placeholders through fn.
func RenderTemplate(parts []TemplatePart, fn func(label string) string) string {
	var b strings.Builder
	for _, p := range parts {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		if p.Placeholder {
			b.WriteString(fn(p.Text))
		} else {
			b.WriteString(strings.TrimSpace(p.Text))
		}
	}
	return b.String()
}
