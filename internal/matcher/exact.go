// Package matcher decides whether retrieved templates fully explain an
// utterance and specializes generic slot-type placeholders.
package matcher

import (
	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
)

type segment struct {
	literal     string
	placeholder bool
	entityType  string
}

// Exact matches typed templates against the utterance token sequence.
type Exact struct {
	schema   *domain.Schema
	analyzer analyzer.Analyzer
	bonus    float64
}

func NewExact(schema *domain.Schema, a analyzer.Analyzer, bonus float64) *Exact {
	return &Exact{schema: schema, analyzer: a, bonus: bonus}
}

// MatchAll flags every candidate and reports whether any exact or possible
// exact match was found.
func (m *Exact) MatchAll(tokens []analyzer.Token, spans domain.Spans, cands []domain.Candidate) (exact, possible bool) {
	for i := range cands {
		m.Match(tokens, spans, &cands[i])
		exact = exact || cands[i].ExactMatch
		possible = possible || cands[i].PossibleExactMatch
	}
	return exact, possible
}

func (m *Exact) Match(tokens []analyzer.Token, spans domain.Spans, c *domain.Candidate) {
	segs := m.segments(c)
	if len(segs) == 0 || len(tokens) == 0 {
		return
	}
	st := &matchState{
		segs:   segs,
		tokens: tokens,
		ranges: m.spanRanges(tokens, spans, segs),
		memo:   make(map[[2]int]map[int]bool),
	}
	n := len(tokens)
	if st.ends(0, 0)[n] {
		if !c.ExactMatch {
			c.Score += m.bonus
		}
		c.ExactMatch = true
		return
	}
	for end := range st.ends(0, 0) {
		if end > 0 && end < n {
			c.PossibleExactMatch = true
			return
		}
	}
	for start := 1; start < n; start++ {
		if st.ends(0, start)[n] {
			c.PossibleExactMatch = true
			return
		}
	}
}

func (m *Exact) segments(c *domain.Candidate) []segment {
	if c.Expression == nil {
		return nil
	}
	var out []segment
	pi := 0
	for _, p := range c.Expression.Parts {
		if p.Placeholder {
			t := c.Expression.Placeholders[pi].Type
			pi++
			if t == domain.GenericType && c.Specialization != nil {
				t = c.Specialization.Type
			}
			out = append(out, segment{placeholder: true, entityType: t})
			continue
		}
		for _, tok := range m.analyzer.Tokenize(p.Text) {
			out = append(out, segment{literal: tok.Text})
		}
	}
	return out
}

// spanRanges maps each placeholder type to the token ranges [i, j) covered
// exactly by a recognized span assignable to it.
func (m *Exact) spanRanges(tokens []analyzer.Token, spans domain.Spans, segs []segment) map[string]map[[2]int]bool {
	out := map[string]map[[2]int]bool{}
	for _, seg := range segs {
		if !seg.placeholder {
			continue
		}
		if _, done := out[seg.entityType]; done {
			continue
		}
		ranges := map[[2]int]bool{}
		for t := range spans {
			if seg.entityType != domain.GenericType && !m.schema.IsAssignable(seg.entityType, t) {
				continue
			}
			for _, s := range spans.Full(t) {
				i := analyzer.TokenStartingAt(tokens, s.Start)
				j := analyzer.TokenEndingAt(tokens, s.End)
				if i < 0 || j < i {
					continue
				}
				ranges[[2]int{i, j + 1}] = true
			}
		}
		out[seg.entityType] = ranges
	}
	return out
}

type matchState struct {
	segs   []segment
	tokens []analyzer.Token
	ranges map[string]map[[2]int]bool
	memo   map[[2]int]map[int]bool
}

// ends returns every token index at which the template suffix starting at
// seg can finish when it begins at token tok.
func (st *matchState) ends(seg, tok int) map[int]bool {
	key := [2]int{seg, tok}
	if r, ok := st.memo[key]; ok {
		return r
	}
	out := map[int]bool{}
	st.memo[key] = out
	if seg == len(st.segs) {
		out[tok] = true
		return out
	}
	if tok >= len(st.tokens) {
		return out
	}
	s := st.segs[seg]
	if !s.placeholder {
		if st.tokens[tok].Text == s.literal {
			for e := range st.ends(seg+1, tok+1) {
				out[e] = true
			}
		}
		return out
	}
	for r := range st.ranges[s.entityType] {
		if r[0] != tok {
			continue
		}
		for e := range st.ends(seg+1, r[1]) {
			out[e] = true
		}
	}
	return out
}
