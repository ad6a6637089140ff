package recognizer

import (
	"context"
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
)

const ListRecognizerName = "list"

type ListConfig struct {
	// MaxNgram bounds the window of the greedy longest match.
	MaxNgram int
	// PartialMinTokenLen is the shortest token that can take part in a partial match.
	PartialMinTokenLen int
	// FuzzyMinTokenLen enables typo tolerance for tokens at least this long; 0 disables it.
	FuzzyMinTokenLen int
	FullScore        float64
	PartialScore     float64
}

func DefaultListConfig() ListConfig {
	return ListConfig{
		MaxNgram:           5,
		PartialMinTokenLen: 3,
		FuzzyMinTokenLen:   5,
		FullScore:          1.0,
		PartialScore:       0.5,
	}
}

type mention struct {
	entityType string
	norm       string
	leaf       bool
}

// ListRecognizer matches instance labels, aliases and taxonomy node aliases.
type ListRecognizer struct {
	cfg        ListConfig
	analyzer   analyzer.Analyzer
	phrases    map[string][]mention
	tokenTypes map[string]map[string]bool
	typeVocab  map[string][]string
}

func NewListRecognizer(schema *domain.Schema, a analyzer.Analyzer, cfg ListConfig) *ListRecognizer {
	if cfg.MaxNgram <= 0 {
		cfg.MaxNgram = DefaultListConfig().MaxNgram
	}
	r := &ListRecognizer{
		cfg:        cfg,
		analyzer:   a,
		phrases:    make(map[string][]mention),
		tokenTypes: make(map[string]map[string]bool),
		typeVocab:  make(map[string][]string),
	}

	types := make([]string, 0, len(schema.Entities))
	for t, e := range schema.Entities {
		if e.UsesRecognizer(domain.RecognizerList) {
			types = append(types, t)
		}
	}
	sort.Strings(types)

	for _, t := range types {
		e := schema.Entities[t]
		owners := append([]string{e.Type}, schema.Ancestors(e.Type)...)
		for _, inst := range e.Instances {
			aliases := append([]string{inst.Label}, inst.Expressions...)
			for _, owner := range owners {
				for _, alias := range aliases {
					r.add(alias, mention{entityType: owner, norm: inst.Label, leaf: true})
				}
			}
		}
		// Aliases of the type node itself stand for an internal taxonomy node.
		nodeOwners := schema.Ancestors(e.Type)
		if schema.IsInternalNode(e.Type) {
			nodeOwners = append([]string{e.Type}, nodeOwners...)
		}
		for _, owner := range nodeOwners {
			for _, alias := range e.Expressions {
				r.add(alias, mention{entityType: owner, norm: e.Type, leaf: false})
			}
		}
	}
	for t := range r.typeVocab {
		sort.Strings(r.typeVocab[t])
	}
	return r
}

func (r *ListRecognizer) add(alias string, m mention) {
	tokens := r.analyzer.Tokenize(alias)
	if len(tokens) == 0 {
		return
	}
	key := analyzer.Key(tokens)
	for _, existing := range r.phrases[key] {
		if existing == m {
			return
		}
	}
	r.phrases[key] = append(r.phrases[key], m)

	if len(tokens) < 2 {
		return
	}
	for _, tok := range tokens {
		if len([]rune(tok.Text)) < r.cfg.PartialMinTokenLen {
			continue
		}
		set, ok := r.tokenTypes[tok.Text]
		if !ok {
			set = make(map[string]bool)
			r.tokenTypes[tok.Text] = set
		}
		if !set[m.entityType] {
			set[m.entityType] = true
			r.typeVocab[m.entityType] = append(r.typeVocab[m.entityType], tok.Text)
		}
	}
}

func (r *ListRecognizer) Name() string { return ListRecognizerName }

func (r *ListRecognizer) Parse(ctx context.Context, in Input, out domain.Spans) error {
	tokens := in.Tokens
	if tokens == nil {
		tokens = r.analyzer.Tokenize(in.Text)
	}
	full := r.fullMatches(in.Text, tokens)
	for _, s := range full {
		out.Add(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, s := range r.partialMatches(in.Text, tokens, full) {
		out.Add(s)
	}
	return nil
}

func (r *ListRecognizer) fullMatches(text string, tokens []analyzer.Token) []domain.Span {
	var out []domain.Span
	for i := 0; i < len(tokens); {
		matched := 0
		for l := min(r.cfg.MaxNgram, len(tokens)-i); l >= 1; l-- {
			ms, ok := r.phrases[analyzer.Key(tokens[i:i+l])]
			if !ok {
				continue
			}
			start, end := tokens[i].Start, tokens[i+l-1].End
			for _, m := range ms {
				out = append(out, domain.Span{
					Type:       m.entityType,
					Start:      start,
					End:        end,
					Value:      text[start:end],
					Norm:       m.norm,
					Score:      r.cfg.FullScore,
					Leaf:       m.leaf,
					Recognizer: ListRecognizerName,
				})
			}
			matched = l
			break
		}
		if matched == 0 {
			matched = 1
		}
		i += matched
	}
	return out
}

// partialMatches records maximal runs of tokens that belong to some
// multi-token alias of a type without completing it.
func (r *ListRecognizer) partialMatches(text string, tokens []analyzer.Token, full []domain.Span) []domain.Span {
	if len(r.tokenTypes) == 0 {
		return nil
	}
	tokenSets := make([]map[string]bool, len(tokens))
	candidates := map[string]bool{}
	for i, tok := range tokens {
		tokenSets[i] = r.typesForToken(tok.Text)
		for t := range tokenSets[i] {
			candidates[t] = true
		}
	}
	types := make([]string, 0, len(candidates))
	for t := range candidates {
		types = append(types, t)
	}
	sort.Strings(types)

	var out []domain.Span
	for _, t := range types {
		for i := 0; i < len(tokens); {
			if !tokenSets[i][t] {
				i++
				continue
			}
			j := i
			for j < len(tokens) && tokenSets[j][t] {
				j++
			}
			span := domain.Span{
				Type:       t,
				Start:      tokens[i].Start,
				End:        tokens[j-1].End,
				Norm:       domain.PartialMatchNorm,
				Score:      r.cfg.PartialScore,
				Leaf:       true,
				Partial:    true,
				Recognizer: ListRecognizerName,
			}
			span.Value = text[span.Start:span.End]
			if !coveredByFull(span, full) {
				out = append(out, span)
			}
			i = j
		}
	}
	return out
}

func (r *ListRecognizer) typesForToken(tok string) map[string]bool {
	if set, ok := r.tokenTypes[tok]; ok {
		return set
	}
	n := len([]rune(tok))
	if r.cfg.FuzzyMinTokenLen <= 0 || n < r.cfg.FuzzyMinTokenLen {
		return nil
	}
	var out map[string]bool
	for t, vocab := range r.typeVocab {
		for _, v := range vocab {
			if abs(len([]rune(v))-n) > fuzzyLimit(len([]rune(v))) {
				continue
			}
			if levenshtein.ComputeDistance(tok, v) <= fuzzyLimit(len([]rune(v))) {
				if out == nil {
					out = make(map[string]bool)
				}
				out[t] = true
				break
			}
		}
	}
	return out
}

func coveredByFull(span domain.Span, full []domain.Span) bool {
	for _, f := range full {
		if f.Type == span.Type && f.Covers(span) {
			return true
		}
	}
	return false
}

func fuzzyLimit(length int) int {
	switch {
	case length <= 4:
		return 0
	case length <= 8:
		return 1
	default:
		return 2
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func (r *ListRecognizer) Normalize(span domain.Span) (string, bool) {
	if span.Partial || span.Norm == "" || span.Norm == domain.PartialMatchNorm {
		return "", false
	}
	return domain.JSONValue(span.Norm), true
}
