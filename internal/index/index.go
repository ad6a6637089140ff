// Package index retrieves candidate expressions for an utterance with a
// BM25 inverted index filtered by dialog context.
package index

import (
	"math"
	"sort"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type posting struct {
	doc int
	tf  int
}

type Config struct {
	HitsPerFrame int
	Limit        int
}

// Index is immutable after Build and safe for concurrent Search.
type Index struct {
	cfg      Config
	schema   *domain.Schema
	exprs    []*domain.Expression
	tags     []string
	docLen   []int
	avgLen   float64
	postings map[string][]posting
}

func Build(schema *domain.Schema, a analyzer.Analyzer, exemplars []domain.Exemplar, cfg Config) *Index {
	if cfg.HitsPerFrame <= 0 {
		cfg.HitsPerFrame = 4
	}
	ix := &Index{
		cfg:      cfg,
		schema:   schema,
		postings: make(map[string][]posting),
	}
	total := 0
	for i, ex := range exemplars {
		expr := Compile(schema, i, ex)
		terms := documentTerms(a, expr)
		ix.exprs = append(ix.exprs, expr)
		ix.tags = append(ix.tags, ex.ContextTag())
		ix.docLen = append(ix.docLen, len(terms))
		total += len(terms)

		tf := map[string]int{}
		for _, t := range terms {
			tf[t]++
		}
		keys := make([]string, 0, len(tf))
		for k := range tf {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ix.postings[k] = append(ix.postings[k], posting{doc: i, tf: tf[k]})
		}
	}
	if len(ix.exprs) > 0 {
		ix.avgLen = float64(total) / float64(len(ix.exprs))
	}
	return ix
}

func documentTerms(a analyzer.Analyzer, expr *domain.Expression) []string {
	var out []string
	pi := 0
	for _, p := range expr.Parts {
		if p.Placeholder {
			out = append(out, TypeToken(expr.Placeholders[pi].Type))
			pi++
			continue
		}
		out = append(out, analyzer.Texts(a.Tokenize(p.Text))...)
	}
	return out
}

func (ix *Index) Expressions() []*domain.Expression {
	return ix.exprs
}

func (ix *Index) Len() int {
	return len(ix.exprs)
}

// Query is one retrieval request.
type Query struct {
	Utterance    string
	Tokens       []analyzer.Token
	Spans        domain.Spans
	Expectations domain.DialogExpectations
}

// Terms lists the lexical terms plus a type token for every recognized type
// and its ancestors. The generic type token joins whenever anything was
// recognized.
func (ix *Index) Terms(q Query) []string {
	seen := map[string]bool{}
	var out []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, tok := range q.Tokens {
		add(tok.Text)
	}
	types := make([]string, 0, len(q.Spans))
	for t := range q.Spans {
		if q.Spans.Has(t) {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	for _, t := range types {
		add(TypeToken(t))
		for _, anc := range ix.schema.Ancestors(t) {
			add(TypeToken(anc))
		}
	}
	if len(types) > 0 {
		add(TypeToken(domain.GenericType))
	}
	return out
}

// Search returns candidates that share at least one term with the query and
// whose context tag is active. Scores are normalized against the top hit.
func (ix *Index) Search(q Query) []domain.Candidate {
	allowed := map[string]bool{}
	for _, t := range q.Expectations.ContextTags() {
		allowed[t] = true
	}

	n := float64(len(ix.exprs))
	scores := map[int]float64{}
	for _, term := range ix.Terms(q) {
		plist := ix.postings[term]
		if len(plist) == 0 {
			continue
		}
		df := float64(len(plist))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for _, p := range plist {
			if !allowed[ix.tags[p.doc]] {
				continue
			}
			tf := float64(p.tf)
			norm := 1 - bm25B + bm25B*float64(ix.docLen[p.doc])/ix.avgLen
			scores[p.doc] += idf * tf * (bm25K1 + 1) / (tf + bm25K1*norm)
		}
	}
	if len(scores) == 0 {
		return nil
	}

	docs := make([]int, 0, len(scores))
	for d := range scores {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if scores[docs[i]] != scores[docs[j]] {
			return scores[docs[i]] > scores[docs[j]]
		}
		return docs[i] < docs[j]
	})

	top := scores[docs[0]]
	perFrame := map[string]int{}
	var out []domain.Candidate
	for _, d := range docs {
		expr := ix.exprs[d]
		if perFrame[expr.OwnerFrame] >= ix.cfg.HitsPerFrame {
			continue
		}
		perFrame[expr.OwnerFrame]++
		score := 1.0
		if top > 0 {
			score = scores[d] / top
		}
		out = append(out, domain.NewCandidate(expr, q.Utterance, score))
		if ix.cfg.Limit > 0 && len(out) >= ix.cfg.Limit {
			break
		}
	}
	return out
}
