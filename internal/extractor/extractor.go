// Package extractor turns recognizer spans and slot model predictions into
// entity events for one target frame.
package extractor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/nlu"
)

// ErrModelSkew means the slot model output does not line up with the probes
// or its own segmentation.
var ErrModelSkew = errors.New("slot model output does not match probes")

// Normalizer renders a recognized span as a JSON literal.
type Normalizer interface {
	Normalize(span domain.Span) (string, bool)
}

type Config struct {
	TopK                int
	MaxSpanTokens       int
	ExpectedSlotBonus   float64
	MentionBonus        float64
	AffixBonus          float64
	NotPredictedPenalty float64
	MinSpanScore        float64
}

type Extractor struct {
	schema     *domain.Schema
	analyzer   analyzer.Analyzer
	normalizer Normalizer
	cfg        Config
}

func New(schema *domain.Schema, a analyzer.Analyzer, n Normalizer, cfg Config) *Extractor {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	if cfg.MaxSpanTokens <= 0 {
		cfg.MaxSpanTokens = 8
	}
	return &Extractor{schema: schema, analyzer: a, normalizer: n, cfg: cfg}
}

// Request is one extraction against a target frame.
type Request struct {
	Frame     string
	Utterance string
	Tokens    []analyzer.Token
	Spans     domain.Spans
	// Prediction is nil when the model was skipped or unavailable.
	Prediction *nlu.UnifiedResult
	// ExpectedSlot is the dotted label the dialog is asking for, if any.
	ExpectedSlot string
	// Candidate is the matched candidate, if any.
	Candidate *domain.Candidate
	// Overrides rewrite slot types, used to specialize generic slots.
	Overrides map[string]string
}

// Slots returns the slot map of the frame with type overrides applied.
func (x *Extractor) Slots(frame string, overrides map[string]string) []domain.SlotMeta {
	slots := x.schema.SlotMap(frame)
	for i := range slots {
		if t, ok := overrides[slots[i].Label]; ok && t != "" {
			slots[i].Type = t
		}
	}
	return slots
}

// Probes renders one probe per slot, in slot order.
func Probes(slots []domain.SlotMeta) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Trigger()
	}
	return out
}

type scoredSpan struct {
	slot  domain.SlotMeta
	span  domain.Span
	score float64
	value string
}

// Extract returns the frame events for the target frame: the top-level
// frame first, then one event per nested path. It returns nil when nothing
// was found.
func (x *Extractor) Extract(req Request) ([]domain.FrameEvent, error) {
	frame, ok := x.schema.Frame(req.Frame)
	if !ok {
		return nil, nil
	}
	slots := x.Slots(req.Frame, req.Overrides)
	if len(slots) == 0 {
		return nil, nil
	}
	pred := req.Prediction
	if pred.Empty() {
		pred = nil
	}
	if pred != nil {
		if err := validate(pred, len(slots)); err != nil {
			return nil, err
		}
	}

	var cands []scoredSpan
	dontCare := map[string]domain.SlotMeta{}
	for i, slot := range slots {
		class := nlu.ClassNeither
		if pred != nil {
			class = pred.Class(i)
		}
		if class == nlu.ClassDontCare {
			dontCare[slot.Label] = slot
			continue
		}
		var model []domain.Span
		if class == nlu.ClassMentioned || (pred != nil && len(x.recognizerSpans(req.Spans, slot.Type)) > 0) {
			model = x.modelSpans(req.Utterance, pred, i, slot)
		}
		for _, c := range x.merge(req, slot, model, pred != nil) {
			if c.score >= x.cfg.MinSpanScore {
				cands = append(cands, c)
			}
		}
	}

	accepted := resolveOverlaps(cands)
	accepted = dropExplained(accepted, req.Candidate)

	groups := map[string][]domain.EntityEvent{}
	var paths []string
	add := func(label string, ev domain.EntityEvent) {
		path, attr := splitPath(label)
		ev.Attribute = attr
		if _, ok := groups[path]; !ok {
			paths = append(paths, path)
		}
		groups[path] = append(groups[path], ev)
	}
	for _, a := range accepted {
		t := a.span.Type
		if !a.span.Leaf {
			t = domain.VirtualType(t)
		}
		add(a.slot.Label, domain.EntityEvent{Value: a.value, Type: t, IsLeaf: a.span.Leaf})
	}
	filled := map[string]bool{}
	for _, a := range accepted {
		filled[a.slot.Label] = true
	}
	dcLabels := make([]string, 0, len(dontCare))
	for l := range dontCare {
		if !filled[l] {
			dcLabels = append(dcLabels, l)
		}
	}
	sort.Strings(dcLabels)
	for _, l := range dcLabels {
		add(l, domain.EntityEvent{Value: domain.DontCareValue, Type: dontCare[l].Type, IsLeaf: true})
	}
	if len(groups) == 0 {
		return nil, nil
	}

	out := []domain.FrameEvent{domain.NewFrameEvent(frame.Type, frame.PackageName, groups[""]...)}
	sort.SliceStable(paths, func(i, j int) bool { return paths[i] < paths[j] })
	for _, p := range paths {
		if p == "" {
			continue
		}
		nested, ok := x.schema.NestedFrameType(req.Frame, p)
		if !ok {
			continue
		}
		pkg := ""
		if f, ok := x.schema.Frame(nested); ok {
			pkg = f.PackageName
		}
		out = append(out, domain.NewFrameEvent(nested, pkg, groups[p]...))
	}
	return out, nil
}

func validate(pred *nlu.UnifiedResult, n int) error {
	if len(pred.ClassLogits) != 3*n || len(pred.StartLogits) != n || len(pred.EndLogits) != n {
		return fmt.Errorf("%w: %d probes, %d class logits, %d start rows, %d end rows",
			ErrModelSkew, n, len(pred.ClassLogits), len(pred.StartLogits), len(pred.EndLogits))
	}
	segs := len(pred.Segments)
	if len(pred.TokenCharStarts) != segs || len(pred.TokenCharEnds) != segs {
		return fmt.Errorf("%w: %d segments, %d/%d offsets", ErrModelSkew, segs, len(pred.TokenCharStarts), len(pred.TokenCharEnds))
	}
	for i := 0; i < n; i++ {
		if len(pred.StartLogits[i]) != segs || len(pred.EndLogits[i]) != segs {
			return fmt.Errorf("%w: probe %d has %d/%d logits for %d segments", ErrModelSkew, i, len(pred.StartLogits[i]), len(pred.EndLogits[i]), segs)
		}
	}
	return nil
}

// modelSpans forms all start<=end pairs from the top-K start and end
// positions that respect sub-word boundaries.
func (x *Extractor) modelSpans(utterance string, pred *nlu.UnifiedResult, i int, slot domain.SlotMeta) []domain.Span {
	startLP := logSoftmax(pred.StartLogits[i])
	endLP := logSoftmax(pred.EndLogits[i])
	starts := topK(startLP, x.cfg.TopK)
	ends := topK(endLP, x.cfg.TopK)
	offsets := analyzer.RuneToByte(utterance)
	runeCount := len(offsets) - 1
	segs := pred.Segments
	spanType := slot.Type
	if spanType == domain.GenericType {
		spanType = domain.TypeString
	}

	var out []domain.Span
	for _, s := range starts {
		if strings.HasPrefix(segs[s], "##") {
			continue
		}
		for _, e := range ends {
			if e < s || e-s+1 > x.cfg.MaxSpanTokens {
				continue
			}
			if e+1 < len(segs) && strings.HasPrefix(segs[e+1], "##") {
				continue
			}
			cs, ce := pred.TokenCharStarts[s], pred.TokenCharEnds[e]
			if cs < 0 || ce > runeCount || cs >= ce {
				continue
			}
			start, end := offsets[cs], offsets[ce]
			value := utterance[start:end]
			if strings.TrimSpace(value) == "" {
				continue
			}
			out = append(out, domain.Span{
				Type:       spanType,
				Start:      start,
				End:        end,
				Value:      value,
				Score:      startLP[s] + endLP[e],
				Leaf:       true,
				Recognizer: "model",
			})
		}
	}
	return out
}

// merge combines model spans with recognizer spans of the slot type at the
// same range and applies the bonuses.
func (x *Extractor) merge(req Request, slot domain.SlotMeta, model []domain.Span, modelAvailable bool) []scoredSpan {
	recognized := x.recognizerSpans(req.Spans, slot.Type)
	freeForm := !x.hasRecognizers(slot.Type)

	var out []scoredSpan
	used := make([]bool, len(recognized))
	for _, m := range model {
		matched := -1
		for j, r := range recognized {
			if r.Start == m.Start && r.End == m.End && (matched < 0 || r.Score > recognized[matched].Score) {
				matched = j
			}
		}
		if matched >= 0 {
			used[matched] = true
			r := recognized[matched]
			out = append(out, scoredSpan{slot: slot, span: r, score: r.Score + m.Score})
			continue
		}
		if freeForm {
			out = append(out, scoredSpan{slot: slot, span: m, score: m.Score})
		}
	}
	for j, r := range recognized {
		if used[j] {
			continue
		}
		penalty := 0.0
		if modelAvailable {
			penalty = x.cfg.NotPredictedPenalty
		}
		out = append(out, scoredSpan{slot: slot, span: r, score: r.Score + penalty})
	}

	for k := range out {
		c := &out[k]
		c.score += x.bonus(req, slot, c.span)
		c.value = x.value(c.span)
	}
	return out
}

func (x *Extractor) recognizerSpans(spans domain.Spans, slotType string) []domain.Span {
	if slotType == domain.GenericType || slotType == domain.TypeString {
		return nil
	}
	var out []domain.Span
	seen := map[[2]int]bool{}
	for _, s := range spans[slotType] {
		seen[[2]int{s.Start, s.End}] = true
		out = append(out, s)
	}
	// Subtypes only contribute ranges the slot type itself did not cover.
	types := make([]string, 0, len(spans))
	for t := range spans {
		if t != slotType && x.schema.IsAssignable(slotType, t) {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	for _, t := range types {
		for _, s := range spans[t] {
			key := [2]int{s.Start, s.End}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

func (x *Extractor) hasRecognizers(entityType string) bool {
	if entityType == domain.GenericType || entityType == domain.TypeString {
		return false
	}
	e, ok := x.schema.Entity(entityType)
	return ok && len(e.Recognizers) > 0
}

func (x *Extractor) value(s domain.Span) string {
	if x.normalizer != nil && !s.Partial {
		if v, ok := x.normalizer.Normalize(s); ok {
			return v
		}
	}
	return domain.JSONValue(s.Value)
}

func (x *Extractor) bonus(req Request, slot domain.SlotMeta, span domain.Span) float64 {
	b := 0.0
	if req.ExpectedSlot != "" && req.ExpectedSlot == slot.Label {
		b += x.cfg.ExpectedSlotBonus
	}
	if x.mentioned(req.Candidate, slot) {
		b += x.cfg.MentionBonus
	}
	if !span.Partial {
		b += x.affixBonus(req.Tokens, slot, span)
	}
	return b
}

// mentioned reports whether the matched template names the slot, either by
// placeholder or by its trigger phrase.
func (x *Extractor) mentioned(c *domain.Candidate, slot domain.SlotMeta) bool {
	if c == nil || c.Expression == nil {
		return false
	}
	head, _ := splitHead(slot.Label)
	for _, p := range c.Expression.Placeholders {
		if p.Label == slot.Label || p.Label == head {
			return true
		}
	}
	trigger := analyzer.Key(x.analyzer.Tokenize(slot.Trigger()))
	if trigger == "" {
		return false
	}
	for _, p := range c.Expression.Parts {
		if p.Placeholder {
			continue
		}
		if strings.Contains(" "+analyzer.Key(x.analyzer.Tokenize(p.Text))+" ", " "+trigger+" ") {
			return true
		}
	}
	return false
}

// affixBonus rewards spans preceded by a configured prefix or followed by a
// configured suffix, normalized by how many vocabularies the slot has.
func (x *Extractor) affixBonus(tokens []analyzer.Token, slot domain.SlotMeta, span domain.Span) float64 {
	vocabs := 0
	hits := 0
	if len(slot.Prefixes) > 0 {
		vocabs++
		if x.precededBy(tokens, span.Start, slot.Prefixes) {
			hits++
		}
	}
	if len(slot.Suffixes) > 0 {
		vocabs++
		if x.followedBy(tokens, span.End, slot.Suffixes) {
			hits++
		}
	}
	if vocabs == 0 {
		return 0
	}
	return x.cfg.AffixBonus * float64(hits) / float64(vocabs)
}

func (x *Extractor) precededBy(tokens []analyzer.Token, offset int, vocab []string) bool {
	last := -1
	for i, t := range tokens {
		if t.End <= offset {
			last = i
		}
	}
	if last < 0 {
		return false
	}
	for _, phrase := range vocab {
		pt := analyzer.Texts(x.analyzer.Tokenize(phrase))
		if len(pt) == 0 || len(pt) > last+1 {
			continue
		}
		if equalTexts(tokens[last+1-len(pt):last+1], pt) {
			return true
		}
	}
	return false
}

func (x *Extractor) followedBy(tokens []analyzer.Token, offset int, vocab []string) bool {
	first := -1
	for i, t := range tokens {
		if t.Start >= offset {
			first = i
			break
		}
	}
	if first < 0 {
		return false
	}
	for _, phrase := range vocab {
		pt := analyzer.Texts(x.analyzer.Tokenize(phrase))
		if len(pt) == 0 || first+len(pt) > len(tokens) {
			continue
		}
		if equalTexts(tokens[first:first+len(pt)], pt) {
			return true
		}
	}
	return false
}

func equalTexts(tokens []analyzer.Token, texts []string) bool {
	for i, t := range tokens {
		if t.Text != texts[i] {
			return false
		}
	}
	return true
}

// resolveOverlaps accepts spans greedily by score. A span is rejected when
// it overlaps an accepted span or fills an already filled single-value slot.
func resolveOverlaps(cands []scoredSpan) []scoredSpan {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.span.Len() != b.span.Len() {
			return a.span.Len() > b.span.Len()
		}
		if a.span.Start != b.span.Start {
			return a.span.Start < b.span.Start
		}
		return a.slot.Label < b.slot.Label
	})
	var accepted []scoredSpan
	filled := map[string]bool{}
	for _, c := range cands {
		if !c.slot.MultiValue && filled[c.slot.Label] {
			continue
		}
		clash := false
		for _, a := range accepted {
			if a.span.Overlaps(c.span) {
				clash = true
				break
			}
		}
		if clash {
			continue
		}
		accepted = append(accepted, c)
		filled[c.slot.Label] = true
	}
	sort.SliceStable(accepted, func(i, j int) bool { return accepted[i].span.Start < accepted[j].span.Start })
	return accepted
}

// dropExplained removes spans whose text already appears verbatim in the
// matched exemplar's template.
func dropExplained(accepted []scoredSpan, c *domain.Candidate) []scoredSpan {
	if c == nil || c.Expression == nil {
		return accepted
	}
	template := strings.ToLower(c.Template())
	out := accepted[:0]
	for _, a := range accepted {
		v := strings.ToLower(strings.TrimSpace(a.span.Value))
		if v != "" && containsWord(template, v) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func containsWord(text, word string) bool {
	if word[0] >= 0x80 {
		return strings.Contains(text, word)
	}
	for from := 0; ; {
		i := strings.Index(text[from:], word)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(word)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		from = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b >= 0x80
}

// splitPath splits "a.b.c" into the nested path "a.b" and attribute "c".
func splitPath(label string) (path, attr string) {
	i := strings.LastIndex(label, ".")
	if i < 0 {
		return "", label
	}
	return label[:i], label[i+1:]
}

func splitHead(label string) (head, rest string) {
	i := strings.Index(label, ".")
	if i < 0 {
		return label, ""
	}
	return label[:i], label[i+1:]
}

func logSoftmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxV := math.Inf(-1)
	for _, v := range logits {
		maxV = math.Max(maxV, v)
	}
	sum := 0.0
	for _, v := range logits {
		sum += math.Exp(v - maxV)
	}
	lse := maxV + math.Log(sum)
	for i, v := range logits {
		out[i] = v - lse
	}
	return out
}

func topK(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
