package matcher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/index"
)

func testSchema() *domain.Schema {
	return domain.NewSchema(
		[]domain.FrameMeta{
			{Type: "BookFlight", Slots: []domain.SlotMeta{
				{Label: "origin", Type: "City", Triggers: []string{"departure"}},
				{Label: "destination", Type: "City", Triggers: []string{"destination"}},
				{Label: "date", Type: "Date", Triggers: []string{"date"}},
			}},
			{Type: "Order", Slots: []domain.SlotMeta{{Label: "dish", Type: "Dish"}}},
			{Type: domain.FrameSlotUpdate, Kind: domain.FrameKindSlotUpdate, Slots: []domain.SlotMeta{
				{Label: "originalSlot", Type: domain.EntitySlotType, Triggers: []string{"field"}},
				{Label: "newValue", Type: domain.GenericType, Triggers: []string{"new value"}},
			}},
		},
		[]domain.EntityMeta{
			{Type: "City", Recognizers: []string{domain.RecognizerList}},
			{Type: "Date", Recognizers: []string{domain.RecognizerNormalizer}},
			{Type: "Dish", Recognizers: []string{domain.RecognizerList}},
			{Type: domain.EntitySlotType, Recognizers: []string{domain.RecognizerList}},
		},
	)
}

func candidate(s *domain.Schema, template, owner string) domain.Candidate {
	return domain.NewCandidate(index.Compile(s, 0, domain.Exemplar{Template: template, OwnerFrame: owner}), "", 0.5)
}

// spansFor recognizes each phrase at its first occurrence in utterance.
func spansFor(utterance string, typed map[string][2]string) domain.Spans {
	out := domain.Spans{}
	for phrase, tn := range typed {
		start := indexOf(utterance, phrase)
		out.Add(domain.Span{Type: tn[0], Start: start, End: start + len(phrase), Value: phrase, Norm: tn[1], Leaf: true})
	}
	return out
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestExactMatch(t *testing.T) {
	s := testSchema()
	a := analyzer.For("en")
	m := NewExact(s, a, 1.0)

	utt := "fly from new york to paris"
	spans := spansFor(utt, map[string][2]string{
		"new york": {"City", "new york"},
		"paris":    {"City", "paris"},
	})
	tokens := a.Tokenize(utt)

	full := candidate(s, "fly from <origin> to <destination>", "BookFlight")
	m.Match(tokens, spans, &full)
	assert.True(t, full.ExactMatch)
	assert.False(t, full.PossibleExactMatch)
	assert.InDelta(t, 1.5, full.Score, 1e-9)

	m.Match(tokens, spans, &full)
	assert.InDelta(t, 1.5, full.Score, 1e-9, "bonus applies once")

	prefix := candidate(s, "fly from <origin>", "BookFlight")
	m.Match(tokens, spans, &prefix)
	assert.False(t, prefix.ExactMatch)
	assert.True(t, prefix.PossibleExactMatch)

	suffix := candidate(s, "to <destination>", "BookFlight")
	m.Match(tokens, spans, &suffix)
	assert.True(t, suffix.PossibleExactMatch)

	missing := candidate(s, "fly on <date>", "BookFlight")
	m.Match(tokens, spans, &missing)
	assert.False(t, missing.ExactMatch)
	assert.False(t, missing.PossibleExactMatch)

	exact, possible := m.MatchAll(tokens, spans, []domain.Candidate{prefix, missing})
	assert.False(t, exact)
	assert.True(t, possible)
}

func TestExactMatchGenericPlaceholder(t *testing.T) {
	s := testSchema()
	a := analyzer.For("en")
	m := NewExact(s, a, 1.0)

	utt := "change destination to paris"
	spans := spansFor(utt, map[string][2]string{
		"destination": {domain.EntitySlotType, "BookFlight#destination"},
		"paris":       {"City", "paris"},
	})
	c := candidate(s, "change <originalSlot> to <newValue>", domain.FrameSlotUpdate)
	m.Match(a.Tokenize(utt), spans, &c)
	assert.True(t, c.ExactMatch)
}

func TestResolveSpecializesGenericSlot(t *testing.T) {
	s := testSchema()
	r := NewResolver(s)
	utt := "change destination to paris"
	spans := spansFor(utt, map[string][2]string{
		"destination": {domain.EntitySlotType, "BookFlight#destination"},
		"paris":       {"City", "paris"},
	})
	plain := candidate(s, "i want to order <dish>", "Order")
	generic := candidate(s, "change <originalSlot> to <newValue>", domain.FrameSlotUpdate)

	out, err := r.Resolve([]domain.Candidate{plain, generic}, spans, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Nil(t, out[0].Specialization)

	spec := out[1]
	require.NotNil(t, spec.Specialization)
	assert.Equal(t, domain.Specialization{Frame: "BookFlight", Slot: "destination", Type: "City"}, *spec.Specialization)
	assert.Equal(t, "change <SlotType> to <City>", spec.TypedExpression)
	assert.Equal(t, "change field to destination", spec.Probe)
	assert.Nil(t, generic.Specialization, "input is not mutated")
}

func TestResolveHonorsExpectations(t *testing.T) {
	s := testSchema()
	r := NewResolver(s)
	utt := "change destination"
	spans := spansFor(utt, map[string][2]string{
		"destination": {domain.EntitySlotType, "BookFlight#destination"},
	})
	generic := candidate(s, "change <originalSlot> to <newValue>", domain.FrameSlotUpdate)
	exps := domain.DialogExpectations{{Slots: []domain.ExpectedSlot{{Frame: "Order", Slot: "dish"}}}}

	out, err := r.Resolve([]domain.Candidate{generic}, spans, exps)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Specialization)
}

func TestResolveAlternativesAtOneRange(t *testing.T) {
	s := testSchema()
	r := NewResolver(s)
	spans := domain.Spans{}
	spans.Add(domain.Span{Type: domain.EntitySlotType, Start: 7, End: 11, Value: "city", Norm: "BookFlight#origin", Leaf: true})
	spans.Add(domain.Span{Type: domain.EntitySlotType, Start: 7, End: 11, Value: "city", Norm: "BookFlight#destination", Leaf: true})
	generic := candidate(s, "change <originalSlot> to <newValue>", domain.FrameSlotUpdate)

	out, err := r.Resolve([]domain.Candidate{generic}, spans, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "destination", out[0].Specialization.Slot)
	assert.Equal(t, "origin", out[1].Specialization.Slot)
}

func TestResolveDistinctSlotsUnsupported(t *testing.T) {
	s := testSchema()
	r := NewResolver(s)
	utt := "change departure and date"
	spans := spansFor(utt, map[string][2]string{
		"departure": {domain.EntitySlotType, "BookFlight#origin"},
		"date":      {domain.EntitySlotType, "BookFlight#date"},
	})
	generic := candidate(s, "change <originalSlot> to <newValue>", domain.FrameSlotUpdate)

	_, err := r.Resolve([]domain.Candidate{generic}, spans, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupported))
}
