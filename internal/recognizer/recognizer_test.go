package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSchema() *domain.Schema {
	return domain.NewSchema(nil, []domain.EntityMeta{
		{
			Type:        "City",
			Recognizers: []string{domain.RecognizerList},
			Instances: []domain.EntityInstance{
				{Label: "paris", Expressions: []string{"city of light"}},
				{Label: "new york", Expressions: []string{"nyc", "big apple"}},
				{Label: "san francisco", Expressions: []string{"sf"}},
			},
		},
		{Type: "Dish", Recognizers: []string{domain.RecognizerList}},
		{
			Type:        "Pizza",
			Parent:      "Dish",
			Recognizers: []string{domain.RecognizerList},
			Expressions: []string{"pizza", "pie"},
			Instances:   []domain.EntityInstance{{Label: "margherita"}},
		},
		{Type: "Margherita", Parent: "Pizza"},
		{Type: "Email", Recognizers: []string{domain.RecognizerPattern}, Pattern: `[\w.+-]+@[\w-]+\.[\w.]+`},
		{Type: "Date", Recognizers: []string{domain.RecognizerNormalizer}, Dim: "time"},
		{Type: "Int", Recognizers: []string{domain.RecognizerNormalizer}, Dim: "number"},
	})
}

func parseList(t *testing.T, text string) domain.Spans {
	t.Helper()
	a := analyzer.For("en")
	r := NewListRecognizer(testSchema(), a, DefaultListConfig())
	out := domain.Spans{}
	require.NoError(t, r.Parse(context.Background(), Input{Lang: "en", Text: text, Tokens: a.Tokenize(text)}, out))
	return out
}

func TestListRecognizerFullMatch(t *testing.T) {
	out := parseList(t, "fly from New York to paris")
	cities := out.Full("City")
	require.Len(t, cities, 2)
	assert.Equal(t, "new york", cities[0].Norm)
	assert.Equal(t, "New York", cities[0].Value)
	assert.Equal(t, "paris", cities[1].Norm)
	assert.True(t, cities[1].Leaf)
}

func TestListRecognizerLongestMatchWins(t *testing.T) {
	out := parseList(t, "the city of light please")
	cities := out.Full("City")
	require.Len(t, cities, 1)
	assert.Equal(t, "paris", cities[0].Norm)
	assert.Equal(t, "city of light", cities[0].Value)
}

func TestListRecognizerInternalNode(t *testing.T) {
	out := parseList(t, "i want a pizza")
	dishes := out.Full("Dish")
	require.Len(t, dishes, 1)
	assert.False(t, dishes[0].Leaf)
	assert.Equal(t, "Pizza", dishes[0].Norm)

	pizzas := out.Full("Pizza")
	require.Len(t, pizzas, 1)
	assert.False(t, pizzas[0].Leaf)
}

func TestListRecognizerInstanceIndexedUnderAncestors(t *testing.T) {
	out := parseList(t, "one margherita")
	require.Len(t, out.Full("Dish"), 1)
	assert.True(t, out.Full("Dish")[0].Leaf)
	assert.Equal(t, "margherita", out.Full("Pizza")[0].Norm)
}

func TestListRecognizerPartialMatch(t *testing.T) {
	out := parseList(t, "somewhere in francisco")
	var partial []domain.Span
	for _, s := range out["City"] {
		if s.Partial {
			partial = append(partial, s)
		}
	}
	require.Len(t, partial, 1)
	assert.Equal(t, "francisco", partial[0].Value)
	assert.Equal(t, domain.PartialMatchNorm, partial[0].Norm)
	assert.Empty(t, out.Full("City"))
}

func TestListRecognizerPartialSuppressedByFullMatch(t *testing.T) {
	out := parseList(t, "to san francisco")
	for _, s := range out["City"] {
		assert.False(t, s.Partial, "partial %q should be hidden by the full match", s.Value)
	}
}

func TestListRecognizerFuzzyPartial(t *testing.T) {
	out := parseList(t, "near fransisco")
	require.NotEmpty(t, out["City"])
	assert.True(t, out["City"][0].Partial)
}

func TestListNormalize(t *testing.T) {
	r := NewListRecognizer(testSchema(), analyzer.For("en"), DefaultListConfig())
	v, ok := r.Normalize(domain.Span{Norm: "paris"})
	require.True(t, ok)
	assert.Equal(t, `"paris"`, v)
	_, ok = r.Normalize(domain.Span{Norm: domain.PartialMatchNorm, Partial: true})
	assert.False(t, ok)
}

func TestPatternRecognizer(t *testing.T) {
	r, err := NewPatternRecognizer(testSchema(), 1)
	require.NoError(t, err)
	out := domain.Spans{}
	text := "mail a@b.com or c.d@e.org"
	require.NoError(t, r.Parse(context.Background(), Input{Text: text}, out))
	require.Len(t, out["Email"], 2)
	assert.Equal(t, "a@b.com", out["Email"][0].Value)
	assert.Equal(t, text[out["Email"][1].Start:out["Email"][1].End], "c.d@e.org")
	v, ok := r.Normalize(out["Email"][0])
	require.True(t, ok)
	assert.Equal(t, `"a@b.com"`, v)
}

func TestPatternRecognizerRejectsBadPattern(t *testing.T) {
	schema := domain.NewSchema(nil, []domain.EntityMeta{{Type: "Bad", Recognizers: []string{domain.RecognizerPattern}, Pattern: "("}})
	_, err := NewPatternRecognizer(schema, 1)
	require.Error(t, err)
}

type fakeNormalizer struct {
	hits  []Hit
	err   error
	calls int
}

func (f *fakeNormalizer) Parse(_ context.Context, _ NormalizeRequest) ([]Hit, error) {
	f.calls++
	return f.hits, f.err
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestNormalizerDedupPrefersSmallestSpan(t *testing.T) {
	text := "three or 3 items"
	n := &fakeNormalizer{hits: []Hit{
		{Dim: "number", Start: 0, End: 5, Value: json.RawMessage(`3`)},
		{Dim: "number", Start: 9, End: 10, Value: json.RawMessage(`3`)},
		{Dim: "distance", Start: 0, End: 5, Value: json.RawMessage(`3`)},
	}}
	r := NewNormalizerRecognizer(testSchema(), n, "UTC", 1)
	out := domain.Spans{}
	require.NoError(t, r.Parse(context.Background(), Input{Text: text}, out))
	require.Len(t, out["Int"], 1)
	assert.Equal(t, "3", out["Int"][0].Value)
	assert.Equal(t, "3", out["Int"][0].Norm)
	assert.Empty(t, out["distance"])
}

func TestNormalizerIntervalContainmentKeepsLargerSpan(t *testing.T) {
	text := "monday from 3 to 5pm"
	n := &fakeNormalizer{hits: []Hit{
		{Dim: "time", Start: 0, End: 6, Value: json.RawMessage(`"2024-01-01T00:00:00Z"`), Grain: "day",
			From: ts("2024-01-01T00:00:00Z"), To: ts("2024-01-02T00:00:00Z")},
		{Dim: "time", Start: 0, End: 20, Value: json.RawMessage(`{"from":"2024-01-01T15:00:00Z","to":"2024-01-01T18:00:00Z"}`), Grain: "hour",
			From: ts("2024-01-01T15:00:00Z"), To: ts("2024-01-01T18:00:00Z")},
		{Dim: "time", Start: 12, End: 13, Value: json.RawMessage(`"2024-01-01T15:00:00Z"`), Grain: "hour",
			From: ts("2024-01-01T15:00:00Z"), To: ts("2024-01-01T16:00:00Z")},
	}}
	r := NewNormalizerRecognizer(testSchema(), n, "UTC", 1)
	out := domain.Spans{}
	require.NoError(t, r.Parse(context.Background(), Input{Text: text}, out))
	var values []string
	for _, s := range out["Date"] {
		values = append(values, s.Value)
	}
	assert.ElementsMatch(t, []string{"monday", "monday from 3 to 5pm"}, values)
}

func TestSetRecognizeIsIdempotentAndDegrades(t *testing.T) {
	a := analyzer.For("en")
	schema := testSchema()
	list := NewListRecognizer(schema, a, DefaultListConfig())
	broken := NewNormalizerRecognizer(schema, &fakeNormalizer{err: errors.New("down")}, "UTC", 1)
	set := NewSet(nil, list, broken)

	text := "from paris to nyc"
	in := Input{Lang: "en", Text: text, Tokens: a.Tokenize(text)}
	first, err := set.Recognize(context.Background(), in)
	require.NoError(t, err)
	second, err := set.Recognize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first.Full("City"), 2)

	v, ok := set.Normalize(first.Full("City")[1])
	require.True(t, ok)
	assert.Equal(t, `"new york"`, v)
}

func TestDucklingClientParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "/parse", r.URL.Path)
		assert.Equal(t, "en_US", r.Form.Get("locale"))
		assert.Equal(t, `["number","time"]`, r.Form.Get("dims"))
		_, _ = w.Write([]byte(`[
			{"body":"tomorrow","start":4,"end":12,"dim":"time","latent":false,
			 "value":{"type":"value","value":"2024-01-02T00:00:00.000-00:00","grain":"day"}},
			{"body":"two","start":0,"end":3,"dim":"number","latent":false,"value":{"type":"value","value":2}}
		]`))
	}))
	defer srv.Close()

	c := NewDucklingClient(srv.URL, time.Second)
	hits, err := c.Parse(context.Background(), NormalizeRequest{Lang: "en", Text: "two tomorrow", Dims: []string{"number", "time"}})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "day", hits[0].Grain)
	require.NotNil(t, hits[0].From)
	require.NotNil(t, hits[0].To)
	assert.Equal(t, 24*time.Hour, hits[0].To.Sub(*hits[0].From))
	assert.JSONEq(t, `2`, string(hits[1].Value))
}

func TestDucklingClientDisabled(t *testing.T) {
	_, err := NewDucklingClient("", 0).Parse(context.Background(), NormalizeRequest{Text: "x"})
	require.Error(t, err)
}
