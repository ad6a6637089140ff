package meta

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
)

func flightBundle() *Bundle {
	return &Bundle{
		Agent:       "travel",
		Lang:        "en",
		PackageName: "demo",
		Frames: []domain.FrameMeta{
			{Type: "BookFlight", Slots: []domain.SlotMeta{
				{Label: "departureDate", Type: "Date"},
				{Label: "destination", Type: "City", Triggers: []string{"destination", "arrival city"}},
			}},
		},
		Entities: []domain.EntityMeta{
			{Type: "City", Recognizers: []string{domain.RecognizerList}},
			{Type: "Date", Recognizers: []string{domain.RecognizerNormalizer}, Dim: "time"},
		},
		Exemplars: []domain.Exemplar{
			{Template: "fly to <destination>", OwnerFrame: "BookFlight"},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(b *Bundle)
		ok     bool
	}{
		{name: "valid", mutate: func(*Bundle) {}, ok: true},
		{name: "missing agent", mutate: func(b *Bundle) { b.Agent = " " }},
		{name: "duplicate frame", mutate: func(b *Bundle) { b.Frames = append(b.Frames, b.Frames[0]) }},
		{name: "unknown parent", mutate: func(b *Bundle) { b.Entities[0].Parent = "Place" }},
		{name: "unknown owner", mutate: func(b *Bundle) {
			b.Exemplars = append(b.Exemplars, domain.Exemplar{Template: "hi", OwnerFrame: "Greeting"})
		}},
		{name: "unknown slot", mutate: func(b *Bundle) {
			b.Exemplars = append(b.Exemplars, domain.Exemplar{Template: "fly from <origin>", OwnerFrame: "BookFlight"})
		}},
		{name: "system owner", ok: true, mutate: func(b *Bundle) {
			b.Exemplars = append(b.Exemplars, domain.Exemplar{Template: "nah", OwnerFrame: domain.FrameConfirmation, Label: domain.LabelNo})
		}},
		{name: "context slot", ok: true, mutate: func(b *Bundle) {
			b.Frames = append(b.Frames, domain.FrameMeta{Type: "ShowPrice"})
			b.Exemplars = append(b.Exemplars, domain.Exemplar{Template: "price to <destination>", OwnerFrame: "ShowPrice", ContextFrame: "BookFlight"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := flightBundle()
			tt.mutate(b)
			err := b.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidBundle)
			}
		})
	}
}

func TestTuningDefaults(t *testing.T) {
	got := Tuning{IntentThreshold: 0.7, SlotTopK: 5}.WithDefaults()
	want := DefaultTuning()
	want.IntentThreshold = 0.7
	want.SlotTopK = 5
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tuning mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileAddsSystemVocabulary(t *testing.T) {
	c := Compile(flightBundle())

	f, ok := c.Schema.Frame("BookFlight")
	require.True(t, ok)
	assert.Equal(t, "demo", f.PackageName)
	assert.Equal(t, domain.FrameKindUser, f.Kind)

	for _, name := range []string{domain.FrameDontCare, domain.FrameSlotUpdate, domain.FrameConfirmation, domain.FrameIntentClarification} {
		sf, ok := c.Schema.Frame(name)
		require.True(t, ok, name)
		assert.True(t, sf.IsSystem(), name)
	}

	slotType, ok := c.Schema.Entity(domain.EntitySlotType)
	require.True(t, ok)
	want := []domain.EntityInstance{
		{Label: "BookFlight#departureDate", Expressions: []string{"departure date"}},
		{Label: "BookFlight#destination", Expressions: []string{"destination", "arrival city"}},
	}
	if diff := cmp.Diff(want, slotType.Instances); diff != "" {
		t.Fatalf("slot type instances mismatch (-want +got):\n%s", diff)
	}

	_, ok = c.Schema.Entity(domain.EntityBoolean)
	assert.True(t, ok)
	assert.Equal(t, DefaultTuning(), c.Tuning)
	assert.Greater(t, len(c.Exemplars), len(flightBundle().Exemplars))
}

func TestBooleanLabel(t *testing.T) {
	c := Compile(flightBundle())
	a := analyzer.For("en")

	label, ok := c.BooleanLabel(domain.FrameConfirmation, a.Tokenize("Yes"))
	require.True(t, ok)
	assert.Equal(t, domain.LabelYes, label)

	label, ok = c.BooleanLabel(domain.FrameHasMore, a.Tokenize("that's all"))
	require.True(t, ok)
	assert.Equal(t, domain.LabelNo, label)

	_, ok = c.BooleanLabel(domain.FrameConfirmation, a.Tokenize("maybe later"))
	assert.False(t, ok)
}

func TestSystemExemplarContexts(t *testing.T) {
	for _, ex := range SystemExemplars("zh") {
		switch ex.OwnerFrame {
		case domain.FrameDontCare:
			assert.Equal(t, domain.DontCareContext, ex.ContextTag())
		case domain.FrameSlotUpdate:
			assert.Equal(t, domain.DefaultContext, ex.ContextTag())
		default:
			assert.Equal(t, ex.OwnerFrame, ex.ContextTag())
			assert.NotEmpty(t, ex.Label)
		}
	}
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "departure date", humanize("departureDate"))
	assert.Equal(t, "return date", humanize("return_date"))
	assert.Equal(t, "city", humanize("city"))
}

func TestDirProviderMergesFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "travel")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "01-schema.yaml"), []byte(`lang: en
package: demo
frames:
  - type: BookFlight
    slots:
      - label: destination
        type: City
entities:
  - type: City
    recognizers: [list]
    instances:
      - label: paris
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02-exemplars.yml"), []byte(`exemplars:
  - template: fly to <destination>
    owner: BookFlight
tuning:
  intent_threshold: 0.6
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	p := NewDirProvider(root)
	ctx := context.Background()

	agents, err := p.Agents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"travel"}, agents)

	b, err := p.Load(ctx, "travel")
	require.NoError(t, err)
	assert.Equal(t, "travel", b.Agent)
	assert.Equal(t, "demo", b.PackageName)
	assert.Len(t, b.Frames, 1)
	assert.Len(t, b.Exemplars, 1)
	assert.Equal(t, 0.6, b.Tuning.IntentThreshold)
	assert.Greater(t, b.Version, int64(0))
	assert.WithinDuration(t, time.Now(), time.Unix(0, b.Version), time.Minute)

	_, err = p.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecodeYAML(t *testing.T) {
	b, err := DecodeYAML([]byte("agent: demo\nversion: 3\nframes:\n  - type: Greeting\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Version)

	_, err = DecodeYAML([]byte("agent: [unclosed"))
	assert.ErrorIs(t, err, ErrInvalidBundle)

	_, err = DecodeYAML([]byte("version: 3\n"))
	assert.ErrorIs(t, err, ErrInvalidBundle)
}
