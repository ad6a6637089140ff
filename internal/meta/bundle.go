// Package meta loads agent bundles: the compiled frames, entities and
// exemplars an agent understands, plus its tuning knobs.
package meta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opencui/structi-sub001/internal/domain"
)

var (
	ErrInvalidBundle = errors.New("invalid agent bundle")
	ErrNotFound      = errors.New("agent bundle not found")
)

// Bundle is one version of an agent as produced by the schema compiler.
type Bundle struct {
	Agent       string              `yaml:"agent" json:"agent"`
	Version     int64               `yaml:"version" json:"version"`
	Lang        string              `yaml:"lang" json:"lang"`
	Timezone    string              `yaml:"timezone" json:"timezone"`
	Org         string              `yaml:"org" json:"org"`
	PackageName string              `yaml:"package" json:"package"`
	Frames      []domain.FrameMeta  `yaml:"frames" json:"frames"`
	Entities    []domain.EntityMeta `yaml:"entities" json:"entities"`
	Exemplars   []domain.Exemplar   `yaml:"exemplars" json:"exemplars"`
	Tuning      Tuning              `yaml:"tuning" json:"tuning"`
}

// Tuning holds thresholds and bonuses. They are configuration, not semantics.
type Tuning struct {
	HitsPerFrame        int     `yaml:"hits_per_frame" json:"hitsPerFrame"`
	RetrievalLimit      int     `yaml:"retrieval_limit" json:"retrievalLimit"`
	ExactMatchBonus     float64 `yaml:"exact_match_bonus" json:"exactMatchBonus"`
	IntentThreshold     float64 `yaml:"intent_threshold" json:"intentThreshold"`
	SlotTopK            int     `yaml:"slot_top_k" json:"slotTopK"`
	MaxSpanTokens       int     `yaml:"max_span_tokens" json:"maxSpanTokens"`
	ExpectedSlotBonus   float64 `yaml:"expected_slot_bonus" json:"expectedSlotBonus"`
	MentionBonus        float64 `yaml:"mention_bonus" json:"mentionBonus"`
	AffixBonus          float64 `yaml:"affix_bonus" json:"affixBonus"`
	NotPredictedPenalty float64 `yaml:"not_predicted_penalty" json:"notPredictedPenalty"`
	MinSpanScore        float64 `yaml:"min_span_score" json:"minSpanScore"`
	ListWindow          int     `yaml:"list_window" json:"listWindow"`
	RecognizerScore     float64 `yaml:"recognizer_score" json:"recognizerScore"`
}

func DefaultTuning() Tuning {
	return Tuning{
		HitsPerFrame:        4,
		RetrievalLimit:      32,
		ExactMatchBonus:     1.0,
		IntentThreshold:     0.5,
		SlotTopK:            3,
		MaxSpanTokens:       8,
		ExpectedSlotBonus:   0.5,
		MentionBonus:        0.2,
		AffixBonus:          0.3,
		NotPredictedPenalty: -2.0,
		MinSpanScore:        -6.0,
		ListWindow:          5,
		RecognizerScore:     1.0,
	}
}

// WithDefaults fills unset fields from DefaultTuning.
func (t Tuning) WithDefaults() Tuning {
	d := DefaultTuning()
	if t.HitsPerFrame <= 0 {
		t.HitsPerFrame = d.HitsPerFrame
	}
	if t.RetrievalLimit <= 0 {
		t.RetrievalLimit = d.RetrievalLimit
	}
	if t.ExactMatchBonus == 0 {
		t.ExactMatchBonus = d.ExactMatchBonus
	}
	if t.IntentThreshold == 0 {
		t.IntentThreshold = d.IntentThreshold
	}
	if t.SlotTopK <= 0 {
		t.SlotTopK = d.SlotTopK
	}
	if t.MaxSpanTokens <= 0 {
		t.MaxSpanTokens = d.MaxSpanTokens
	}
	if t.ExpectedSlotBonus == 0 {
		t.ExpectedSlotBonus = d.ExpectedSlotBonus
	}
	if t.MentionBonus == 0 {
		t.MentionBonus = d.MentionBonus
	}
	if t.AffixBonus == 0 {
		t.AffixBonus = d.AffixBonus
	}
	if t.NotPredictedPenalty == 0 {
		t.NotPredictedPenalty = d.NotPredictedPenalty
	}
	if t.MinSpanScore == 0 {
		t.MinSpanScore = d.MinSpanScore
	}
	if t.ListWindow <= 0 {
		t.ListWindow = d.ListWindow
	}
	if t.RecognizerScore == 0 {
		t.RecognizerScore = d.RecognizerScore
	}
	return t
}

// Validate checks the references a compiled bundle must satisfy.
func (b *Bundle) Validate() error {
	if strings.TrimSpace(b.Agent) == "" {
		return fmt.Errorf("%w: agent is required", ErrInvalidBundle)
	}
	frames := make(map[string]domain.FrameMeta, len(b.Frames))
	for _, f := range b.Frames {
		if f.Type == "" {
			return fmt.Errorf("%w: frame without type", ErrInvalidBundle)
		}
		if _, dup := frames[f.Type]; dup {
			return fmt.Errorf("%w: duplicate frame %s", ErrInvalidBundle, f.Type)
		}
		frames[f.Type] = f
	}
	entities := make(map[string]bool, len(b.Entities))
	for _, e := range b.Entities {
		if e.Type == "" {
			return fmt.Errorf("%w: entity without type", ErrInvalidBundle)
		}
		entities[e.Type] = true
	}
	for _, e := range b.Entities {
		if e.Parent != "" && !entities[e.Parent] {
			return fmt.Errorf("%w: entity %s has unknown parent %s", ErrInvalidBundle, e.Type, e.Parent)
		}
	}
	for i, ex := range b.Exemplars {
		f, ok := frames[ex.OwnerFrame]
		if !ok && IsSystemFrame(ex.OwnerFrame) {
			continue
		}
		if !ok {
			return fmt.Errorf("%w: exemplar %d owned by unknown frame %q", ErrInvalidBundle, i, ex.OwnerFrame)
		}
		for _, p := range domain.ParseTemplate(ex.Template) {
			if !p.Placeholder {
				continue
			}
			if _, ok := f.Slot(p.Text); ok {
				continue
			}
			if ctx, ok := frames[ex.ContextFrame]; ok {
				if _, ok := ctx.Slot(p.Text); ok {
					continue
				}
			}
			return fmt.Errorf("%w: exemplar %q references unknown slot %q", ErrInvalidBundle, ex.Template, p.Text)
		}
	}
	return nil
}

// Provider supplies bundles by agent id.
type Provider interface {
	Agents(ctx context.Context) ([]string, error)
	Load(ctx context.Context, agent string) (*Bundle, error)
}

// DirProvider reads bundles from <root>/<agent>/*.yaml. Every file in an
// agent directory is decoded into the same bundle; list fields are appended.
type DirProvider struct {
	Root string
}

func NewDirProvider(root string) *DirProvider {
	return &DirProvider{Root: root}
}

func (p *DirProvider) Agents(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *DirProvider) Load(_ context.Context, agent string) (*Bundle, error) {
	dir := filepath.Join(p.Root, agent)
	files, err := bundleFiles(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", agent, ErrNotFound)
		}
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", agent, ErrNotFound)
	}

	out := &Bundle{}
	var latest int64
	for _, name := range files {
		info, err := os.Stat(name)
		if err != nil {
			return nil, err
		}
		if mt := info.ModTime().UnixNano(); mt > latest {
			latest = mt
		}
		raw, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}
		var part Bundle
		if err := yaml.Unmarshal(raw, &part); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, filepath.Base(name), err)
		}
		out.merge(part)
	}
	if out.Agent == "" {
		out.Agent = agent
	}
	// Without an explicit version the newest file decides, so edits on disk
	// always produce a newer runtime.
	if out.Version == 0 {
		out.Version = latest
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func bundleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Bundle) merge(part Bundle) {
	if part.Agent != "" {
		b.Agent = part.Agent
	}
	if part.Version != 0 {
		b.Version = part.Version
	}
	if part.Lang != "" {
		b.Lang = part.Lang
	}
	if part.Timezone != "" {
		b.Timezone = part.Timezone
	}
	if part.Org != "" {
		b.Org = part.Org
	}
	if part.PackageName != "" {
		b.PackageName = part.PackageName
	}
	if part.Tuning != (Tuning{}) {
		b.Tuning = part.Tuning
	}
	b.Frames = append(b.Frames, part.Frames...)
	b.Entities = append(b.Entities, part.Entities...)
	b.Exemplars = append(b.Exemplars, part.Exemplars...)
}

// DecodeYAML parses a single-document bundle.
func DecodeYAML(raw []byte) (*Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
