package meta

import (
	"sort"
	"strings"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
)

// Slot labels of the built-in SlotUpdate frame.
const (
	SlotUpdateOriginal = "originalSlot"
	SlotUpdateOld      = "oldValue"
	SlotUpdateNew      = "newValue"

	ClarificationUtterance = "utterance"

	BooleanTrue  = "true"
	BooleanFalse = "false"
)

// SystemFrames are understood by every agent regardless of its bundle.
func SystemFrames() []domain.FrameMeta {
	return []domain.FrameMeta{
		{Type: domain.FrameDontCare, PackageName: domain.SystemPackage, Kind: domain.FrameKindDontCare},
		{
			Type:        domain.FrameSlotUpdate,
			PackageName: domain.SystemPackage,
			Kind:        domain.FrameKindSlotUpdate,
			Slots: []domain.SlotMeta{
				{Label: SlotUpdateOriginal, Type: domain.EntitySlotType, Triggers: []string{"field"}},
				{Label: SlotUpdateOld, Type: domain.GenericType, Triggers: []string{"old value"}, Prefixes: []string{"from"}},
				{Label: SlotUpdateNew, Type: domain.GenericType, Triggers: []string{"new value"}, Prefixes: []string{"to", "into"}},
			},
		},
		{Type: domain.FrameConfirmation, PackageName: domain.SystemPackage, Kind: domain.FrameKindBoolStatus},
		{Type: domain.FrameBoolGate, PackageName: domain.SystemPackage, Kind: domain.FrameKindBoolStatus},
		{Type: domain.FrameHasMore, PackageName: domain.SystemPackage, Kind: domain.FrameKindBoolStatus},
		{Type: domain.FrameDoNotUnderstand, PackageName: domain.SystemPackage, Kind: domain.FrameKindSystem},
		{
			Type:        domain.FrameIntentClarification,
			PackageName: domain.SystemPackage,
			Kind:        domain.FrameKindSystem,
			Slots:       []domain.SlotMeta{{Label: ClarificationUtterance, Type: domain.TypeString}},
		},
	}
}

func IsSystemFrame(frameType string) bool {
	for _, f := range SystemFrames() {
		if f.Type == frameType {
			return true
		}
	}
	return false
}

type phrases struct {
	yes, no    []string
	hasMoreYes []string
	hasMoreNo  []string
	dontCare   []string
	slotUpdate []string
}

var systemPhrases = map[string]phrases{
	"en": {
		yes:        []string{"yes", "yeah", "yep", "sure", "correct", "right", "that's right", "ok", "okay", "of course", "absolutely"},
		no:         []string{"no", "nope", "not really", "incorrect", "that's wrong", "no thanks", "not at all"},
		hasMoreYes: []string{"yes", "yes i have more", "one more", "there is more", "also"},
		hasMoreNo:  []string{"no", "that's all", "that's it", "nothing else", "no more", "i'm done"},
		dontCare:   []string{"any", "anything", "whatever", "either", "i don't care", "doesn't matter", "it does not matter", "anything is fine", "no preference"},
		slotUpdate: []string{
			"change <originalSlot>",
			"change the <originalSlot>",
			"update <originalSlot>",
			"i want to change <originalSlot>",
			"change <originalSlot> to <newValue>",
			"change <originalSlot> from <oldValue> to <newValue>",
			"change <oldValue> to <newValue>",
			"<newValue> instead of <oldValue>",
			"not <oldValue> but <newValue>",
		},
	},
	"zh": {
		yes:        []string{"是", "是的", "对", "对的", "好", "好的", "没错", "可以", "当然"},
		no:         []string{"不", "不是", "不对", "不要", "不用", "错了"},
		hasMoreYes: []string{"还有", "有", "还要"},
		hasMoreNo:  []string{"没有了", "没了", "就这些", "不用了"},
		dontCare:   []string{"随便", "都可以", "无所谓", "都行", "哪个都行"},
		slotUpdate: []string{
			"改<originalSlot>",
			"我想改<originalSlot>",
			"把<originalSlot>改成<newValue>",
			"<originalSlot>改成<newValue>",
			"把<oldValue>改成<newValue>",
			"不是<oldValue>是<newValue>",
		},
	},
}

func phrasesFor(lang string) phrases {
	if p, ok := systemPhrases[strings.ToLower(lang)]; ok {
		return p
	}
	return systemPhrases["en"]
}

// SystemExemplars returns the built-in exemplars for the language.
func SystemExemplars(lang string) []domain.Exemplar {
	p := phrasesFor(lang)
	var out []domain.Exemplar
	labelled := func(frame string, yes, no []string) {
		for _, t := range yes {
			out = append(out, domain.Exemplar{Template: t, OwnerFrame: frame, ContextFrame: frame, Label: domain.LabelYes})
		}
		for _, t := range no {
			out = append(out, domain.Exemplar{Template: t, OwnerFrame: frame, ContextFrame: frame, Label: domain.LabelNo})
		}
	}
	labelled(domain.FrameConfirmation, p.yes, p.no)
	labelled(domain.FrameBoolGate, p.yes, p.no)
	labelled(domain.FrameHasMore, p.hasMoreYes, p.hasMoreNo)
	for _, t := range p.dontCare {
		out = append(out, domain.Exemplar{Template: t, OwnerFrame: domain.FrameDontCare, ContextFrame: domain.DontCareContext})
	}
	for _, t := range p.slotUpdate {
		out = append(out, domain.Exemplar{Template: t, OwnerFrame: domain.FrameSlotUpdate})
	}
	return out
}

// Compiled is a bundle merged with the built-in system frames, ready for
// building a runtime.
type Compiled struct {
	Agent     string
	Version   int64
	Lang      string
	Timezone  string
	Schema    *domain.Schema
	Exemplars []domain.Exemplar
	Tuning    Tuning

	booleanLabels map[string]map[string]string
}

func Compile(b *Bundle) *Compiled {
	lang := b.Lang
	if lang == "" {
		lang = "en"
	}
	a := analyzer.For(lang)

	frames := make([]domain.FrameMeta, 0, len(b.Frames)+len(SystemFrames()))
	userFrames := make(map[string]bool, len(b.Frames))
	for _, f := range b.Frames {
		if f.PackageName == "" {
			f.PackageName = b.PackageName
		}
		if f.Kind == "" {
			f.Kind = domain.FrameKindUser
		}
		frames = append(frames, f)
		userFrames[f.Type] = true
	}
	for _, f := range SystemFrames() {
		if !userFrames[f.Type] {
			frames = append(frames, f)
		}
	}

	entities := append([]domain.EntityMeta(nil), b.Entities...)
	declared := make(map[string]bool, len(entities))
	for _, e := range entities {
		declared[e.Type] = true
	}
	if !declared[domain.EntitySlotType] {
		entities = append(entities, slotTypeEntity(b.Frames))
	}
	if !declared[domain.EntityBoolean] {
		entities = append(entities, booleanEntity(phrasesFor(lang)))
	}

	exemplars := append(append([]domain.Exemplar(nil), b.Exemplars...), SystemExemplars(lang)...)

	c := &Compiled{
		Agent:         b.Agent,
		Version:       b.Version,
		Lang:          lang,
		Timezone:      b.Timezone,
		Schema:        domain.NewSchema(frames, entities),
		Exemplars:     exemplars,
		Tuning:        b.Tuning.WithDefaults(),
		booleanLabels: make(map[string]map[string]string),
	}
	for _, ex := range exemplars {
		if ex.Label == "" {
			continue
		}
		f, ok := c.Schema.Frame(ex.OwnerFrame)
		if !ok || f.Kind != domain.FrameKindBoolStatus {
			continue
		}
		m, ok := c.booleanLabels[f.Type]
		if !ok {
			m = make(map[string]string)
			c.booleanLabels[f.Type] = m
		}
		key := analyzer.Key(a.Tokenize(ex.Template))
		if _, seen := m[key]; !seen {
			m[key] = ex.Label
		}
	}
	return c
}

// BooleanLabel looks the tokenized utterance up in the yes/no label set of
// a boolean-status frame kind.
func (c *Compiled) BooleanLabel(kind string, tokens []analyzer.Token) (string, bool) {
	label, ok := c.booleanLabels[kind][analyzer.Key(tokens)]
	return label, ok
}

// slotTypeEntity lets users name a slot ("change the date"): one instance per
// user slot, keyed frame#slot, with the slot triggers as aliases.
func slotTypeEntity(frames []domain.FrameMeta) domain.EntityMeta {
	e := domain.EntityMeta{Type: domain.EntitySlotType, Recognizers: []string{domain.RecognizerList}}
	sorted := append([]domain.FrameMeta(nil), frames...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Type < sorted[j].Type })
	for _, f := range sorted {
		if f.IsSystem() {
			continue
		}
		for _, s := range f.Slots {
			aliases := append([]string(nil), s.Triggers...)
			if len(aliases) == 0 {
				aliases = []string{humanize(s.Label)}
			}
			e.Instances = append(e.Instances, domain.EntityInstance{
				Label:       domain.SlotTypeID(f.Type, s.Label),
				Expressions: aliases,
			})
		}
	}
	return e
}

func booleanEntity(p phrases) domain.EntityMeta {
	return domain.EntityMeta{
		Type:        domain.EntityBoolean,
		Recognizers: []string{domain.RecognizerList},
		Instances: []domain.EntityInstance{
			{Label: BooleanTrue, Expressions: p.yes},
			{Label: BooleanFalse, Expressions: p.no},
		},
	}
}

// humanize turns departureDate or departure_date into "departure date".
func humanize(label string) string {
	var b strings.Builder
	for i, r := range label {
		switch {
		case r == '_' || r == '-' || r == '.':
			b.WriteByte(' ')
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
