package domain

// Exemplar is a template utterance mapped to a frame, optionally restricted
// to a (frame, slot) context.
type Exemplar struct {
	Template     string `yaml:"template" json:"template"`
	OwnerFrame   string `yaml:"owner" json:"owner"`
	ContextFrame string `yaml:"context_frame" json:"contextFrame,omitempty"`
	ContextSlot  string `yaml:"context_slot" json:"contextSlot,omitempty"`
	Label        string `yaml:"label" json:"label,omitempty"`
}

func (e Exemplar) ContextTag() string {
	switch {
	case e.ContextFrame == "":
		return DefaultContext
	case e.ContextSlot == "":
		return e.ContextFrame
	default:
		return e.ContextFrame + "#" + e.ContextSlot
	}
}

// Placeholder is a typed <slot> reference inside an exemplar.
type Placeholder struct {
	Label string
	Type  string
}

// EntailedSlot is a slot referenced by a partial-application template that
// belongs to the context frame rather than the owner frame.
type EntailedSlot struct {
	Frame string
	Slot  string
	Type  string
}

// Expression is the compiled form of an exemplar.
type Expression struct {
	Exemplar
	ID              int
	Parts           []TemplatePart
	Placeholders    []Placeholder
	TypedExpression string
	RequiredTypes   []string
	EntailedSlots   []EntailedSlot
}

// HasGeneric reports whether the expression references a generic slot type.
func (e *Expression) HasGeneric() bool {
	for _, p := range e.Placeholders {
		if p.Type == GenericType {
			return true
		}
	}
	return false
}

// Specialization records how a generic placeholder was resolved.
type Specialization struct {
	Frame string
	Slot  string
	Type  string
}

// Candidate is a retrieved exemplar instance scored against the utterance.
type Candidate struct {
	Score              float64
	Utterance          string
	Expression         *Expression
	TypedExpression    string
	Probe              string
	OwnerFrame         string
	ContextFrame       string
	ContextSlot        string
	RequiredTypes      []string
	EntailedSlots      []EntailedSlot
	Label              string
	ExactMatch         bool
	PossibleExactMatch bool
	Specialization     *Specialization
}

func NewCandidate(expr *Expression, utterance string, score float64) Candidate {
	return Candidate{
		Score:           score,
		Utterance:       utterance,
		Expression:      expr,
		TypedExpression: expr.TypedExpression,
		OwnerFrame:      expr.OwnerFrame,
		ContextFrame:    expr.ContextFrame,
		ContextSlot:     expr.ContextSlot,
		RequiredTypes:   append([]string(nil), expr.RequiredTypes...),
		EntailedSlots:   append([]EntailedSlot(nil), expr.EntailedSlots...),
		Label:           expr.Label,
	}
}

// Template is the original exemplar text.
func (c Candidate) Template() string {
	if c.Expression == nil {
		return ""
	}
	return c.Expression.Template
}

// BuildProbe renders the candidate's template with every placeholder
// replaced by its slot's representative trigger phrase.
func BuildProbe(schema *Schema, c *Candidate) string {
	if c.Expression == nil {
		return c.Utterance
	}
	i := 0
	return RenderTemplate(c.Expression.Parts, func(label string) string {
		p := c.Expression.Placeholders[i]
		i++
		if p.Type == GenericType && c.Specialization != nil {
			if slot, ok := schema.SlotByPath(c.Specialization.Frame, c.Specialization.Slot); ok {
				return slot.Trigger()
			}
		}
		for _, frame := range []string{c.OwnerFrame, c.ContextFrame} {
			if frame == "" {
				continue
			}
			if slot, ok := schema.SlotByPath(frame, label); ok {
				return slot.Trigger()
			}
		}
		return label
	})
}
