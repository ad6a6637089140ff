package index

import (
	"sort"
	"strings"

	"github.com/opencui/structi-sub001/internal/domain"
)

// Compile turns an exemplar into an expression: placeholders are typed
// against the owner frame, or against the context frame for partial
// applications, whose slots become entailed slots.
func Compile(schema *domain.Schema, id int, ex domain.Exemplar) *domain.Expression {
	expr := &domain.Expression{Exemplar: ex, ID: id, Parts: domain.ParseTemplate(ex.Template)}
	required := map[string]bool{}
	typed := make([]string, 0, len(expr.Parts))
	for _, p := range expr.Parts {
		if !p.Placeholder {
			typed = append(typed, strings.TrimSpace(p.Text))
			continue
		}
		t, ok := PlaceholderType(schema, ex.OwnerFrame, p.Text)
		if !ok && ex.ContextFrame != "" {
			if t, ok = PlaceholderType(schema, ex.ContextFrame, p.Text); ok {
				expr.EntailedSlots = append(expr.EntailedSlots, domain.EntailedSlot{Frame: ex.ContextFrame, Slot: p.Text, Type: t})
			}
		}
		if !ok {
			t = domain.TypeString
		}
		expr.Placeholders = append(expr.Placeholders, domain.Placeholder{Label: p.Text, Type: t})
		typed = append(typed, TypeToken(t))
		if t != domain.GenericType && t != domain.TypeString {
			required[t] = true
		}
	}
	expr.TypedExpression = strings.Join(typed, " ")
	for t := range required {
		expr.RequiredTypes = append(expr.RequiredTypes, t)
	}
	sort.Strings(expr.RequiredTypes)
	return expr
}

// PlaceholderType resolves the entity type a placeholder stands for. Slots
// typed by a frame resolve through that frame's head slot.
func PlaceholderType(schema *domain.Schema, frame, label string) (string, bool) {
	slot, ok := schema.SlotByPath(frame, label)
	if !ok {
		return "", false
	}
	t := slot.Type
	seen := map[string]bool{}
	for schema.IsFrameType(t) && !seen[t] {
		seen[t] = true
		f, _ := schema.Frame(t)
		head, ok := f.HeadSlot()
		if !ok {
			break
		}
		t = head.Type
	}
	return t, true
}

// TypeToken is the pseudo-term a typed placeholder is indexed under.
func TypeToken(entityType string) string {
	return "<" + entityType + ">"
}
