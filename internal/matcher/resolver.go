package matcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/index"
)

// ErrUnsupported is returned when one utterance names several distinct slots
// for the same generic placeholder.
var ErrUnsupported = errors.New("generic slot type resolved to several distinct slots")

// Resolver specializes candidates whose template carries a generic
// placeholder, using recognized slot-type mentions.
type Resolver struct {
	schema *domain.Schema
}

func NewResolver(schema *domain.Schema) *Resolver {
	return &Resolver{schema: schema}
}

func (r *Resolver) Resolve(cands []domain.Candidate, spans domain.Spans, exps domain.DialogExpectations) ([]domain.Candidate, error) {
	var out []domain.Candidate
	for _, c := range cands {
		if c.Expression == nil || !c.Expression.HasGeneric() || c.Specialization != nil {
			out = append(out, c)
			continue
		}
		targets, err := r.targets(spans, exps)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", c.Template(), err)
		}
		if len(targets) == 0 {
			out = append(out, c)
			continue
		}
		for _, t := range targets {
			out = append(out, r.specialize(c, t))
		}
	}
	return out, nil
}

// targets lists the compatible slots named by SlotType mentions. Several
// slots at one range are alternatives; distinct slots at different ranges
// are unsupported.
func (r *Resolver) targets(spans domain.Spans, exps domain.DialogExpectations) ([]domain.Specialization, error) {
	byRange := map[[2]int]map[string]domain.Specialization{}
	for _, s := range spans.Full(domain.EntitySlotType) {
		frame, slot, ok := domain.ParseSlotTypeID(s.Norm)
		if !ok {
			continue
		}
		if !exps.IsEmpty() && !exps.IsFrameCompatible(frame) {
			continue
		}
		t, ok := index.PlaceholderType(r.schema, frame, slot)
		if !ok {
			continue
		}
		key := [2]int{s.Start, s.End}
		if byRange[key] == nil {
			byRange[key] = map[string]domain.Specialization{}
		}
		byRange[key][s.Norm] = domain.Specialization{Frame: frame, Slot: slot, Type: t}
	}
	if len(byRange) == 0 {
		return nil, nil
	}

	var signature string
	var chosen map[string]domain.Specialization
	for _, group := range byRange {
		ids := make([]string, 0, len(group))
		for id := range group {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sig := strings.Join(ids, ",")
		if chosen != nil && sig != signature {
			return nil, ErrUnsupported
		}
		signature, chosen = sig, group
	}

	ids := strings.Split(signature, ",")
	out := make([]domain.Specialization, 0, len(ids))
	for _, id := range ids {
		out = append(out, chosen[id])
	}
	return out, nil
}

func (r *Resolver) specialize(c domain.Candidate, s domain.Specialization) domain.Candidate {
	spec := s
	c.Specialization = &spec
	c.TypedExpression = strings.ReplaceAll(c.TypedExpression, index.TypeToken(domain.GenericType), index.TypeToken(s.Type))
	c.RequiredTypes = append([]string(nil), c.RequiredTypes...)
	c.Probe = domain.BuildProbe(r.schema, &c)
	return c
}
