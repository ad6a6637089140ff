package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencui/structi-sub001/internal/agents"
	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/extractor"
	"github.com/opencui/structi-sub001/internal/index"
	"github.com/opencui/structi-sub001/internal/meta"
	"github.com/opencui/structi-sub001/internal/metrics"
	"github.com/opencui/structi-sub001/internal/nlu"
	"github.com/opencui/structi-sub001/internal/ranker"
	"github.com/opencui/structi-sub001/internal/recognizer"
)

var ErrInvalidRequest = errors.New("invalid understand request")

// RuntimeSource resolves the current runtime of an agent.
type RuntimeSource interface {
	Runtime(ctx context.Context, agent string) (*agents.Runtime, error)
}

// TurnLogger persists understood turns. Failures never fail the turn.
type TurnLogger interface {
	LogTurn(ctx context.Context, rec domain.TurnRecord) error
}

type Config struct {
	// SlotTimeout bounds one slot model call.
	SlotTimeout time.Duration
	// YesNoTimeout bounds one yes/no inference.
	YesNoTimeout time.Duration
}

type Service struct {
	cfg      Config
	runtimes RuntimeSource
	intent   nlu.IntentModel
	slot     nlu.SlotModel
	yesno    nlu.YesNoModel
	turns    TurnLogger
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New wires the engine. Any model may be nil; the engine then degrades to
// retrieval scores and recognizer-only extraction.
func New(
	cfg Config,
	runtimes RuntimeSource,
	intent nlu.IntentModel,
	slot nlu.SlotModel,
	yesno nlu.YesNoModel,
	turns TurnLogger,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if cfg.SlotTimeout <= 0 {
		cfg.SlotTimeout = 2 * time.Second
	}
	if cfg.YesNoTimeout <= 0 {
		cfg.YesNoTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		runtimes: runtimes,
		intent:   intent,
		slot:     slot,
		yesno:    yesno,
		turns:    turns,
		metrics:  m,
		logger:   logger,
	}
}

// Trace is the full state of one turn, for debugging tools.
type Trace struct {
	Tokens     []analyzer.Token    `json:"tokens"`
	Spans      domain.Spans        `json:"spans"`
	Retrieved  []domain.Candidate  `json:"retrieved"`
	Candidates []domain.Candidate  `json:"candidates"`
	Exact      bool                `json:"exact"`
	Possible   bool                `json:"possible"`
	Events     []domain.FrameEvent `json:"events"`
}

// Understand converts one utterance into frame events for the agent named
// in the request.
func (s *Service) Understand(ctx context.Context, req domain.UnderstandRequest) (domain.UnderstandResponse, error) {
	if strings.TrimSpace(req.Agent) == "" {
		return domain.UnderstandResponse{}, fmt.Errorf("%w: agent is required", ErrInvalidRequest)
	}
	rt, err := s.runtimes.Runtime(ctx, req.Agent)
	if err != nil {
		return domain.UnderstandResponse{}, err
	}
	return s.UnderstandWith(ctx, rt, req)
}

// UnderstandWith runs a turn against an explicit runtime.
func (s *Service) UnderstandWith(ctx context.Context, rt *agents.Runtime, req domain.UnderstandRequest) (domain.UnderstandResponse, error) {
	start := time.Now()
	trace, err := s.Analyze(ctx, rt, req.Utterance, req.Expectations)
	if err != nil {
		return domain.UnderstandResponse{}, err
	}
	elapsed := time.Since(start)
	resp := domain.UnderstandResponse{
		TurnID:    uuid.NewString(),
		Agent:     rt.Agent,
		Version:   rt.Version,
		Events:    trace.Events,
		LatencyMS: float64(elapsed.Microseconds()) / 1000,
	}
	s.metrics.ObserveTurn(rt.Agent, trace.Events[0].Type, elapsed)
	if s.turns != nil {
		rec := domain.TurnRecord{
			TurnID:       resp.TurnID,
			Agent:        rt.Agent,
			Version:      rt.Version,
			SessionID:    req.SessionID,
			Utterance:    req.Utterance,
			Expectations: req.Expectations,
			Events:       resp.Events,
			Latency:      elapsed,
			CreatedAt:    start,
		}
		if err := s.turns.LogTurn(ctx, rec); err != nil {
			s.logger.Warn("turn log write failed", "agent", rt.Agent, "turn_id", resp.TurnID, "error", err)
		}
	}
	return resp, nil
}

// Analyze runs the pipeline and keeps every intermediate result. Events is
// never empty on success.
func (s *Service) Analyze(ctx context.Context, rt *agents.Runtime, utterance string, exps domain.DialogExpectations) (*Trace, error) {
	if err := exps.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	t := &turn{
		s:         s,
		rt:        rt,
		ctx:       ctx,
		utterance: utterance,
		exps:      exps,
		futures:   map[string]*slotFuture{},
	}
	defer t.drain()

	trace := &Trace{}
	start := time.Now()
	t.tokens = rt.Analyzer.Tokenize(utterance)
	spans, err := rt.Recognizers.Recognize(ctx, recognizer.Input{
		Lang:     rt.Lang,
		Text:     utterance,
		Tokens:   t.tokens,
		Expected: t.expectedTypes(),
	})
	if err != nil {
		return nil, err
	}
	t.spans = spans
	recognizeDone := time.Now()

	retrieved := rt.Index.Search(index.Query{
		Utterance:    utterance,
		Tokens:       t.tokens,
		Spans:        spans,
		Expectations: exps,
	})
	retrieveDone := time.Now()
	if target := t.likelyFrame(retrieved); target != "" {
		t.future(target)
	}

	exact, possible := rt.Exact.MatchAll(t.tokens, spans, retrieved)
	resolved, err := rt.Resolver.Resolve(retrieved, spans, exps)
	if err != nil {
		return nil, err
	}

	switch {
	case exact:
		t.cands = ranker.Best(keep(resolved, func(c domain.Candidate) bool { return c.ExactMatch }), 0)
	case possible:
		t.cands = ranker.Best(keep(resolved, func(c domain.Candidate) bool { return c.PossibleExactMatch }), 0)
	default:
		r := ranker.New(rt.Schema, s.intent, rt.Tuning.IntentThreshold, s.logger)
		t.cands = r.Rank(ctx, rt.Lang, utterance, spans, resolved)
	}
	rankDone := time.Now()

	events, err := t.decide()
	if err != nil {
		return nil, err
	}

	trace.Tokens = t.tokens
	trace.Spans = spans
	trace.Retrieved = retrieved
	trace.Candidates = t.cands
	trace.Exact = exact
	trace.Possible = possible
	trace.Events = events

	s.logger.Info("understand timing",
		"agent", rt.Agent,
		"recognize_ms", recognizeDone.Sub(start).Milliseconds(),
		"retrieve_ms", retrieveDone.Sub(recognizeDone).Milliseconds(),
		"rank_ms", rankDone.Sub(retrieveDone).Milliseconds(),
		"decide_ms", time.Since(rankDone).Milliseconds(),
		"total_ms", time.Since(start).Milliseconds(),
		"retrieved", len(retrieved),
		"candidates", len(t.cands),
		"exact", exact,
		"outcome", events[0].Type,
	)
	return trace, nil
}

type turn struct {
	s         *Service
	rt        *agents.Runtime
	ctx       context.Context
	utterance string
	tokens    []analyzer.Token
	spans     domain.Spans
	exps      domain.DialogExpectations
	cands     []domain.Candidate
	futures   map[string]*slotFuture
}

// decide applies the priority chain to the ranked candidates.
func (t *turn) decide() ([]domain.FrameEvent, error) {
	if !t.exps.IsEmpty() && t.consultExpectations() {
		events, err := t.expectationBranch()
		if err != nil || len(events) > 0 {
			return events, err
		}
	}

	switch len(t.cands) {
	case 0:
		return []domain.FrameEvent{t.systemEvent(domain.FrameDoNotUnderstand)}, nil
	case 1:
		return t.single(t.cands[0])
	default:
		return []domain.FrameEvent{t.clarification()}, nil
	}
}

// consultExpectations holds unless the turn produced exactly one user frame
// the dialog was not already talking about.
func (t *turn) consultExpectations() bool {
	if len(t.cands) != 1 {
		return true
	}
	c := t.cands[0]
	if t.isSystem(c.OwnerFrame) {
		return true
	}
	return t.exps.IsFrameCompatible(c.OwnerFrame)
}

func (t *turn) expectationBranch() ([]domain.FrameEvent, error) {
	top, _ := t.exps.Expected()
	if f, ok := t.rt.Schema.Frame(top.Frame); ok && f.Kind == domain.FrameKindBoolStatus {
		if ev, ok := t.booleanAnswer(f, top); ok {
			return []domain.FrameEvent{ev}, nil
		}
		return nil, nil
	}

	var best *domain.Candidate
	if len(t.cands) > 0 {
		best = &t.cands[0]
	}
	if best != nil && best.OwnerFrame == domain.FrameDontCare {
		if ev, ok := t.dontCare(); ok {
			return []domain.FrameEvent{ev}, nil
		}
	}
	if best != nil && best.OwnerFrame == domain.FrameSlotUpdate {
		events, err := t.slotUpdate(best)
		if err != nil || len(events) > 0 {
			return events, err
		}
	}

	seen := map[string]bool{}
	for i, e := range t.exps.ActiveFrames() {
		if seen[e.Frame] || t.isSystem(e.Frame) {
			continue
		}
		seen[e.Frame] = true
		req := extractor.Request{Frame: e.Frame}
		if i == 0 {
			req.ExpectedSlot = e.Slot
		}
		if best != nil && best.OwnerFrame == e.Frame {
			req.Candidate = best
			req.Overrides = overrides(best)
		}
		events, err := t.extract(req)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
	}

	if top.Slot != "" {
		if slot, ok := t.rt.Schema.SlotByPath(top.Frame, top.Slot); ok && slot.Type == domain.TypeString {
			return []domain.FrameEvent{t.verbatim(top)}, nil
		}
	}
	return nil, nil
}

// booleanAnswer resolves a yes/no question by label, then by a recognized
// Boolean mention, then by the yes/no model.
func (t *turn) booleanAnswer(f *domain.FrameMeta, top domain.ExpectedSlot) (domain.FrameEvent, bool) {
	label, ok := t.rt.Compiled.BooleanLabel(f.Type, t.tokens)
	if !ok {
		for _, c := range t.cands {
			if c.OwnerFrame == f.Type && c.Label != "" {
				label, ok = c.Label, true
				break
			}
		}
	}
	if !ok {
		label, ok = t.booleanMention()
	}
	if !ok && t.s.yesno != nil {
		label, ok = t.askYesNo(top)
	}
	if !ok {
		return domain.FrameEvent{}, false
	}
	return domain.NewFrameEvent(domain.BooleanEventType(f.Type, label), f.PackageName), true
}

func (t *turn) booleanMention() (string, bool) {
	values := map[string]bool{}
	for _, s := range t.spans.Full(domain.EntityBoolean) {
		values[s.Norm] = true
	}
	if len(values) != 1 {
		return "", false
	}
	switch {
	case values[meta.BooleanTrue]:
		return domain.LabelYes, true
	case values[meta.BooleanFalse]:
		return domain.LabelNo, true
	}
	return "", false
}

func (t *turn) askYesNo(top domain.ExpectedSlot) (string, bool) {
	ctx, cancel := context.WithTimeout(t.ctx, t.s.cfg.YesNoTimeout)
	defer cancel()
	answer, err := t.s.yesno.YesNoInference(ctx, t.utterance, top.Prompt)
	if err != nil {
		t.s.logger.Warn("yes/no inference failed", "agent", t.rt.Agent, "frame", top.Frame, "error", err)
		return "", false
	}
	switch answer {
	case domain.Affirmative:
		return domain.LabelYes, true
	case domain.Negative:
		return domain.LabelNo, true
	}
	return "", false
}

// dontCare answers the first active expectation that accepts don't-care.
func (t *turn) dontCare() (domain.FrameEvent, bool) {
	for _, e := range t.exps.ActiveFrames() {
		if !e.AllowDontCare || e.Slot == "" {
			continue
		}
		f, ok := t.rt.Schema.Frame(e.Frame)
		if !ok {
			continue
		}
		slot, ok := t.rt.Schema.SlotByPath(e.Frame, e.Slot)
		if !ok {
			continue
		}
		return domain.NewFrameEvent(e.Frame, f.PackageName, domain.EntityEvent{
			Attribute: e.Slot,
			Value:     domain.DontCareValue,
			Type:      slot.Type,
			IsLeaf:    true,
		}), true
	}
	return domain.FrameEvent{}, false
}

// slotUpdate locates the slot being changed and extracts the old and new
// values typed after it.
func (t *turn) slotUpdate(c *domain.Candidate) ([]domain.FrameEvent, error) {
	target, ok := t.updateTarget(c)
	if !ok {
		return nil, nil
	}
	req := extractor.Request{
		Frame:     domain.FrameSlotUpdate,
		Candidate: c,
		Overrides: map[string]string{
			meta.SlotUpdateOld: target.Type,
			meta.SlotUpdateNew: target.Type,
		},
		ExpectedSlot: meta.SlotUpdateNew,
	}
	events, err := t.extract(req)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		events = []domain.FrameEvent{t.systemEvent(domain.FrameSlotUpdate)}
	}
	// The extracted slot name may belong to an inactive frame sharing the
	// trigger; the target already resolved it against the active frames.
	original := domain.EntityEvent{
		Attribute: meta.SlotUpdateOriginal,
		Value:     domain.JSONValue(domain.SlotTypeID(target.Frame, target.Slot)),
		Type:      domain.EntitySlotType,
		IsLeaf:    true,
	}
	slots := []domain.EntityEvent{original}
	for _, s := range events[0].Slots {
		if s.Attribute != meta.SlotUpdateOriginal {
			slots = append(slots, s)
		}
	}
	events[0].Slots = slots
	return events, nil
}

func (t *turn) updateTarget(c *domain.Candidate) (domain.Specialization, bool) {
	named := t.spans.Full(domain.EntitySlotType)
	for _, e := range t.exps.ActiveFrames() {
		for _, s := range named {
			frame, slot, ok := domain.ParseSlotTypeID(s.Norm)
			if !ok || frame != e.Frame {
				continue
			}
			if typ, ok := index.PlaceholderType(t.rt.Schema, frame, slot); ok {
				return domain.Specialization{Frame: frame, Slot: slot, Type: typ}, true
			}
		}
	}
	if c.Specialization != nil {
		return *c.Specialization, true
	}
	if top, ok := t.exps.Expected(); ok && top.Slot != "" {
		if slot, ok := t.rt.Schema.SlotByPath(top.Frame, top.Slot); ok {
			return domain.Specialization{Frame: top.Frame, Slot: top.Slot, Type: slot.Type}, true
		}
	}
	return domain.Specialization{}, false
}

func (t *turn) verbatim(top domain.ExpectedSlot) domain.FrameEvent {
	pkg := ""
	if f, ok := t.rt.Schema.Frame(top.Frame); ok {
		pkg = f.PackageName
	}
	return domain.NewFrameEvent(top.Frame, pkg, domain.EntityEvent{
		Attribute: top.Slot,
		Value:     domain.JSONValue(t.utterance),
		Type:      domain.TypeString,
		IsLeaf:    true,
	})
}

// single turns the one surviving candidate into events, filling its slots.
func (t *turn) single(c domain.Candidate) ([]domain.FrameEvent, error) {
	req := extractor.Request{Frame: c.OwnerFrame, Candidate: &c, Overrides: overrides(&c)}
	if top, ok := t.exps.Expected(); ok && top.Frame == c.OwnerFrame {
		req.ExpectedSlot = top.Slot
	}
	events, err := t.extract(req)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		pkg := ""
		if f, ok := t.rt.Schema.Frame(c.OwnerFrame); ok {
			pkg = f.PackageName
		}
		events = []domain.FrameEvent{domain.NewFrameEvent(c.OwnerFrame, pkg)}
	}
	return t.mergeEntailed(events, c), nil
}

// mergeEntailed adds slots a partial-application template implies for its
// context frame.
func (t *turn) mergeEntailed(events []domain.FrameEvent, c domain.Candidate) []domain.FrameEvent {
	for _, es := range c.EntailedSlots {
		span, ok := t.entailedSpan(es.Type)
		if !ok {
			continue
		}
		value := domain.JSONValue(span.Value)
		if v, ok := t.rt.Recognizers.Normalize(span); ok {
			value = v
		}
		ev := domain.EntityEvent{Attribute: es.Slot, Value: value, Type: span.Type, IsLeaf: span.Leaf}

		idx := -1
		for i := range events {
			if events[i].Type == c.OwnerFrame || events[i].Type == es.Frame {
				idx = i
				break
			}
		}
		if idx < 0 {
			pkg := ""
			if f, ok := t.rt.Schema.Frame(es.Frame); ok {
				pkg = f.PackageName
			}
			events = append(events, domain.NewFrameEvent(es.Frame, pkg))
			idx = len(events) - 1
		}
		if _, exists := events[idx].Slot(es.Slot); !exists {
			events[idx].Slots = append(events[idx].Slots, ev)
		}
	}
	return events
}

func (t *turn) entailedSpan(want string) (domain.Span, bool) {
	if spans := t.spans.Full(want); len(spans) > 0 {
		return spans[0], true
	}
	for typ := range t.spans {
		if typ != want && t.rt.Schema.IsAssignable(want, typ) {
			if spans := t.spans.Full(typ); len(spans) > 0 {
				return spans[0], true
			}
		}
	}
	return domain.Span{}, false
}

func (t *turn) clarification() domain.FrameEvent {
	ev := t.systemEvent(domain.FrameIntentClarification)
	ev.Slots = append(ev.Slots, domain.EntityEvent{
		Attribute: meta.ClarificationUtterance,
		Value:     domain.JSONValue(t.utterance),
		Type:      domain.TypeString,
		IsLeaf:    true,
	})
	for _, c := range t.cands {
		pkg := ""
		if f, ok := t.rt.Schema.Frame(c.OwnerFrame); ok {
			pkg = f.PackageName
		}
		ev.Frames = append(ev.Frames, domain.NewFrameEvent(c.OwnerFrame, pkg))
	}
	return ev
}

func (t *turn) extract(req extractor.Request) ([]domain.FrameEvent, error) {
	req.Utterance = t.utterance
	req.Tokens = t.tokens
	req.Spans = t.spans
	req.Prediction = t.prediction(req.Frame)
	return t.rt.Extractor.Extract(req)
}

func (t *turn) systemEvent(frame string) domain.FrameEvent {
	return domain.NewFrameEvent(frame, domain.SystemPackage)
}

func (t *turn) isSystem(frame string) bool {
	f, ok := t.rt.Schema.Frame(frame)
	return ok && f.IsSystem()
}

// likelyFrame guesses which frame extraction will target so its slot model
// call can start early.
func (t *turn) likelyFrame(retrieved []domain.Candidate) string {
	if top, ok := t.exps.Expected(); ok && !t.isSystem(top.Frame) {
		return top.Frame
	}
	for _, c := range retrieved {
		if !t.isSystem(c.OwnerFrame) {
			return c.OwnerFrame
		}
	}
	return ""
}

func (t *turn) expectedTypes() []string {
	var out []string
	seen := map[string]bool{}
	for _, e := range t.exps.ActiveFrames() {
		if e.Slot == "" {
			continue
		}
		if slot, ok := t.rt.Schema.SlotByPath(e.Frame, e.Slot); ok && !seen[slot.Type] {
			seen[slot.Type] = true
			out = append(out, slot.Type)
		}
	}
	return out
}

// overrides specializes the generic slots a candidate's placeholders name.
func overrides(c *domain.Candidate) map[string]string {
	if c == nil || c.Specialization == nil || c.Expression == nil {
		return nil
	}
	out := map[string]string{}
	for _, p := range c.Expression.Placeholders {
		if p.Type == domain.GenericType {
			out[p.Label] = c.Specialization.Type
		}
	}
	return out
}

func keep(cands []domain.Candidate, pred func(domain.Candidate) bool) []domain.Candidate {
	var out []domain.Candidate
	for _, c := range cands {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}
