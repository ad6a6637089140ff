package orchestrator

import (
	"context"

	"github.com/opencui/structi-sub001/internal/extractor"
	"github.com/opencui/structi-sub001/internal/nlu"
)

// slotFuture is an in-flight slot model call for one frame.
type slotFuture struct {
	done   chan struct{}
	result *nlu.UnifiedResult
}

func resolved(res *nlu.UnifiedResult) *slotFuture {
	f := &slotFuture{done: make(chan struct{}), result: res}
	close(f.done)
	return f
}

func (f *slotFuture) await(ctx context.Context) *nlu.UnifiedResult {
	select {
	case <-f.done:
		return f.result
	case <-ctx.Done():
		return nil
	}
}

// future starts, or returns the already started, slot prediction for frame.
// Single-token utterances skip the model.
func (t *turn) future(frame string) *slotFuture {
	if f, ok := t.futures[frame]; ok {
		return f
	}
	probes := extractor.Probes(t.rt.Extractor.Slots(frame, nil))
	if t.s.slot == nil || len(t.tokens) <= 1 || len(probes) == 0 {
		f := resolved(nil)
		t.futures[frame] = f
		return f
	}

	f := &slotFuture{done: make(chan struct{})}
	t.futures[frame] = f
	ctx, cancel := context.WithTimeout(t.ctx, t.s.cfg.SlotTimeout)
	go func() {
		defer close(f.done)
		defer cancel()
		res, err := t.s.slot.PredictSlot(ctx, t.rt.Lang, t.utterance, probes)
		if err != nil {
			t.s.logger.Warn("slot model unavailable, using recognizers only", "agent", t.rt.Agent, "frame", frame, "error", err)
			return
		}
		f.result = res
	}()
	return f
}

func (t *turn) prediction(frame string) *nlu.UnifiedResult {
	return t.future(frame).await(t.ctx)
}

// drain waits for every started call so no goroutine outlives the turn.
func (t *turn) drain() {
	for _, f := range t.futures {
		<-f.done
	}
}
