package domain

import (
	"errors"
	"fmt"
)

var ErrEmptyTopic = errors.New("dialog expectation topic has no entries")

// ExpectedSlot is one (frame, slot, allowDontCare) tuple the agent is listening for.
type ExpectedSlot struct {
	Frame         string `json:"frame"`
	Slot          string `json:"slot,omitempty"`
	AllowDontCare bool   `json:"allowDontCare,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
}

// ContextTag matches the tag exemplars are indexed under.
func (e ExpectedSlot) ContextTag() string {
	if e.Slot == "" {
		return e.Frame
	}
	return e.Frame + "#" + e.Slot
}

// DialogExpectation is one topic on the stack.
type DialogExpectation struct {
	Slots []ExpectedSlot `json:"slots"`
}

// DialogExpectations is ordered most recent topic first.
type DialogExpectations []DialogExpectation

func (d DialogExpectations) Validate() error {
	for i, topic := range d {
		if len(topic.Slots) == 0 {
			return fmt.Errorf("topic %d: %w", i, ErrEmptyTopic)
		}
	}
	return nil
}

func (d DialogExpectations) IsEmpty() bool {
	return len(d) == 0
}

// ActiveFrames flattens the topics, most recently touched first.
func (d DialogExpectations) ActiveFrames() []ExpectedSlot {
	var out []ExpectedSlot
	for _, topic := range d {
		out = append(out, topic.Slots...)
	}
	return out
}

// Expected returns the head of the active frames.
func (d DialogExpectations) Expected() (ExpectedSlot, bool) {
	for _, topic := range d {
		if len(topic.Slots) > 0 {
			return topic.Slots[0], true
		}
	}
	return ExpectedSlot{}, false
}

func (d DialogExpectations) IsFrameCompatible(frameType string) bool {
	for _, e := range d.ActiveFrames() {
		if e.Frame == frameType {
			return true
		}
	}
	return false
}

func (d DialogExpectations) AllowDontCare() bool {
	for _, e := range d.ActiveFrames() {
		if e.AllowDontCare {
			return true
		}
	}
	return false
}

// ContextTags lists the retrieval context filter: default plus one tag per
// active frame and frame#slot, plus the don't-care tag when any entry allows it.
func (d DialogExpectations) ContextTags() []string {
	tags := []string{DefaultContext}
	seen := map[string]bool{DefaultContext: true}
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	for _, e := range d.ActiveFrames() {
		add(e.Frame)
		add(e.ContextTag())
	}
	if d.AllowDontCare() {
		add(DontCareContext)
	}
	return tags
}
