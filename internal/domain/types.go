package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Well-known names shared by the bundle compiler and the engine.
const (
	SystemPackage = "io.opencui.core"

	FrameDontCare            = "DontCare"
	FrameSlotUpdate          = "SlotUpdate"
	FrameConfirmation        = "Confirmation"
	FrameBoolGate            = "BoolGate"
	FrameHasMore             = "HasMore"
	FrameDoNotUnderstand     = "DoNotUnderstand"
	FrameIntentClarification = "IntentClarification"

	EntitySlotType = "SlotType"
	EntityBoolean  = "Boolean"
	TypeString     = "String"
	GenericType    = "T"

	LabelYes = "Yes"
	LabelNo  = "No"

	DefaultContext  = "default"
	DontCareContext = "__dontcare__"

	// DontCareValue is the JSON encoded sentinel carried by don't-care entity events.
	DontCareValue    = `"_DontCare"`
	PartialMatchNorm = "_partial_match"
)

type UnderstandRequest struct {
	Agent        string             `json:"agent"`
	SessionID    string             `json:"session_id,omitempty"`
	Utterance    string             `json:"utterance"`
	Expectations DialogExpectations `json:"expectations,omitempty"`
}

type UnderstandResponse struct {
	TurnID    string       `json:"turn_id"`
	Agent     string       `json:"agent"`
	Version   int64        `json:"version,omitempty"`
	Events    []FrameEvent `json:"events"`
	LatencyMS float64      `json:"latency_ms"`
}

// EntityEvent carries one slot value. Value is JSON text so consumers can
// round-trip typed values.
type EntityEvent struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
	Type      string `json:"type,omitempty"`
	IsLeaf    bool   `json:"isLeaf"`
}

type FrameEvent struct {
	Type        string        `json:"type"`
	PackageName string        `json:"packageName,omitempty"`
	Slots       []EntityEvent `json:"slots"`
	Frames      []FrameEvent  `json:"frames,omitempty"`
}

func NewFrameEvent(frameType, packageName string, slots ...EntityEvent) FrameEvent {
	if slots == nil {
		slots = []EntityEvent{}
	}
	return FrameEvent{Type: frameType, PackageName: packageName, Slots: slots}
}

func (e FrameEvent) Slot(attribute string) (EntityEvent, bool) {
	for _, s := range e.Slots {
		if s.Attribute == attribute {
			return s, true
		}
	}
	return EntityEvent{}, false
}

// JSONValue encodes v the way entity event values travel on the wire.
func JSONValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return string(b)
}

// VirtualType marks a value standing for the head slot of a nested frame
// rather than a terminal entity instance.
func VirtualType(t string) string {
	return t + ".Virtual"
}

func IsVirtualType(t string) bool {
	return strings.HasSuffix(t, ".Virtual")
}

// BooleanEventType names the event emitted for a boolean-status answer, e.g. Confirmation.Yes.
func BooleanEventType(kind, label string) string {
	return kind + "." + label
}

// TurnRecord is what the turn log keeps for each understood utterance.
type TurnRecord struct {
	TurnID       string
	Agent        string
	Version      int64
	SessionID    string
	Utterance    string
	Expectations DialogExpectations
	Events       []FrameEvent
	Latency      time.Duration
	CreatedAt    time.Time
}
