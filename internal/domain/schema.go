package domain

import (
	"sort"
	"strings"
)

// FrameKind tags frames the state tracker treats specially.
type FrameKind string

const (
	FrameKindUser       FrameKind = "user"
	FrameKindSystem     FrameKind = "system"
	FrameKindBoolStatus FrameKind = "bool_status"
	FrameKindDontCare   FrameKind = "dont_care"
	FrameKindSlotUpdate FrameKind = "slot_update"
)

// Recognizer names as referenced by EntityMeta.Recognizers.
const (
	RecognizerList       = "list"
	RecognizerPattern    = "pattern"
	RecognizerNormalizer = "normalizer"
)

type SlotMeta struct {
	Label      string   `yaml:"label" json:"label"`
	Type       string   `yaml:"type" json:"type"`
	Triggers   []string `yaml:"triggers" json:"triggers,omitempty"`
	MultiValue bool     `yaml:"multi_value" json:"multiValue,omitempty"`
	IsHead     bool     `yaml:"head" json:"isHead,omitempty"`
	Parent     string   `yaml:"parent" json:"parent,omitempty"`
	Prefixes   []string `yaml:"prefixes" json:"prefixes,omitempty"`
	Suffixes   []string `yaml:"suffixes" json:"suffixes,omitempty"`
	Prompt     string   `yaml:"prompt" json:"prompt,omitempty"`
}

// Trigger is the representative phrase used when rendering probes.
func (s SlotMeta) Trigger() string {
	for _, t := range s.Triggers {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return s.Label
}

func (s SlotMeta) IsGeneric() bool {
	return s.Type == GenericType
}

type FrameMeta struct {
	Type        string     `yaml:"type" json:"type"`
	PackageName string     `yaml:"package" json:"packageName,omitempty"`
	Kind        FrameKind  `yaml:"kind" json:"kind,omitempty"`
	Triggers    []string   `yaml:"triggers" json:"triggers,omitempty"`
	Slots       []SlotMeta `yaml:"slots" json:"slots,omitempty"`
}

func (f *FrameMeta) Slot(label string) (SlotMeta, bool) {
	for _, s := range f.Slots {
		if s.Label == label {
			return s, true
		}
	}
	return SlotMeta{}, false
}

func (f *FrameMeta) HeadSlot() (SlotMeta, bool) {
	for _, s := range f.Slots {
		if s.IsHead {
			return s, true
		}
	}
	return SlotMeta{}, false
}

func (f *FrameMeta) IsSystem() bool {
	return f.Kind != "" && f.Kind != FrameKindUser
}

type EntityInstance struct {
	Label       string   `yaml:"label" json:"label"`
	Expressions []string `yaml:"expressions" json:"expressions,omitempty"`
}

type EntityMeta struct {
	Type        string           `yaml:"type" json:"type"`
	Recognizers []string         `yaml:"recognizers" json:"recognizers,omitempty"`
	Parent      string           `yaml:"parent" json:"parent,omitempty"`
	Children    []string         `yaml:"children" json:"children,omitempty"`
	Expressions []string         `yaml:"expressions" json:"expressions,omitempty"`
	Instances   []EntityInstance `yaml:"instances" json:"instances,omitempty"`
	Pattern     string           `yaml:"pattern" json:"pattern,omitempty"`
	Dim         string           `yaml:"dim" json:"dim,omitempty"`
}

func (e *EntityMeta) UsesRecognizer(name string) bool {
	for _, r := range e.Recognizers {
		if r == name {
			return true
		}
	}
	return false
}

// Schema is the compiled, read-only view of an agent's frames and entities.
type Schema struct {
	Frames   map[string]*FrameMeta
	Entities map[string]*EntityMeta
}

func NewSchema(frames []FrameMeta, entities []EntityMeta) *Schema {
	s := &Schema{
		Frames:   make(map[string]*FrameMeta, len(frames)),
		Entities: make(map[string]*EntityMeta, len(entities)),
	}
	for i := range frames {
		f := frames[i]
		s.Frames[f.Type] = &f
	}
	for i := range entities {
		e := entities[i]
		s.Entities[e.Type] = &e
	}
	// Parent links are authoritative; children lists are derived from them.
	for _, e := range s.Entities {
		if e.Parent == "" {
			continue
		}
		if p, ok := s.Entities[e.Parent]; ok && !contains(p.Children, e.Type) {
			p.Children = append(p.Children, e.Type)
		}
	}
	for _, e := range s.Entities {
		sort.Strings(e.Children)
	}
	return s
}

func (s *Schema) Frame(frameType string) (*FrameMeta, bool) {
	f, ok := s.Frames[frameType]
	return f, ok
}

func (s *Schema) Entity(entityType string) (*EntityMeta, bool) {
	e, ok := s.Entities[entityType]
	return e, ok
}

func (s *Schema) IsFrameType(t string) bool {
	_, ok := s.Frames[t]
	return ok
}

// Ancestors returns the strict ancestors of an entity type, nearest first.
func (s *Schema) Ancestors(entityType string) []string {
	var out []string
	seen := map[string]bool{entityType: true}
	cur := entityType
	for {
		e, ok := s.Entities[cur]
		if !ok || e.Parent == "" || seen[e.Parent] {
			return out
		}
		out = append(out, e.Parent)
		seen[e.Parent] = true
		cur = e.Parent
	}
}

// IsInternalNode reports whether the type has children in the taxonomy.
func (s *Schema) IsInternalNode(entityType string) bool {
	e, ok := s.Entities[entityType]
	return ok && len(e.Children) > 0
}

// IsAssignable reports whether a value of type got can fill a slot declared as want.
func (s *Schema) IsAssignable(want, got string) bool {
	if want == got {
		return true
	}
	for _, a := range s.Ancestors(got) {
		if a == want {
			return true
		}
	}
	return false
}

// SlotMap returns the frame's slots plus nested head slots flattened under
// dotted labels, e.g. "destination.city".
func (s *Schema) SlotMap(frameType string) []SlotMeta {
	f, ok := s.Frames[frameType]
	if !ok {
		return nil
	}
	var out []SlotMeta
	s.collectSlots(f, "", frameType, map[string]bool{frameType: true}, &out)
	return out
}

func (s *Schema) collectSlots(f *FrameMeta, prefix, parent string, visiting map[string]bool, out *[]SlotMeta) {
	for _, slot := range f.Slots {
		label := slot.Label
		if prefix != "" {
			label = prefix + "." + slot.Label
		}
		nested, isFrame := s.Frames[slot.Type]
		if !isFrame {
			cp := slot
			cp.Label = label
			if cp.Parent == "" {
				cp.Parent = parent
			}
			*out = append(*out, cp)
			continue
		}
		if visiting[nested.Type] {
			continue
		}
		head, ok := nested.HeadSlot()
		if !ok {
			continue
		}
		visiting[nested.Type] = true
		if _, headIsFrame := s.Frames[head.Type]; headIsFrame {
			s.collectSlots(&FrameMeta{Type: nested.Type, Slots: []SlotMeta{head}}, label, nested.Type, visiting, out)
		} else {
			cp := head
			cp.Label = label + "." + head.Label
			cp.Parent = nested.Type
			if len(cp.Triggers) == 0 {
				cp.Triggers = slot.Triggers
			}
			cp.MultiValue = slot.MultiValue
			*out = append(*out, cp)
		}
		delete(visiting, nested.Type)
	}
}

// SlotByPath resolves a possibly dotted slot label against the frame.
func (s *Schema) SlotByPath(frameType, path string) (SlotMeta, bool) {
	for _, slot := range s.SlotMap(frameType) {
		if slot.Label == path {
			return slot, true
		}
	}
	f, ok := s.Frames[frameType]
	if !ok {
		return SlotMeta{}, false
	}
	return f.Slot(path)
}

// NestedFrameType walks a dotted path through slot types and returns the frame
// type owning the last segment. An empty path resolves to frameType itself.
func (s *Schema) NestedFrameType(frameType, path string) (string, bool) {
	cur := frameType
	if path == "" {
		return cur, true
	}
	for _, seg := range strings.Split(path, ".") {
		f, ok := s.Frames[cur]
		if !ok {
			return "", false
		}
		slot, ok := f.Slot(seg)
		if !ok || !s.IsFrameType(slot.Type) {
			return "", false
		}
		cur = slot.Type
	}
	return cur, true
}

// SlotTypeID is the instance label of the synthesized SlotType entity.
func SlotTypeID(frameType, slotLabel string) string {
	return frameType + "#" + slotLabel
}

func ParseSlotTypeID(id string) (frameType, slotLabel string, ok bool) {
	i := strings.Index(id, "#")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
