package model

import "github.com/pkg/errors"

// LabelMap is the bidirectional mapping between class ids and label names (id2label / label2id).
type LabelMap struct {
	names []string
	ids   map[string]int
}

// NewLabelMap creates a LabelMap where names[i] is the label of class id i.
// Names must be non-empty and unique.
func NewLabelMap(names []string) (*LabelMap, error) {
	if len(names) == 0 {
		return nil, errors.New("at least one label is required")
	}
	ids := make(map[string]int, len(names))
	for id, name := range names {
		if name == "" {
			return nil, errors.Errorf("label for id %d is empty", id)
		}
		if prev, found := ids[name]; found {
			return nil, errors.Errorf("label %q used by ids %d and %d", name, prev, id)
		}
		ids[name] = id
	}
	return &LabelMap{names: append([]string(nil), names...), ids: ids}, nil
}

// Len is the number of labels.
func (m *LabelMap) Len() int { return len(m.names) }

// Label returns the name of class id.
func (m *LabelMap) Label(id int) (string, bool) {
	if id < 0 || id >= len(m.names) {
		return "", false
	}
	return m.names[id], true
}

// ID returns the class id of label.
func (m *LabelMap) ID(label string) (int, bool) {
	id, found := m.ids[label]
	return id, found
}

// Names returns the labels ordered by id. The returned slice must not be modified.
func (m *LabelMap) Names() []string { return m.names }
