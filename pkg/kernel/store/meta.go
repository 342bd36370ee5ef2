package store

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/dialogkernel/kernel/pkg/kernel/atomicfile"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

// Meta is the persisted dialog.yaml root/subdialog metadata record.
type Meta struct {
	ID        dialog.Id              `yaml:"id"`
	AgentID   string                 `yaml:"agentId"`
	TaskDoc   string                 `yaml:"taskDoc,omitempty"`
	CreatedAt time.Time              `yaml:"createdAt"`
	Settings  dialog.Settings        `yaml:"settings"`

	// Assignment is set only for subdialogs (kernel spec §3 "RootDialog
	// vs SubDialog").
	Assignment *dialog.AssignmentFromSup `yaml:"assignmentFromSup,omitempty"`
}

// ReadMeta loads and validates a dialog.yaml. root, when true, requires
// id.SelfID == id.RootID; a mismatch is a hard error (kernel spec §4.11
// "must be root").
func ReadMeta(path string, requireRoot bool) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, fmt.Errorf("store: read %s: %w", path, err)
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Meta{}, fmt.Errorf("store: parse %s: %w", path, err)
	}
	if requireRoot && !m.ID.IsRoot() {
		return Meta{}, fmt.Errorf("store: %s: expected a root dialog, got selfId=%s rootId=%s", path, m.ID.SelfID, m.ID.RootID)
	}
	return m, nil
}

// WriteMeta atomically persists m to path.
func WriteMeta(path string, m Meta) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal meta: %w", err)
	}
	return atomicfile.Write(path, data, 0o644)
}

// WriteMeta persists root/subdialog metadata for ref under status.
func (s *Store) WriteMeta(ref Ref, status dialog.Status, m Meta) error {
	return WriteMeta(s.layout.metaPath(ref, status), m)
}

// ReadMeta loads metadata for ref under status.
func (s *Store) ReadMeta(ref Ref, status dialog.Status) (Meta, error) {
	return ReadMeta(s.layout.metaPath(ref, status), ref.IsRoot())
}
