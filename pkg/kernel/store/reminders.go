package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dialogkernel/kernel/pkg/kernel/atomicfile"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

// ReadReminders loads ref's reminders.json, or an empty slice if absent.
// Reminders change only through the reminders scheduler's own cadence, an
// event rare enough that — like registry.yaml — it is written directly
// rather than through a write-back buffer.
func (s *Store) ReadReminders(ref Ref, status dialog.Status) ([]string, error) {
	path := s.layout.remindersPath(ref, status)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read reminders %s: %w", path, err)
	}
	var reminders []string
	if err := json.Unmarshal(data, &reminders); err != nil {
		return nil, fmt.Errorf("store: parse reminders %s: %w", path, err)
	}
	return reminders, nil
}

// WriteReminders atomically persists reminders for ref.
func (s *Store) WriteReminders(ref Ref, status dialog.Status, reminders []string) error {
	if reminders == nil {
		reminders = []string{}
	}
	data, err := json.MarshalIndent(reminders, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal reminders: %w", err)
	}
	return atomicfile.Write(s.layout.remindersPath(ref, status), data, 0o644)
}
