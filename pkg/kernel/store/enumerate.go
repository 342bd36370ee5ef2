package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

// DialogEntry is one dialog discovered by Enumerate.
type DialogEntry struct {
	Ref    Ref
	Status dialog.Status
	Meta   Meta
}

// Enumerate scans status's bucket for every dialog.yaml, root and
// subdialog alike, validating each one's id (kernel spec §4.6
// "Enumeration"). Root-id-to-directory mapping is inferred from the
// directory path itself (the segment directly under the status bucket is
// always the root's selfId, regardless of what characters that id
// contains, since it is a single path segment by construction).
func (s *Store) Enumerate(status dialog.Status) ([]DialogEntry, error) {
	root := s.layout.statusDir(status)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: enumerate %s: %w", root, err)
	}

	var out []DialogEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rootSelfID := e.Name()
		if err := s.walkDialogTree(status, rootSelfID, Ref{RootSelfID: rootSelfID}, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) walkDialogTree(status dialog.Status, rootSelfID string, ref Ref, out *[]DialogEntry) error {
	dir := s.layout.Dir(ref, status)
	metaPath := filepath.Join(dir, metaFile)
	if _, err := os.Stat(metaPath); err == nil {
		m, err := ReadMeta(metaPath, ref.IsRoot())
		if err != nil {
			return err
		}
		if m.ID.SelfID != ref.SelfID() {
			return fmt.Errorf("store: %s: dialog.yaml id %q does not match directory position %q", metaPath, m.ID.SelfID, ref.SelfID())
		}
		*out = append(*out, DialogEntry{Ref: ref, Status: status, Meta: m})
	}

	subdir := filepath.Join(dir, "subdialogs")
	children, err := os.ReadDir(subdir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: enumerate %s: %w", subdir, err)
	}
	for _, c := range children {
		if !c.IsDir() {
			continue
		}
		if err := s.walkDialogTree(status, rootSelfID, ref.Child(c.Name()), out); err != nil {
			return err
		}
	}
	return nil
}

// RootSelfIDFromPrefix infers which root a (possibly path-separator-
// containing) dialog id belongs to by walking prefix segments against the
// directories actually present under status — ids may themselves contain
// path separators, so the mapping cannot be done by naive splitting alone
// (kernel spec §4.6).
func (s *Store) RootSelfIDFromPrefix(status dialog.Status, candidateID string) (string, bool) {
	root := s.layout.statusDir(status)
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	best := ""
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if candidateID == name || strings.HasPrefix(candidateID, name+string(filepath.Separator)) {
			if len(name) > len(best) {
				best = name
			}
		}
	}
	if best == "" {
		return "", false
	}
	return best, true
}
