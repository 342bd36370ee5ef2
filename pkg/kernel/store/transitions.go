package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

// MoveDialogStatus moves rootRef's entire on-disk tree from one status
// bucket to another: the destination directory is created first, every
// entry of the source directory is renamed into it, then the (now empty)
// source directory is removed — so the dialog is never discoverable
// under two statuses at once (kernel spec §4.6 "Status transitions").
// rootRef must address a root dialog; its subdialogs/ subtree moves with
// it as a single renamed entry.
func (s *Store) MoveDialogStatus(rootRef Ref, from, to dialog.Status) error {
	if !rootRef.IsRoot() {
		return fmt.Errorf("store: MoveDialogStatus called on non-root ref %s", rootRef.SelfID())
	}
	srcDir := s.layout.Dir(rootRef, from)
	dstDir := s.layout.Dir(rootRef, to)

	release := s.statusLocks.Acquire(rootRef.RootSelfID)
	defer release()

	if _, err := os.Stat(srcDir); err != nil {
		return fmt.Errorf("store: move %s: source missing: %w", srcDir, err)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("store: move: mkdir %s: %w", dstDir, err)
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("store: move: readdir %s: %w", srcDir, err)
	}
	for _, e := range entries {
		src := filepath.Join(srcDir, e.Name())
		dst := filepath.Join(dstDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("store: move %s -> %s: %w", src, dst, err)
		}
	}
	if err := os.Remove(srcDir); err != nil {
		return fmt.Errorf("store: move: cleanup source %s: %w", srcDir, err)
	}
	return nil
}

// MarkDialogCompleted moves rootRef from running to done and updates its
// Latest to runState=terminal{completed}.
func (s *Store) MarkDialogCompleted(rootRef Ref) error {
	if err := s.MutateLatest(rootRef, dialog.StatusRunning, func(cur dialog.Latest) (dialog.Latest, bool) {
		return cur.WithRunState(dialog.Terminal(dialog.TerminalCompleted)), true
	}); err != nil {
		return err
	}
	if err := s.FlushLatest(context.Background(), rootRef, dialog.StatusRunning); err != nil {
		return err
	}
	return s.MoveDialogStatus(rootRef, dialog.StatusRunning, dialog.StatusDone)
}

// Archive moves rootRef from done to archived and updates its Latest to
// runState=terminal{archived}.
func (s *Store) Archive(rootRef Ref) error {
	if err := s.MutateLatest(rootRef, dialog.StatusDone, func(cur dialog.Latest) (dialog.Latest, bool) {
		return cur.WithRunState(dialog.Terminal(dialog.TerminalArchived)), true
	}); err != nil {
		return err
	}
	if err := s.FlushLatest(context.Background(), rootRef, dialog.StatusDone); err != nil {
		return err
	}
	return s.MoveDialogStatus(rootRef, dialog.StatusDone, dialog.StatusArchived)
}

// Delete permanently removes rootRef's entire on-disk tree from status.
// There is no soft-delete: callers that want recoverability should Archive
// instead.
func (s *Store) Delete(rootRef Ref, status dialog.Status) error {
	release := s.statusLocks.Acquire(rootRef.RootSelfID)
	defer release()
	dir := s.layout.Dir(rootRef, status)
	return os.RemoveAll(dir)
}
