package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dialogkernel/kernel/pkg/kernel/atomicfile"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

func (s *Store) pendingKey(ref Ref, status dialog.Status) string {
	return s.layout.pendingPath(ref, status)
}

func (s *Store) readPending(key string) (any, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		if os.IsNotExist(err) {
			return []dialog.PendingSubdialog(nil), nil
		}
		return nil, err
	}
	var ps []dialog.PendingSubdialog
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("store: parse pending-subdialogs.json %s: %w", key, err)
	}
	return ps, nil
}

func (s *Store) flushPending(ctx context.Context, key string, state any) error {
	start := time.Now()
	ps, _ := state.([]dialog.PendingSubdialog)
	if ps == nil {
		ps = []dialog.PendingSubdialog{}
	}
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return err
	}
	err = atomicfile.Write(key, data, 0o644)
	s.telemetry.RecordWritebackFlush(ctx, time.Since(start))
	return err
}

// AddPendingSubdialog records a new uncompleted subdialog ref is waiting on.
func (s *Store) AddPendingSubdialog(ref Ref, status dialog.Status, p dialog.PendingSubdialog) error {
	key := s.pendingKey(ref, status)
	return s.pendingWB.Mutate(key, func(cur any) (any, bool) {
		existing, _ := cur.([]dialog.PendingSubdialog)
		next := append(append([]dialog.PendingSubdialog{}, existing...), p)
		return next, true
	})
}

// RemovePendingSubdialog removes the pending entry for subdialogID, once
// its response has been delivered.
func (s *Store) RemovePendingSubdialog(ref Ref, status dialog.Status, subdialogID string) error {
	key := s.pendingKey(ref, status)
	return s.pendingWB.Mutate(key, func(cur any) (any, bool) {
		existing, _ := cur.([]dialog.PendingSubdialog)
		next := make([]dialog.PendingSubdialog, 0, len(existing))
		removed := false
		for _, p := range existing {
			if p.SubdialogID == subdialogID {
				removed = true
				continue
			}
			next = append(next, p)
		}
		return next, removed
	})
}

// ReadPendingSubdialogs returns ref's currently pending subdialogs
// (staged-first, disk fallback).
func (s *Store) ReadPendingSubdialogs(ref Ref, status dialog.Status) ([]dialog.PendingSubdialog, error) {
	v, err := s.pendingWB.Read(s.pendingKey(ref, status))
	if err != nil {
		return nil, err
	}
	ps, _ := v.([]dialog.PendingSubdialog)
	return ps, nil
}
