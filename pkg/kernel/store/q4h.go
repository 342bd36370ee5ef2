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

func (s *Store) q4hKey(ref Ref, status dialog.Status) string { return s.layout.q4hPath(ref, status) }

func (s *Store) readQ4H(key string) (any, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		if os.IsNotExist(err) {
			return []dialog.HumanQuestion(nil), nil
		}
		return nil, err
	}
	var qs []dialog.HumanQuestion
	if err := json.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("store: parse q4h.yaml %s: %w", key, err)
	}
	return qs, nil
}

func (s *Store) flushQ4H(ctx context.Context, key string, state any) error {
	start := time.Now()
	qs, _ := state.([]dialog.HumanQuestion)
	if qs == nil {
		qs = []dialog.HumanQuestion{}
	}
	data, err := json.MarshalIndent(qs, "", "  ")
	if err != nil {
		return err
	}
	err = atomicfile.Write(key, data, 0o644)
	s.telemetry.RecordWritebackFlush(ctx, time.Since(start))
	return err
}

// ErrDuplicateQuestionID is returned when AppendQuestion would introduce a
// duplicate HumanQuestion id (kernel spec §4.4, hard error per §7).
var ErrDuplicateQuestionID = fmt.Errorf("store: duplicate q4h id")

// ErrDuplicateQuestionCallID is returned when AppendQuestion would
// introduce a duplicate non-empty callId.
var ErrDuplicateQuestionCallID = fmt.Errorf("store: duplicate q4h callId")

// ErrMultiplePendingQuestions is returned when a dialog already has a
// pending HumanQuestion ("at most one pending per dialog", kernel spec §3).
var ErrMultiplePendingQuestions = fmt.Errorf("store: dialog already has a pending human question")

// AppendQuestion enqueues q for ref, enforcing the Q4H invariants: no
// duplicate id, no duplicate non-empty callId, and at most one pending
// question per dialog (kernel spec §4.4). Violations are hard errors.
func (s *Store) AppendQuestion(ref Ref, status dialog.Status, q dialog.HumanQuestion) error {
	key := s.q4hKey(ref, status)
	var mutateErr error
	err := s.q4hWB.Mutate(key, func(cur any) (any, bool) {
		existing, _ := cur.([]dialog.HumanQuestion)
		for _, e := range existing {
			if e.ID == q.ID {
				mutateErr = ErrDuplicateQuestionID
				return existing, false
			}
			if q.CallID != "" && e.CallID == q.CallID {
				mutateErr = ErrDuplicateQuestionCallID
				return existing, false
			}
		}
		if len(existing) > 0 {
			mutateErr = ErrMultiplePendingQuestions
			return existing, false
		}
		next := append(append([]dialog.HumanQuestion{}, existing...), q)
		return next, true
	})
	if err != nil {
		return err
	}
	return mutateErr
}

// ClearQuestion removes q4h entry id from ref's pending question list,
// answering it.
func (s *Store) ClearQuestion(ref Ref, status dialog.Status, id string) error {
	key := s.q4hKey(ref, status)
	return s.q4hWB.Mutate(key, func(cur any) (any, bool) {
		existing, _ := cur.([]dialog.HumanQuestion)
		next := make([]dialog.HumanQuestion, 0, len(existing))
		removed := false
		for _, e := range existing {
			if e.ID == id {
				removed = true
				continue
			}
			next = append(next, e)
		}
		return next, removed
	})
}

// ReadQuestions returns ref's currently pending human questions
// (staged-first, disk fallback).
func (s *Store) ReadQuestions(ref Ref, status dialog.Status) ([]dialog.HumanQuestion, error) {
	v, err := s.q4hWB.Read(s.q4hKey(ref, status))
	if err != nil {
		return nil, err
	}
	qs, _ := v.([]dialog.HumanQuestion)
	return qs, nil
}
