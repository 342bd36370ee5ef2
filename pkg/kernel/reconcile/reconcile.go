// Package reconcile implements the startup run-state reconciler (kernel
// spec §4.10, "C10"): no dialog may be found still claiming to be
// actively generating once the process that was driving it is gone.
// Grounded on bitop-dev-agent's directory-scan-and-parse pattern in
// pkg/session.Manager's listing/readInfo path, generalized here over
// store.Enumerate's dialog.yaml/latest.yaml pairs instead of the
// bitop-dev-agent's session-info files.
package reconcile

import (
	"fmt"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

// Outcome records what reconciliation decided for one dialog, for
// logging/telemetry at startup.
type Outcome struct {
	Ref     store.Ref
	Before  dialog.RunState
	After   dialog.RunState
	Changed bool
}

// Run scans every running dialog and downgrades any that were caught
// mid-generation when the process last stopped. The rules (kernel spec
// §4.10):
//
//   - proceeding ∧ generating=true  -> interrupted{server_restart}, generating=false
//   - otherwise, if a pending human question or pending subdialog exists
//     and the run-state does not already require non-proceeding, it is
//     overridden to blocked{needs_human_input[_and_subdialogs]}, or to
//     blocked{waiting_for_subdialogs} when only subdialogs are pending
//   - anything else is left unchanged
//
// Run never touches course logs; it only ever corrects latest.yaml.
func Run(st *store.Store) ([]Outcome, error) {
	entries, err := st.Enumerate(dialog.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("reconcile: enumerate running dialogs: %w", err)
	}

	var outcomes []Outcome
	for _, e := range entries {
		outcome, err := reconcileOne(st, e.Ref)
		if err != nil {
			return outcomes, fmt.Errorf("reconcile: %s: %w", e.Ref.SelfID(), err)
		}
		if outcome != nil {
			outcomes = append(outcomes, *outcome)
		}
	}
	return outcomes, nil
}

func reconcileOne(st *store.Store, ref store.Ref) (*Outcome, error) {
	latest, err := st.ReadLatest(ref, dialog.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("read latest: %w", err)
	}
	before := latest.RunState

	next := decide(st, ref, latest)
	if next.Kind == before.Kind &&
		next.InterruptReason == before.InterruptReason &&
		next.BlockedReason == before.BlockedReason {
		return &Outcome{Ref: ref, Before: before, After: before, Changed: false}, nil
	}

	if err := st.MutateLatest(ref, dialog.StatusRunning, func(cur dialog.Latest) (dialog.Latest, bool) {
		cur.Generating = false
		return cur.WithRunState(next), true
	}); err != nil {
		return nil, fmt.Errorf("persist reconciled run-state: %w", err)
	}
	return &Outcome{Ref: ref, Before: before, After: next, Changed: true}, nil
}

func decide(st *store.Store, ref store.Ref, latest dialog.Latest) dialog.RunState {
	if latest.RunState.Kind == dialog.RunProceeding && latest.Generating {
		return dialog.Interrupted(dialog.InterruptServerRestart)
	}

	if latest.RunState.RequiresNonProceeding() {
		return latest.RunState
	}

	hasQuestion := false
	if qs, err := st.ReadQuestions(ref, dialog.StatusRunning); err == nil {
		hasQuestion = len(qs) > 0
	}
	hasPending := false
	if ps, err := st.ReadPendingSubdialogs(ref, dialog.StatusRunning); err == nil {
		hasPending = len(ps) > 0
	}

	switch {
	case hasQuestion && hasPending:
		return dialog.Blocked(dialog.BlockedNeedsHumanInputAndSubdialogs)
	case hasQuestion:
		return dialog.Blocked(dialog.BlockedNeedsHumanInput)
	case hasPending:
		return dialog.Blocked(dialog.BlockedWaitingForSubdialogs)
	default:
		return latest.RunState
	}
}
