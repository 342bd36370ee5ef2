package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

func setupDialog(t *testing.T, st *store.Store, ref store.Ref, latest dialog.Latest) {
	t.Helper()
	if err := st.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		t.Fatalf("EnsureDialogDir: %v", err)
	}
	m := store.Meta{ID: dialog.Id{SelfID: ref.SelfID(), RootID: ref.RootSelfID}, AgentID: "agent1", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := st.WriteMeta(ref, dialog.StatusRunning, m); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	if err := st.MutateLatest(ref, dialog.StatusRunning, func(dialog.Latest) (dialog.Latest, bool) {
		return latest, true
	}); err != nil {
		t.Fatalf("MutateLatest: %v", err)
	}
	if err := st.FlushLatest(context.Background(), ref, dialog.StatusRunning); err != nil {
		t.Fatalf("FlushLatest: %v", err)
	}
}

func TestRunDowngradesStaleGeneratingDialog(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir, nil)
	ref := store.Ref{RootSelfID: "r1"}
	setupDialog(t, st, ref, dialog.Latest{RunState: dialog.Proceeding(), Generating: true})

	outcomes, err := Run(st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 1 || !outcomes[0].Changed {
		t.Fatalf("outcomes = %+v, want one changed outcome", outcomes)
	}
	if outcomes[0].After.Kind != dialog.RunInterrupted || outcomes[0].After.InterruptReason != dialog.InterruptServerRestart {
		t.Fatalf("after = %+v, want interrupted{server_restart}", outcomes[0].After)
	}

	latest, err := st.ReadLatest(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if latest.Generating {
		t.Fatalf("generating flag should be cleared after reconciliation")
	}
	if latest.RunState.Kind != dialog.RunInterrupted {
		t.Fatalf("persisted run state = %+v, want interrupted", latest.RunState)
	}
}

func TestRunBlocksOnPendingHumanQuestion(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir, nil)
	ref := store.Ref{RootSelfID: "r2"}
	setupDialog(t, st, ref, dialog.Latest{RunState: dialog.Idle()})

	if err := st.AppendQuestion(ref, dialog.StatusRunning, dialog.HumanQuestion{ID: "q1", AskedAt: time.Now()}); err != nil {
		t.Fatalf("AppendQuestion: %v", err)
	}

	outcomes, err := Run(st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].After.Kind != dialog.RunBlocked || outcomes[0].After.BlockedReason != dialog.BlockedNeedsHumanInput {
		t.Fatalf("outcomes = %+v, want blocked{needs_human_input}", outcomes)
	}
}

func TestRunLeavesHealthyIdleDialogUnchanged(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir, nil)
	ref := store.Ref{RootSelfID: "r3"}
	setupDialog(t, st, ref, dialog.Latest{RunState: dialog.Idle()})

	outcomes, err := Run(st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Changed {
		t.Fatalf("outcomes = %+v, want one unchanged outcome", outcomes)
	}
}

func TestRunLeavesAlreadyTerminalDialogUnchanged(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir, nil)
	ref := store.Ref{RootSelfID: "r4"}
	setupDialog(t, st, ref, dialog.Latest{RunState: dialog.Dead(dialog.DeadDeclaredByUser)})

	if err := st.AppendQuestion(ref, dialog.StatusRunning, dialog.HumanQuestion{ID: "q1", AskedAt: time.Now()}); err != nil {
		t.Fatalf("AppendQuestion: %v", err)
	}

	outcomes, err := Run(st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Changed {
		t.Fatalf("a dead dialog must never be reclassified by reconciliation, got %+v", outcomes)
	}
}
