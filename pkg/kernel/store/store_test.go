package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

func rootRef(id string) Ref { return Ref{RootSelfID: id} }

func TestMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")
	if err := s.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		t.Fatalf("EnsureDialogDir: %v", err)
	}
	m := Meta{
		ID:        dialog.Id{SelfID: "r1", RootID: "r1"},
		AgentID:   "pangu",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.WriteMeta(ref, dialog.StatusRunning, m); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	got, err := s.ReadMeta(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if got.ID != m.ID || got.AgentID != m.AgentID {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestReadMetaRejectsNonRootWhenRootRequired(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1").Child("child1")
	if err := s.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		t.Fatal(err)
	}
	m := Meta{ID: dialog.Id{SelfID: "child1", RootID: "r1"}, AgentID: "pangu"}
	if err := s.WriteMeta(ref, dialog.StatusRunning, m); err != nil {
		t.Fatal(err)
	}
	// Force root-required read against a subdialog's own directory.
	if _, err := ReadMeta(s.Layout().metaPath(ref, dialog.StatusRunning), true); err == nil {
		t.Fatal("expected error requiring root on a subdialog meta file")
	}
}

func TestLatestConvergesToDiskAfterWindow(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")
	if err := s.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := s.MutateLatest(ref, dialog.StatusRunning, func(cur dialog.Latest) (dialog.Latest, bool) {
			return cur.WithCourse(i + 1), true
		}); err != nil {
			t.Fatalf("MutateLatest: %v", err)
		}
	}

	v, err := s.ReadLatest(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if v.CurrentCourse != 3 {
		t.Fatalf("staged CurrentCourse = %d, want 3", v.CurrentCourse)
	}

	if err := s.FlushLatest(context.Background(), ref, dialog.StatusRunning); err != nil {
		t.Fatalf("FlushLatest: %v", err)
	}
	path := s.Layout().latestPath(ref, dialog.StatusRunning)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected latest.yaml to exist after flush: %v", err)
	}
}

func TestQ4HAcceptsNewQuestionAfterClear(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")
	q := dialog.HumanQuestion{ID: "q1", TellaskContent: "continue?"}
	if err := s.AppendQuestion(ref, dialog.StatusRunning, q); err != nil {
		t.Fatalf("first AppendQuestion: %v", err)
	}
	if err := s.ClearQuestion(ref, dialog.StatusRunning, "q1"); err != nil {
		t.Fatalf("ClearQuestion: %v", err)
	}
	if err := s.AppendQuestion(ref, dialog.StatusRunning, dialog.HumanQuestion{ID: "q2"}); err != nil {
		t.Fatalf("second AppendQuestion: %v", err)
	}
}

func TestQ4HRejectsMultiplePending(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")
	if err := s.AppendQuestion(ref, dialog.StatusRunning, dialog.HumanQuestion{ID: "q1"}); err != nil {
		t.Fatalf("first AppendQuestion: %v", err)
	}
	err := s.AppendQuestion(ref, dialog.StatusRunning, dialog.HumanQuestion{ID: "q2"})
	if err != ErrMultiplePendingQuestions {
		t.Fatalf("err = %v, want ErrMultiplePendingQuestions", err)
	}
}

func TestPendingSubdialogsAddRemove(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")
	p := dialog.PendingSubdialog{SubdialogID: "sub1", CallType: dialog.CallTypeB}
	if err := s.AddPendingSubdialog(ref, dialog.StatusRunning, p); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got, err := s.ReadPendingSubdialogs(ref, dialog.StatusRunning)
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v, err %v", got, err)
	}
	if err := s.RemovePendingSubdialog(ref, dialog.StatusRunning, "sub1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err = s.ReadPendingSubdialogs(ref, dialog.StatusRunning)
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v after remove, err %v", got, err)
	}
}

func TestResponseQueueTakeCommit(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")

	if err := s.AppendSubdialogResponse(ref, dialog.StatusRunning, dialog.SubdialogResponse{ResponseID: "resp1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := s.Take(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if len(got) != 1 || got[0].ResponseID != "resp1" {
		t.Fatalf("Take returned %v", got)
	}
	if err := s.Commit(ref, dialog.StatusRunning); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A second take after commit must be empty: take->commit is atomic
	// read-and-clear.
	got2, err := s.Take(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("second Take: %v", err)
	}
	if len(got2) != 0 {
		t.Fatalf("second Take returned %v, want empty", got2)
	}
}

func TestResponseQueueTakeRollbackIsNoOpOnContents(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")

	if err := s.AppendSubdialogResponse(ref, dialog.StatusRunning, dialog.SubdialogResponse{ResponseID: "resp1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Take(ref, dialog.StatusRunning); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if err := s.Rollback(ref, dialog.StatusRunning); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	got, err := s.Take(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("Take after rollback: %v", err)
	}
	if len(got) != 1 || got[0].ResponseID != "resp1" {
		t.Fatalf("Take after rollback = %v, want [resp1] (rollback is a no-op on contents)", got)
	}
}

func TestTakeRecoversFromStaleInflightFile(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")

	if err := s.AppendSubdialogResponse(ref, dialog.StatusRunning, dialog.SubdialogResponse{ResponseID: "old"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Take(ref, dialog.StatusRunning); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash between take and commit: the inflight file is
	// still on disk. A new response arrives on the primary.
	if err := s.AppendSubdialogResponse(ref, dialog.StatusRunning, dialog.SubdialogResponse{ResponseID: "new"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Take(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	ids := map[string]bool{}
	for _, r := range got {
		ids[r.ResponseID] = true
	}
	if !ids["old"] || !ids["new"] {
		t.Fatalf("expected stale inflight to be rolled back and merged, got %v", got)
	}
}

func TestLoadAllDedupesByResponseID(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")
	if err := s.AppendSubdialogResponse(ref, dialog.StatusRunning, dialog.SubdialogResponse{ResponseID: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Take(ref, dialog.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendSubdialogResponse(ref, dialog.StatusRunning, dialog.SubdialogResponse{ResponseID: "b"}); err != nil {
		t.Fatal(err)
	}
	all, err := s.LoadAll(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d responses, want 2 (one inflight, one primary)", len(all))
	}
}

func TestRegistryUpsertReplacesDeadSlugWithFreshID(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")

	r, err := s.ReadRegistry(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	r = r.Upsert("pangu", "dupe-session", "child-1")
	if err := s.WriteRegistry(ref, dialog.StatusRunning, r); err != nil {
		t.Fatal(err)
	}

	r, err = s.ReadRegistry(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Lookup("pangu", "dupe-session"); got != "child-1" {
		t.Fatalf("got %q, want child-1", got)
	}

	r = r.Upsert("pangu", "dupe-session", "child-2")
	if err := s.WriteRegistry(ref, dialog.StatusRunning, r); err != nil {
		t.Fatal(err)
	}
	r, err = s.ReadRegistry(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Lookup("pangu", "dupe-session"); got != "child-2" {
		t.Fatalf("got %q, want child-2 (reuse must point at the fresh id)", got)
	}
	if len(r.Entries) != 1 {
		t.Fatalf("got %d entries, want 1 (upsert replaces, not appends)", len(r.Entries))
	}
}

func TestMoveDialogStatusMovesEntireTreeAndRemovesSource(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	root := rootRef("r1")
	child := root.Child("c1")

	for _, ref := range []Ref{root, child} {
		if err := s.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
			t.Fatal(err)
		}
		m := Meta{ID: dialog.Id{SelfID: ref.SelfID(), RootID: "r1"}, AgentID: "pangu"}
		if ref.IsRoot() {
			m.ID.RootID = ref.SelfID()
		}
		if err := s.WriteMeta(ref, dialog.StatusRunning, m); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.MoveDialogStatus(root, dialog.StatusRunning, dialog.StatusDone); err != nil {
		t.Fatalf("MoveDialogStatus: %v", err)
	}

	if _, err := os.Stat(s.Layout().Dir(root, dialog.StatusRunning)); !os.IsNotExist(err) {
		t.Fatalf("expected source tree to be gone, stat err = %v", err)
	}
	if _, err := os.Stat(s.Layout().metaPath(child, dialog.StatusDone)); err != nil {
		t.Fatalf("expected child metadata to have moved with the tree: %v", err)
	}
}

func TestEnumerateFindsRootAndNestedSubdialogs(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	root := rootRef("r1")
	child := root.Child("c1")

	for _, ref := range []Ref{root, child} {
		if err := s.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
			t.Fatal(err)
		}
		rootID := "r1"
		m := Meta{ID: dialog.Id{SelfID: ref.SelfID(), RootID: rootID}, AgentID: "pangu"}
		if ref.IsRoot() {
			m.ID.RootID = ref.SelfID()
		}
		if err := s.WriteMeta(ref, dialog.StatusRunning, m); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.Enumerate(dialog.StatusRunning)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

func TestAppendRecordAndReadCourseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)
	ref := rootRef("r1")
	rec, err := dialog.NewRecord(dialog.RecordAgentWords, 1, "", "hello")
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	if err := s.AppendRecord(ref, dialog.StatusRunning, 1, rec); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}
	got, err := s.ReadCourse(ref, dialog.StatusRunning, 1)
	if err != nil {
		t.Fatalf("ReadCourse: %v", err)
	}
	if len(got) != 1 || got[0].Type != dialog.RecordAgentWords {
		t.Fatalf("got %+v", got)
	}
}
