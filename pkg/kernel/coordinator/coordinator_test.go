package coordinator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/eventbus"
	"github.com/dialogkernel/kernel/pkg/kernel/outputparser"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

// fakeRedriver records every dialog handed to Redrive, standing in for
// the driver's real implementation.
type fakeRedriver struct {
	mu      sync.Mutex
	redrove []*dialog.Dialog
}

func (f *fakeRedriver) Redrive(d *dialog.Dialog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redrove = append(f.redrove, d)
}

func (f *fakeRedriver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.redrove)
}

type coordHarness struct {
	st       *store.Store
	bus      *eventbus.Bus
	registry *dialog.Registry
	coord    *Coordinator
	redriver *fakeRedriver
	seq      int
}

func newCoordHarness(t *testing.T) *coordHarness {
	t.Helper()
	dir := t.TempDir()
	st := store.New(dir, nil)
	bus := eventbus.New()
	reg := dialog.NewRegistry()
	redriver := &fakeRedriver{}
	coord := New(reg, st, bus, redriver)
	h := &coordHarness{st: st, bus: bus, registry: reg, coord: coord, redriver: redriver}
	// Deterministic, sequential ids in place of New's default uuid
	// generator, matching driver_test.go's harness style.
	coord.newID = h.newID
	return h
}

// newID returns a small sequential id generator, matching the style of
// driver_test.go's harness.
func (h *coordHarness) newID() string {
	h.seq++
	return fmt.Sprintf("d%d", h.seq)
}

// newRootDialog builds and persists a root dialog the same way
// driver.CreateRootDialog does, inlined here since this package cannot
// import driver (driver already imports coordinator).
func (h *coordHarness) newRootDialog(t *testing.T, agentID string) *dialog.Dialog {
	t.Helper()
	selfID := h.newID()
	id := dialog.Id{SelfID: selfID, RootID: selfID}
	d := dialog.New(id, agentID, h.bus)
	d.RootSelfID = selfID

	ref := store.Ref{RootSelfID: selfID}
	if err := h.st.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		t.Fatalf("EnsureDialogDir: %v", err)
	}
	meta := store.Meta{ID: id, AgentID: agentID, CreatedAt: time.Now()}
	if err := h.st.WriteMeta(ref, dialog.StatusRunning, meta); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	if err := h.st.MutateLatest(ref, dialog.StatusRunning, func(dialog.Latest) (dialog.Latest, bool) {
		return dialog.Latest{RunState: dialog.Idle(), LastModified: time.Now()}, true
	}); err != nil {
		t.Fatalf("MutateLatest: %v", err)
	}
	if err := h.registry.Register(d); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return d
}

func TestDispatchTypeASessionlessSpawnsUnregisteredSubdialog(t *testing.T) {
	h := newCoordHarness(t)
	parent := h.newRootDialog(t, "agent-parent")

	call := outputparser.TeammateCall{
		CallName:    dialog.CallTellaskSessionless,
		CallID:      "call-1",
		MentionList: []string{"agent-worker"},
		Content:     "please summarize the attached doc",
	}
	res, err := h.coord.Dispatch(parent, call)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Reused {
		t.Fatalf("type-A dispatch must never report Reused")
	}
	child := res.Subdialog
	if child == nil {
		t.Fatalf("Dispatch returned a nil subdialog")
	}
	if child.AgentID != parent.AgentID {
		t.Fatalf("type-A subdialog agent = %q, want caller's own agent %q", child.AgentID, parent.AgentID)
	}
	if child.AssignmentFromSup == nil || child.AssignmentFromSup.CallName != dialog.CallTellaskSessionless {
		t.Fatalf("child AssignmentFromSup = %+v, want CallName=tellaskSessionless", child.AssignmentFromSup)
	}

	if len(parent.PendingSubdialogs) != 1 || parent.PendingSubdialogs[0].SubdialogID != child.ID.SelfID {
		t.Fatalf("parent.PendingSubdialogs = %+v, want one entry for %s", parent.PendingSubdialogs, child.ID.SelfID)
	}

	persisted, err := h.st.ReadPendingSubdialogs(store.Ref{RootSelfID: parent.RootSelfID}, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("ReadPendingSubdialogs: %v", err)
	}
	if len(persisted) != 1 || persisted[0].CallType != dialog.CallTypeA {
		t.Fatalf("persisted pending = %+v, want one CallType=A entry", persisted)
	}

	reg, err := h.st.ReadRegistry(store.Ref{RootSelfID: parent.RootSelfID}, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("ReadRegistry: %v", err)
	}
	if len(reg.Entries) != 0 {
		t.Fatalf("type-A dispatch must not write a registry entry, got %+v", reg.Entries)
	}
}

func TestDispatchTypeBReusesLiveSubdialogForSameSessionSlug(t *testing.T) {
	h := newCoordHarness(t)
	parent := h.newRootDialog(t, "agent-parent")

	call := outputparser.TeammateCall{
		CallName:    dialog.CallTellask,
		CallID:      "call-1",
		SessionSlug: "billing-thread",
		Content:     "what's the invoice status?",
	}
	first, err := h.coord.Dispatch(parent, call)
	if err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if first.Reused {
		t.Fatalf("first dispatch for a fresh sessionSlug must not be Reused")
	}

	second, err := h.coord.Dispatch(parent, outputparser.TeammateCall{
		CallName:    dialog.CallTellask,
		CallID:      "call-2",
		SessionSlug: "billing-thread",
		Content:     "follow-up question",
	})
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	if !second.Reused {
		t.Fatalf("second dispatch with the same sessionSlug must reuse the existing subdialog")
	}
	if second.Subdialog.ID.SelfID != first.Subdialog.ID.SelfID {
		t.Fatalf("reused subdialog id = %s, want %s", second.Subdialog.ID.SelfID, first.Subdialog.ID.SelfID)
	}

	// Reuse must not grow the pending set a second time.
	if len(parent.PendingSubdialogs) != 1 {
		t.Fatalf("parent.PendingSubdialogs = %+v, want exactly 1 after reuse", parent.PendingSubdialogs)
	}
}

func TestDispatchTypeBCreatesDistinctSubdialogsForDifferentSlugs(t *testing.T) {
	h := newCoordHarness(t)
	parent := h.newRootDialog(t, "agent-parent")

	first, err := h.coord.Dispatch(parent, outputparser.TeammateCall{
		CallName:    dialog.CallTellask,
		CallID:      "call-1",
		SessionSlug: "thread-a",
		Content:     "a",
	})
	if err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	second, err := h.coord.Dispatch(parent, outputparser.TeammateCall{
		CallName:    dialog.CallTellask,
		CallID:      "call-2",
		SessionSlug: "thread-b",
		Content:     "b",
	})
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	if first.Subdialog.ID.SelfID == second.Subdialog.ID.SelfID {
		t.Fatalf("distinct sessionSlugs must not collapse onto one subdialog")
	}
	if second.Reused {
		t.Fatalf("a new sessionSlug must not be reported as Reused")
	}
}

func TestDispatchTypeBRequiresSessionSlug(t *testing.T) {
	h := newCoordHarness(t)
	parent := h.newRootDialog(t, "agent-parent")

	_, err := h.coord.Dispatch(parent, outputparser.TeammateCall{
		CallName: dialog.CallTellask,
		CallID:   "call-1",
		Content:  "missing slug",
	})
	if err == nil {
		t.Fatalf("expected an error for a type-B call with no sessionSlug")
	}
}

func TestDispatchTypeCCreatesSelfAddressedSubdialog(t *testing.T) {
	h := newCoordHarness(t)
	parent := h.newRootDialog(t, "agent-parent")

	res, err := h.coord.Dispatch(parent, outputparser.TeammateCall{
		CallName: dialog.CallFreshBootsReasoning,
		CallID:   "call-1",
		Content:  "think step by step about X",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Subdialog.AgentID != parent.AgentID {
		t.Fatalf("type-C subdialog must be self-addressed: got agent %q, want %q", res.Subdialog.AgentID, parent.AgentID)
	}
	persisted, err := h.st.ReadPendingSubdialogs(store.Ref{RootSelfID: parent.RootSelfID}, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("ReadPendingSubdialogs: %v", err)
	}
	if len(persisted) != 1 || persisted[0].CallType != dialog.CallTypeC {
		t.Fatalf("persisted pending = %+v, want one CallType=C entry", persisted)
	}
}

func TestDispatchUnknownCallNameErrors(t *testing.T) {
	h := newCoordHarness(t)
	parent := h.newRootDialog(t, "agent-parent")

	_, err := h.coord.Dispatch(parent, outputparser.TeammateCall{
		CallName: dialog.CallTellaskBack,
		CallID:   "call-1",
		Content:  "not a creating call",
	})
	if err == nil {
		t.Fatalf("expected an error for a non-subdialog-creating call name")
	}
}
