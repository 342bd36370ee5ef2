package regmirror

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

func openTestMirror(t *testing.T) *Mirror {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "regmirror.db")
	m, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestUpsertAndLookup(t *testing.T) {
	m := openTestMirror(t)
	ctx := context.Background()

	if err := m.Upsert(ctx, "r1", "agentA", "slug1", "sub1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := m.Lookup(ctx, "r1", "agentA", "slug1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != "sub1" {
		t.Errorf("Lookup = %q, want sub1", got)
	}

	if _, err := m.Lookup(ctx, "r1", "agentA", "missing"); err != nil {
		t.Fatalf("Lookup missing: %v", err)
	}
}

func TestUpsertReplacesOnReuse(t *testing.T) {
	m := openTestMirror(t)
	ctx := context.Background()

	if err := m.Upsert(ctx, "r1", "agentA", "slug1", "sub1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := m.Upsert(ctx, "r1", "agentA", "slug1", "sub2"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := m.Lookup(ctx, "r1", "agentA", "slug1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != "sub2" {
		t.Errorf("Lookup = %q, want sub2 (latest wins)", got)
	}
}

func TestListByRoot(t *testing.T) {
	m := openTestMirror(t)
	ctx := context.Background()

	if err := m.Upsert(ctx, "r1", "agentA", "slug1", "sub1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := m.Upsert(ctx, "r1", "agentB", "slug2", "sub2"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := m.Upsert(ctx, "r2", "agentA", "slug1", "sub3"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	entries, err := m.ListByRoot(ctx, "r1")
	if err != nil {
		t.Fatalf("ListByRoot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want 2", entries)
	}
}

func TestRebuildReloadsFromRegistryFiles(t *testing.T) {
	dir := t.TempDir()
	st := store.New(dir, nil)
	ref := store.Ref{RootSelfID: "r1"}

	if err := st.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		t.Fatalf("EnsureDialogDir: %v", err)
	}
	meta := store.Meta{ID: dialog.Id{SelfID: "r1", RootID: "r1"}, AgentID: "agent1", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := st.WriteMeta(ref, dialog.StatusRunning, meta); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	reg := store.Registry{}.Upsert("agentA", "slug1", "sub1")
	if err := st.WriteRegistry(ref, dialog.StatusRunning, reg); err != nil {
		t.Fatalf("WriteRegistry: %v", err)
	}

	m := openTestMirror(t)
	ctx := context.Background()

	if err := m.Upsert(ctx, "stale-root", "x", "y", "z"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := Rebuild(ctx, m, st, dialog.StatusRunning); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	got, err := m.Lookup(ctx, "r1", "agentA", "slug1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != "sub1" {
		t.Errorf("Lookup = %q, want sub1", got)
	}
	if stale, err := m.Lookup(ctx, "stale-root", "x", "y"); err != nil || stale != "" {
		t.Errorf("stale entry should be gone after rebuild, got %q (err=%v)", stale, err)
	}
}
