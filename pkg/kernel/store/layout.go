// Package store implements DialogPersistence (kernel spec §4.6): the
// on-disk directory layout, metadata files, course logs, response queue,
// and type-B registry, built on logstore, writeback, and atomicfile.
// Grounded on bitop-dev-agent's pkg/session (JSONL session files) and
// pkg/session/manager.go (directory-scan-and-reconstruct), generalized
// from one flat sessions/ directory to a status-bucketed dialog tree.
package store

import (
	"path/filepath"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

// Layout resolves the directory conventions under one workspace root's
// `.dialogs/` subtree (kernel spec §5 "Shared-resource policy": this
// subtree is owned exclusively by the process).
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at <workspaceRoot>/.dialogs.
func NewLayout(workspaceRoot string) Layout {
	return Layout{Root: filepath.Join(workspaceRoot, ".dialogs")}
}

func (l Layout) statusDir(status dialog.Status) string {
	switch status {
	case dialog.StatusDone:
		return filepath.Join(l.Root, "done")
	case dialog.StatusArchived:
		return filepath.Join(l.Root, "archived")
	default:
		return filepath.Join(l.Root, "running")
	}
}

// Ref addresses one dialog's location on disk: the true root's selfId
// plus the chain of selfIds from the root down to this dialog (empty for
// the root dialog itself). A dialog.Id's RootID field names only the
// immediate parent (kernel spec §3); Ref carries the full path needed to
// resolve a filesystem location without re-walking metadata on every
// access.
type Ref struct {
	RootSelfID string
	Chain      []string
}

// IsRoot reports whether ref addresses the root dialog itself.
func (r Ref) IsRoot() bool { return len(r.Chain) == 0 }

// SelfID returns the selfId this ref ultimately addresses.
func (r Ref) SelfID() string {
	if r.IsRoot() {
		return r.RootSelfID
	}
	return r.Chain[len(r.Chain)-1]
}

// Child returns the Ref for a direct subdialog of r named childSelfID.
func (r Ref) Child(childSelfID string) Ref {
	chain := make([]string, len(r.Chain)+1)
	copy(chain, r.Chain)
	chain[len(chain)-1] = childSelfID
	return Ref{RootSelfID: r.RootSelfID, Chain: chain}
}

// Dir resolves ref's directory under the given status bucket.
func (l Layout) Dir(ref Ref, status dialog.Status) string {
	dir := filepath.Join(l.statusDir(status), ref.RootSelfID)
	for _, seg := range ref.Chain {
		dir = filepath.Join(dir, "subdialogs", seg)
	}
	return dir
}

const (
	metaFile            = "dialog.yaml"
	latestFile          = "latest.yaml"
	remindersFile       = "reminders.json"
	q4hFile             = "q4h.yaml"
	registryFile        = "registry.yaml"
	pendingSubdialogsFile = "pending-subdialogs.json"
	responsesFile       = "subdialog-responses.json"
	responsesInflightFile = "subdialog-responses.processing.json"
)

func (l Layout) metaPath(ref Ref, status dialog.Status) string {
	return filepath.Join(l.Dir(ref, status), metaFile)
}
func (l Layout) latestPath(ref Ref, status dialog.Status) string {
	return filepath.Join(l.Dir(ref, status), latestFile)
}
func (l Layout) remindersPath(ref Ref, status dialog.Status) string {
	return filepath.Join(l.Dir(ref, status), remindersFile)
}
func (l Layout) q4hPath(ref Ref, status dialog.Status) string {
	return filepath.Join(l.Dir(ref, status), q4hFile)
}
func (l Layout) registryPath(ref Ref, status dialog.Status) string {
	return filepath.Join(l.Dir(ref, status), registryFile)
}
func (l Layout) pendingPath(ref Ref, status dialog.Status) string {
	return filepath.Join(l.Dir(ref, status), pendingSubdialogsFile)
}
func (l Layout) responsesPath(ref Ref, status dialog.Status) string {
	return filepath.Join(l.Dir(ref, status), responsesFile)
}
func (l Layout) responsesInflightPath(ref Ref, status dialog.Status) string {
	return filepath.Join(l.Dir(ref, status), responsesInflightFile)
}
