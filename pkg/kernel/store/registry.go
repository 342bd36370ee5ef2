package store

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/dialogkernel/kernel/pkg/kernel/atomicfile"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
)

// RegistryEntry is one (agentId, sessionSlug) -> subdialogId mapping
// persisted in registry.yaml under a root dialog (kernel spec §4.9).
type RegistryEntry struct {
	AgentID     string `yaml:"agentId"`
	SessionSlug string `yaml:"sessionSlug"`
	SubdialogID string `yaml:"subdialogId"`
}

// Registry is the full set of type-B entries for one root dialog.
type Registry struct {
	Entries []RegistryEntry `yaml:"entries"`
}

// ReadRegistry loads registry.yaml for rootRef. Missing file yields an
// empty Registry, not an error.
func (s *Store) ReadRegistry(rootRef Ref, status dialog.Status) (Registry, error) {
	path := s.layout.registryPath(rootRef, status)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Registry{}, nil
		}
		return Registry{}, fmt.Errorf("store: read registry %s: %w", path, err)
	}
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Registry{}, fmt.Errorf("store: parse registry %s: %w", path, err)
	}
	return r, nil
}

// WriteRegistry atomically persists r for rootRef. The registry is
// written directly (not through write-back): entries change only on
// subdialog creation/death, events too rare to need coalescing, and a
// registry lookup must never observe a staleness window longer than
// AtomicFile's own write latency.
func (s *Store) WriteRegistry(rootRef Ref, status dialog.Status, r Registry) error {
	path := s.layout.registryPath(rootRef, status)
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal registry: %w", err)
	}
	return atomicfile.Write(path, data, 0o644)
}

// Lookup returns the subdialogId for (agentId, sessionSlug) in r, or ""
// if absent.
func (r Registry) Lookup(agentID, sessionSlug string) string {
	for _, e := range r.Entries {
		if e.AgentID == agentID && e.SessionSlug == sessionSlug {
			return e.SubdialogID
		}
	}
	return ""
}

// Upsert returns a copy of r with (agentId, sessionSlug) pointed at
// subdialogID, replacing any prior entry for that pair — this is how a
// dead slug is reused with a fresh id (kernel spec §3 invariant 4).
func (r Registry) Upsert(agentID, sessionSlug, subdialogID string) Registry {
	out := Registry{Entries: make([]RegistryEntry, 0, len(r.Entries)+1)}
	found := false
	for _, e := range r.Entries {
		if e.AgentID == agentID && e.SessionSlug == sessionSlug {
			out.Entries = append(out.Entries, RegistryEntry{agentID, sessionSlug, subdialogID})
			found = true
			continue
		}
		out.Entries = append(out.Entries, e)
	}
	if !found {
		out.Entries = append(out.Entries, RegistryEntry{agentID, sessionSlug, subdialogID})
	}
	return out
}
