package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dialogkernel/kernel/pkg/kernel/atomicfile"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/fifomutex"
)

// responseQueueLocks serializes take/commit/rollback per parent ref so
// concurrent callers never race the primary<->inflight rename (kernel
// spec §4.6 "Response queue take/commit/rollback").
var responseQueueLocks = fifomutex.NewKeyed[string]()

// AppendSubdialogResponse enqueues resp onto parentRef's response queue
// (the primary file; never touches the in-flight file).
func (s *Store) AppendSubdialogResponse(parentRef Ref, status dialog.Status, resp dialog.SubdialogResponse) error {
	path := s.layout.responsesPath(parentRef, status)
	release := responseQueueLocks.Acquire(path)
	defer release()

	existing, err := readResponseFile(path)
	if err != nil {
		return err
	}
	existing = append(existing, resp)
	return writeResponseFile(path, existing)
}

// Take begins the three-step delivery protocol (kernel spec §4.6): if an
// in-flight file already exists from a prior crash, it is rolled back
// into the primary first; then the primary is renamed to the in-flight
// file and its contents returned. Missing primary returns an empty slice.
func (s *Store) Take(parentRef Ref, status dialog.Status) ([]dialog.SubdialogResponse, error) {
	primary := s.layout.responsesPath(parentRef, status)
	inflight := s.layout.responsesInflightPath(parentRef, status)
	release := responseQueueLocks.Acquire(primary)
	defer release()

	if fileExists(inflight) {
		if err := rollbackLocked(primary, inflight); err != nil {
			return nil, err
		}
	}

	if !fileExists(primary) {
		return nil, nil
	}
	if err := os.Rename(primary, inflight); err != nil {
		return nil, fmt.Errorf("store: take %s: %w", primary, err)
	}
	return readResponseFile(inflight)
}

// Commit finalizes a prior Take by discarding the in-flight file.
func (s *Store) Commit(parentRef Ref, status dialog.Status) error {
	primary := s.layout.responsesPath(parentRef, status)
	inflight := s.layout.responsesInflightPath(parentRef, status)
	release := responseQueueLocks.Acquire(primary)
	defer release()

	if err := os.Remove(inflight); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: commit %s: %w", inflight, err)
	}
	return nil
}

// Rollback merges the in-flight file back into the primary (deduped by
// responseId) and removes the in-flight file.
func (s *Store) Rollback(parentRef Ref, status dialog.Status) error {
	primary := s.layout.responsesPath(parentRef, status)
	inflight := s.layout.responsesInflightPath(parentRef, status)
	release := responseQueueLocks.Acquire(primary)
	defer release()
	return rollbackLocked(primary, inflight)
}

func rollbackLocked(primary, inflight string) error {
	if !fileExists(inflight) {
		return nil
	}
	inflightResponses, err := readResponseFile(inflight)
	if err != nil {
		return err
	}
	primaryResponses, err := readResponseFile(primary)
	if err != nil {
		return err
	}
	merged := mergeByResponseID(primaryResponses, inflightResponses)
	if err := writeResponseFile(primary, merged); err != nil {
		return err
	}
	if err := os.Remove(inflight); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: rollback remove %s: %w", inflight, err)
	}
	return nil
}

// LoadAll fuses primary + in-flight responses (deduped by responseId) so
// a concurrent reader sees a consistent view during processing (kernel
// spec §4.6 "Universal reads").
func (s *Store) LoadAll(parentRef Ref, status dialog.Status) ([]dialog.SubdialogResponse, error) {
	primary := s.layout.responsesPath(parentRef, status)
	inflight := s.layout.responsesInflightPath(parentRef, status)
	release := responseQueueLocks.Acquire(primary)
	defer release()

	p, err := readResponseFile(primary)
	if err != nil {
		return nil, err
	}
	i, err := readResponseFile(inflight)
	if err != nil {
		return nil, err
	}
	return mergeByResponseID(p, i), nil
}

func mergeByResponseID(primary, inflight []dialog.SubdialogResponse) []dialog.SubdialogResponse {
	seen := make(map[string]bool, len(inflight))
	out := make([]dialog.SubdialogResponse, 0, len(primary)+len(inflight))
	for _, r := range inflight {
		seen[r.ResponseID] = true
		out = append(out, r)
	}
	for _, r := range primary {
		if seen[r.ResponseID] {
			continue
		}
		out = append(out, r)
	}
	return out
}

func readResponseFile(path string) ([]dialog.SubdialogResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	var rs []dialog.SubdialogResponse
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return rs, nil
}

func writeResponseFile(path string, rs []dialog.SubdialogResponse) error {
	if rs == nil {
		rs = []dialog.SubdialogResponse{}
	}
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	return atomicfile.Write(path, data, 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
