package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/dialogkernel/kernel/pkg/kernel/atomicfile"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/fifomutex"
	"github.com/dialogkernel/kernel/pkg/kernel/logstore"
	"github.com/dialogkernel/kernel/pkg/kernel/telemetry"
	"github.com/dialogkernel/kernel/pkg/kernel/writeback"
)

// Store is the concrete DialogPersistence implementation: directory
// layout, metadata, course logs (via logstore), and coalesced writes for
// Latest/Q4H/PendingSubdialogs (via writeback). Course-log appends, the
// response queue and status moves are serialized per key by FifoMutex;
// the write-back buffers use their own lock (kernel spec §4.6).
type Store struct {
	layout Layout
	logs   *logstore.Store

	latestWB  *writeback.Buffer
	q4hWB     *writeback.Buffer
	pendingWB *writeback.Buffer

	statusLocks *fifomutex.Keyed[string]

	telemetry *telemetry.Telemetry
}

// SetTelemetry attaches t so AppendRecord and write-back flushes report
// timing (kernel spec §6.6). Optional; a Store with no telemetry attached
// behaves exactly as before.
func (s *Store) SetTelemetry(t *telemetry.Telemetry) { s.telemetry = t }

// New constructs a Store rooted at workspaceRoot. onError (optional)
// observes write-back flush failures for logging.
func New(workspaceRoot string, onError func(key string, err error)) *Store {
	s := &Store{
		layout:      NewLayout(workspaceRoot),
		logs:        logstore.New(),
		statusLocks: fifomutex.NewKeyed[string](),
	}

	opts := func() []writeback.Option {
		if onError != nil {
			return []writeback.Option{writeback.WithErrorHook(onError)}
		}
		return nil
	}()

	s.latestWB = writeback.New(s.flushLatest, s.readLatest, opts...)
	s.q4hWB = writeback.New(s.flushQ4H, s.readQ4H, opts...)
	s.pendingWB = writeback.New(s.flushPending, s.readPending, opts...)
	return s
}

// Layout exposes the store's directory layout resolver.
func (s *Store) Layout() Layout { return s.layout }

// EnsureDialogDir creates ref's directory under status if missing.
func (s *Store) EnsureDialogDir(ref Ref, status dialog.Status) error {
	return os.MkdirAll(s.layout.Dir(ref, status), 0o755)
}

// --- Course log passthrough (C3) -------------------------------------------------

// AppendRecord appends rec to ref's course log.
func (s *Store) AppendRecord(ref Ref, status dialog.Status, course int, rec dialog.PersistedRecord) error {
	body, err := recordToLogstore(rec)
	if err != nil {
		return err
	}
	start := time.Now()
	err = s.logs.Append(s.layout.Dir(ref, status), course, body)
	s.telemetry.RecordCourseAppend(context.Background(), time.Since(start))
	return err
}

// ReadCourse reads every record of ref's course log.
func (s *Store) ReadCourse(ref Ref, status dialog.Status, course int) ([]dialog.PersistedRecord, error) {
	raw, err := s.logs.Read(s.layout.Dir(ref, status), course)
	if err != nil {
		return nil, err
	}
	out := make([]dialog.PersistedRecord, 0, len(raw))
	for _, r := range raw {
		rec, err := recordFromLogstore(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// HighestCourse returns the highest course number on disk for ref.
func (s *Store) HighestCourse(ref Ref, status dialog.Status) (int, error) {
	return logstore.HighestCourse(s.layout.Dir(ref, status))
}

func recordToLogstore(rec dialog.PersistedRecord) (logstore.Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return logstore.Record{}, fmt.Errorf("store: marshal record: %w", err)
	}
	return logstore.Record{Type: string(rec.Type), Data: raw}, nil
}

func recordFromLogstore(r logstore.Record) (dialog.PersistedRecord, error) {
	var rec dialog.PersistedRecord
	if err := json.Unmarshal(r.Data, &rec); err != nil {
		return dialog.PersistedRecord{}, fmt.Errorf("store: unmarshal record: %w", err)
	}
	return rec, nil
}

// --- Latest (write-back key) -----------------------------------------------------

func (s *Store) latestKey(ref Ref, status dialog.Status) string { return s.layout.latestPath(ref, status) }

// MutateLatest applies fn to the current Latest for ref (staged or
// on-disk) and schedules a coalesced write-back (kernel spec §4.4).
func (s *Store) MutateLatest(ref Ref, status dialog.Status, fn func(cur dialog.Latest) (dialog.Latest, bool)) error {
	key := s.latestKey(ref, status)
	return s.latestWB.Mutate(key, func(cur any) (any, bool) {
		var typed dialog.Latest
		if cur != nil {
			typed = cur.(dialog.Latest)
		}
		next, changed := fn(typed)
		return next, changed
	})
}

// ReadLatest returns the current Latest view for ref (staged-first, disk
// fallback per kernel spec §4.4).
func (s *Store) ReadLatest(ref Ref, status dialog.Status) (dialog.Latest, error) {
	v, err := s.latestWB.Read(s.latestKey(ref, status))
	if err != nil {
		return dialog.Latest{}, err
	}
	if v == nil {
		return dialog.Latest{}, nil
	}
	return v.(dialog.Latest), nil
}

// FlushLatest forces an immediate disk write of ref's staged Latest.
func (s *Store) FlushLatest(ctx context.Context, ref Ref, status dialog.Status) error {
	return s.latestWB.Flush(ctx, s.latestKey(ref, status))
}

func (s *Store) readLatest(key string) (any, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		if os.IsNotExist(err) {
			return dialog.Latest{}, nil
		}
		return nil, err
	}
	var l dialog.Latest
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("store: parse latest.yaml %s: %w", key, err)
	}
	return l, nil
}

func (s *Store) flushLatest(ctx context.Context, key string, state any) error {
	start := time.Now()
	l, _ := state.(dialog.Latest)
	data, err := yaml.Marshal(l)
	if err != nil {
		return err
	}
	err = atomicfile.Write(key, data, 0o644)
	s.telemetry.RecordWritebackFlush(ctx, time.Since(start))
	return err
}

// --- FlushAll / shutdown -----------------------------------------------------

// FlushAll forces every pending write-back buffer (Latest, Q4H,
// PendingSubdialogs) to disk. Kernel spec §9 requires this to complete
// before process exit.
func (s *Store) FlushAll(ctx context.Context) error {
	var firstErr error
	for _, f := range []func(context.Context) error{s.latestWB.FlushAll, s.q4hWB.FlushAll, s.pendingWB.FlushAll} {
		if err := f(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
