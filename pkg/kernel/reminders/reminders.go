// Package reminders maintains the schedule behind a dialog's reminders tail
// block (kernel spec §4.8 step 7). Specs are either a one-shot due time or a
// recurring cron expression (github.com/adhocore/gronx); a ticking
// Scheduler periodically evaluates every dialog's specs and persists the
// currently-active rendered lines through store.WriteReminders. Grounded on
// nevindra-oasis's internal/scheduling.Scheduler (ticker-driven checkAndRun
// loop, "once" schedules disabled after firing, recurring ones recomputed
// for their next run).
package reminders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
)

// Spec is one scheduled reminder attached to a dialog. Exactly one of Cron
// or At must be set: Cron for a recurring reminder, At for a one-shot.
type Spec struct {
	ID     string
	Ref    store.Ref
	Status dialog.Status
	Text   string
	Cron   string
	At     time.Time

	fired bool // one-shot specs only; true once delivered
}

func (s *Spec) recurring() bool { return s.Cron != "" }

func (s *Spec) key() string { return s.Ref.RootSelfID + "/" + strings.Join(s.Ref.Chain, "/") }

// Validate reports whether s is well-formed: exactly one of Cron/At set,
// and a Cron expression gronx recognizes.
func (s Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("reminders: spec requires an id")
	}
	hasCron := s.Cron != ""
	hasAt := !s.At.IsZero()
	if hasCron == hasAt {
		return fmt.Errorf("reminders: spec %s must set exactly one of Cron or At", s.ID)
	}
	if hasCron && !gronx.IsValid(s.Cron) {
		return fmt.Errorf("reminders: spec %s has invalid cron expression %q", s.ID, s.Cron)
	}
	return nil
}

// Scheduler holds every dialog's reminder specs in memory and flushes the
// due ones to disk on each Tick. Specs are not themselves durable; a caller
// that needs them to survive a process restart re-Adds them during its own
// startup sequence (kernel spec §6.6 leaves spec persistence to the
// embedder, since not every deployment runs reminders at all).
type Scheduler struct {
	mu    sync.Mutex
	specs map[string][]*Spec // keyed by Spec.key()
	st    *store.Store
	gron  gronx.Gronx
}

// New constructs a Scheduler that writes rendered reminders through st.
func New(st *store.Store) *Scheduler {
	return &Scheduler{
		specs: make(map[string][]*Spec),
		st:    st,
		gron:  gronx.New(),
	}
}

// Add registers spec. Specs for the same Ref accumulate; Add does not
// deduplicate by ID across calls, so callers that reload specs from their
// own storage should clear with Remove first when replacing one.
func (sch *Scheduler) Add(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	sch.mu.Lock()
	defer sch.mu.Unlock()
	s := spec
	key := s.key()
	sch.specs[key] = append(sch.specs[key], &s)
	return nil
}

// Remove drops the spec with the given id from ref's schedule, if present.
func (sch *Scheduler) Remove(ref store.Ref, id string) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	key := (&Spec{Ref: ref}).key()
	existing := sch.specs[key]
	next := existing[:0]
	for _, s := range existing {
		if s.ID != id {
			next = append(next, s)
		}
	}
	sch.specs[key] = next
}

// Run ticks every interval until ctx is cancelled (kernel spec §6.6's
// reminder_poll_interval_seconds config knob feeds interval).
func (sch *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sch.Tick(ctx, now)
		}
	}
}

// Tick evaluates every dialog's specs against now, persisting the text of
// every currently-active reminder (recurring specs due at now, plus
// one-shot specs whose At has passed and that have not fired yet) through
// store.WriteReminders. A one-shot spec is delivered on the first tick at
// or after its At and dropped on the next tick, whose write clears its
// line; a write failure for one dialog does not block the others.
func (sch *Scheduler) Tick(ctx context.Context, now time.Time) map[string]error {
	sch.mu.Lock()
	keys := make([]string, 0, len(sch.specs))
	for k := range sch.specs {
		keys = append(keys, k)
	}
	sch.mu.Unlock()

	errs := make(map[string]error)
	for _, key := range keys {
		if err := sch.tickOne(ctx, key, now); err != nil {
			errs[key] = err
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (sch *Scheduler) tickOne(ctx context.Context, key string, now time.Time) error {
	sch.mu.Lock()
	specs := sch.specs[key]
	var ref store.Ref
	var status dialog.Status
	var lines []string
	remaining := specs[:0]
	for _, s := range specs {
		switch {
		case s.recurring():
			due, err := sch.gron.IsDue(s.Cron, now)
			if err == nil && due {
				lines = append(lines, s.Text)
			}
			remaining = append(remaining, s)
		case s.fired:
			// delivered on an earlier tick: dropped now, and this tick's
			// write no longer carries its line
		case !now.Before(s.At):
			lines = append(lines, s.Text)
			s.fired = true
			remaining = append(remaining, s)
		default:
			remaining = append(remaining, s)
		}
		ref, status = s.Ref, s.Status
	}
	sch.specs[key] = remaining
	hasSpecs := len(specs) > 0
	sch.mu.Unlock()

	if !hasSpecs {
		return nil
	}
	return sch.st.WriteReminders(ref, status, lines)
}
