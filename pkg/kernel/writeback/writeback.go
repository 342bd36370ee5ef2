// Package writeback implements the coalesced, crash-safe write-back buffer
// described in kernel spec §4.4: per key, at most one scheduled entry (with
// a timer) plus at most one in-flight flush; mutations collapse into the
// most recently staged state and a mutation arriving while a flush is
// in-flight marks it dirty so the flush's completion re-arms a timer for
// the delta. Used for Latest, Q4H, and PendingSubdialogs (kernel spec §4.4,
// §4.6). There is no bitop-dev-agent precedent for this component (it
// writes its session file synchronously on every append); it is new,
// grounded on the general coalesced-timer pattern; a single sync.Mutex
// guards the entries of every key.
package writeback

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is WRITEBACK_WINDOW_MS from kernel spec §4.4.
const DefaultWindow = 300 * time.Millisecond

// Mutator computes the next staged state given the current one (which is
// nil if there is no staged state yet, in which case diskRead supplies the
// on-disk snapshot to fold the mutation into). It returns the new staged
// state and whether it changed; changed=false signals a no-op (no write
// is scheduled).
type Mutator func(cur any) (next any, changed bool)

// Flusher durably persists a staged state for a key. It is invoked with
// the most recently staged state at the moment the timer fires (for a
// dirty re-arm, that state already includes every mutation made while the
// previous flush was in flight).
type Flusher func(ctx context.Context, key string, state any) error

// Reader loads the on-disk snapshot for a key, used as the mutation seed
// when no entry is currently staged.
type Reader func(key string) (any, error)

// Buffer coalesces writes for one key type (Latest, Q4H, or
// PendingSubdialogs each get their own Buffer instance).
type Buffer struct {
	window  time.Duration
	flush   Flusher
	read    Reader
	onError func(key string, err error)

	mu      sync.Mutex
	entries map[string]*entry
}

type entryState int

const (
	stateIdle entryState = iota
	stateScheduled
	stateFlushing
)

type entry struct {
	state   entryState
	staged  any
	haveVal bool
	dirty   bool
	timer   *time.Timer
}

// New constructs a Buffer. flush persists a staged value; read supplies the
// on-disk snapshot when no staged entry exists yet. onError (optional) is
// invoked when a flush fails after a retry has already been armed, purely
// for observability — the retry itself is automatic and never drops state.
func New(flush Flusher, read Reader, opts ...Option) *Buffer {
	b := &Buffer{
		window:  DefaultWindow,
		flush:   flush,
		read:    read,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithWindow overrides the coalescing window (default DefaultWindow).
func WithWindow(d time.Duration) Option {
	return func(b *Buffer) { b.window = d }
}

// WithErrorHook registers a callback invoked whenever a flush fails (after
// a retry timer has already been armed).
func WithErrorHook(fn func(key string, err error)) Option {
	return func(b *Buffer) { b.onError = fn }
}

// Mutate applies fn to the current staged state for key (or the on-disk
// snapshot if nothing is staged) and arms/refreshes the write-back timer
// per the algorithm in kernel spec §4.4. It never blocks on disk I/O.
func (b *Buffer) Mutate(key string, fn Mutator) error {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}

	cur, err := b.currentLocked(key, e)
	if err != nil {
		b.mu.Unlock()
		return err
	}

	next, changed := fn(cur)
	if !changed {
		b.mu.Unlock()
		return nil
	}

	e.staged = next
	e.haveVal = true

	switch e.state {
	case stateIdle:
		e.state = stateScheduled
		b.armLocked(key, e)
	case stateScheduled:
		// Overwrite staged state in place; timer already armed, do not
		// re-arm (keeps bounded flush latency).
	case stateFlushing:
		e.dirty = true
	}
	b.mu.Unlock()
	return nil
}

// currentLocked returns the best-known current state: the staged value if
// present, otherwise the on-disk snapshot (read once and NOT cached, since
// the caller only needs it to seed this single mutation).
func (b *Buffer) currentLocked(key string, e *entry) (any, error) {
	if e.haveVal {
		return e.staged, nil
	}
	if b.read == nil {
		return nil, nil
	}
	return b.read(key)
}

func (b *Buffer) armLocked(key string, e *entry) {
	e.timer = time.AfterFunc(b.window, func() { b.onTimer(key) })
}

func (b *Buffer) onTimer(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || e.state != stateScheduled {
		b.mu.Unlock()
		return
	}
	staged := e.staged
	e.state = stateFlushing
	e.dirty = false
	e.timer = nil
	b.mu.Unlock()

	err := b.flush(context.Background(), key, staged)

	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok = b.entries[key]
	if !ok {
		return
	}
	if err != nil {
		if b.onError != nil {
			b.onError(key, err)
		}
		// Retry: re-arm without dropping the staged value.
		e.state = stateScheduled
		b.armLocked(key, e)
		return
	}
	if e.dirty {
		e.state = stateScheduled
		e.dirty = false
		b.armLocked(key, e)
		return
	}
	delete(b.entries, key)
}

// Read returns the current view for key: the staged entry if one exists,
// otherwise the on-disk snapshot via the configured Reader.
func (b *Buffer) Read(key string) (any, error) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if ok && e.haveVal {
		v := e.staged
		b.mu.Unlock()
		return v, nil
	}
	b.mu.Unlock()
	if b.read == nil {
		return nil, nil
	}
	return b.read(key)
}

// Flush forces an immediate synchronous flush of key's staged state, if
// any, bypassing the coalescing window. Used at shutdown: kernel spec §9
// requires every write-back buffer to complete its final flush before the
// process exits.
func (b *Buffer) Flush(ctx context.Context, key string) error {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || !e.haveVal {
		b.mu.Unlock()
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	staged := e.staged
	e.state = stateFlushing
	e.dirty = false
	b.mu.Unlock()

	err := b.flush(ctx, key, staged)

	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok = b.entries[key]
	if !ok {
		return err
	}
	if err != nil {
		e.state = stateScheduled
		b.armLocked(key, e)
		return err
	}
	if e.dirty {
		e.state = stateScheduled
		e.dirty = false
		b.armLocked(key, e)
		return nil
	}
	delete(b.entries, key)
	return nil
}

// FlushAll forces an immediate flush of every currently staged key. Used
// for orderly shutdown.
func (b *Buffer) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := b.Flush(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
