// Package eventbus implements the publisher-side broadcast channel described
// in kernel spec §4.2: one independently-buffered stream per subscriber, a
// terminal end_of_stream sentinel after which further publishes are ignored,
// and a "yield the most recent value, then stream onward" attach semantics
// used by UI reconnects. A publish with zero attached subscribers is dropped
// — by design, restoration reads durable state directly rather than
// replaying from memory.
package eventbus

import "sync"

// EventType tags the kind of payload carried by an Event. The wire-event
// vocabulary from kernel spec §6 (markdown_chunk_evt, tool_call_requested_evt,
// ...) is expressed as EventType values by callers; eventbus itself only
// special-cases EndOfStream.
type EventType string

// EndOfStream is the terminal sentinel. Any Publish after one has been
// observed for a key is silently ignored.
const EndOfStream EventType = "end_of_stream"

// Event is the unit of broadcast. Payload carries the concrete wire-event
// body (e.g. a course-update record, a stream delta); Seq is a per-key
// monotonically increasing publish counter useful for ordering assertions
// in tests.
type Event struct {
	Type    EventType
	DialogID string
	Seq     int64
	Payload any
}

const defaultBufferSize = 64

// Bus is a keyed broadcaster. The zero value is not usable; use New.
type Bus struct {
	bufferSize int

	mu   sync.Mutex
	keys map[string]*keyState
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber channel buffer depth (the
// internal per-subscriber queue is unbounded regardless; this only affects
// how many already-pumped events can sit in the subscriber's read channel
// before the pump blocks waiting on a slow consumer).
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// New returns an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{bufferSize: defaultBufferSize, keys: make(map[string]*keyState)}
	for _, o := range opts {
		o(b)
	}
	return b
}

type keyState struct {
	mu        sync.Mutex
	subs      map[int]*subscriber
	nextSubID int
	seq       int64
	ended     bool
	hasLast   bool
	last      Event
}

// Publish broadcasts ev to every subscriber currently attached to key. If
// key has already received an EndOfStream event, the publish is ignored. If
// key currently has zero subscribers, the publish is dropped (not queued)
// but the "most recent value" slot is still updated so a subscriber
// attaching afterward (before any EndOfStream) sees it immediately.
func (b *Bus) Publish(key string, ev Event) {
	ks := b.keyStateFor(key)

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.ended {
		return
	}
	ks.seq++
	ev.Seq = ks.seq
	ev.DialogID = key
	if ev.Type == EndOfStream {
		ks.ended = true
	} else {
		ks.last = ev
		ks.hasLast = true
	}

	for _, sub := range ks.subs {
		sub.push(ev)
	}
}

// Subscribe attaches a new subscriber to key and returns its read channel
// plus an unsubscribe function. If key already has a last-published value,
// the subscriber receives it immediately (before any subsequently published
// event), per the "yield most-recent then stream onward" contract. If key
// has already ended, the returned channel yields the last value (if any),
// then end_of_stream, then closes — no live events will ever arrive.
func (b *Bus) Subscribe(key string) (<-chan Event, func()) {
	ks := b.keyStateFor(key)

	ks.mu.Lock()
	sub := newSubscriber(b.bufferSize)
	id := ks.nextSubID
	ks.nextSubID++

	if ks.hasLast {
		sub.push(ks.last)
	}
	if ks.ended {
		// Nothing more will ever be published; the subscriber is
		// logically already terminal.
		sub.push(Event{Type: EndOfStream, DialogID: key})
	} else {
		ks.subs[id] = sub
	}
	ks.mu.Unlock()

	unsubscribe := func() {
		ks.mu.Lock()
		delete(ks.subs, id)
		ks.mu.Unlock()
		sub.stop()
	}

	return sub.out, unsubscribe
}

func (b *Bus) keyStateFor(key string) *keyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ks, ok := b.keys[key]
	if !ok {
		ks = &keyState{subs: make(map[int]*subscriber)}
		b.keys[key] = ks
	}
	return ks
}

// ---------------------------------------------------------------------------
// subscriber: an unbounded internal queue pumped into a bounded read channel.
// Publish (and thus Bus.Publish) never blocks on a slow reader.
// ---------------------------------------------------------------------------

type subscriber struct {
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	stopc chan struct{}
	out   chan Event
}

func newSubscriber(bufferSize int) *subscriber {
	s := &subscriber{
		wake:  make(chan struct{}, 1),
		stopc: make(chan struct{}),
		out:   make(chan Event, bufferSize),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	close(s.stopc)
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.stopc:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stopc:
			return
		}
		if ev.Type == EndOfStream {
			close(s.out)
			return
		}
	}
}
