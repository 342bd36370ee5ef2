package dialog

import (
	"fmt"
	"sync"

	"github.com/dialogkernel/kernel/pkg/kernel/eventbus"
	"github.com/dialogkernel/kernel/pkg/kernel/fifomutex"
)

// ActiveGen identifies the generation a dialog is currently producing, if
// any (kernel spec §4.7 "activeGen = Some{course, genseq} | None").
type ActiveGen struct {
	Course int
	Genseq int
}

// Settings holds the small set of per-root configuration knobs that
// affect driving (kernel spec §4.8 "Diligence auto-continue").
type Settings struct {
	DisableDiligencePush bool
	SuppressDiligencePush bool
}

// Dialog is the in-memory model of one addressable conversation. Mutations
// happen only while holding Mutex (acquired via Acquire); the dialog
// registry guarantees at most one live instance per Id. Grounded on
// bitop-dev-agent's Agent type (mutex-guarded message slice, broadcast
// subscribers), generalized to a tree of dialogs with an explicit run-state
// machine instead of a single flat conversation.
type Dialog struct {
	mu fifomutex.Mutex

	ID       Id
	AgentID  string
	TaskDoc  string
	Settings Settings

	// RootSelfID and Chain pin down this dialog's on-disk location
	// directly (the selfId chain from the true root down to this
	// dialog, empty for the root itself) so persistence callers never
	// have to re-walk AssignmentFromSup.CallerDialogID links to resolve
	// a filesystem path. Mirrors store.Ref's shape without importing it
	// (store already imports this package).
	RootSelfID string
	Chain      []string

	// transcriptMu guards fields read/written outside of a held drive
	// (e.g. by restore or by a concurrent status query) independently of
	// the drive mutex, since a reader must never block behind a slow
	// drive.
	transcriptMu sync.RWMutex
	transcript   []ChatMessage

	Reminders []string

	course    int
	lastGenseq int
	activeGen *ActiveGen

	// coursePrefix is the condensed "Showing-by-Doing" digest of every
	// course before the current one, prepended to context assembly on
	// every course (kernel spec §4.8 "Context assembly" step 4). The live
	// transcript itself holds only the current course's messages; earlier
	// courses remain durable in their own JSONL logs and are summarized
	// here rather than replayed in full on every LLM call.
	coursePrefix string

	PendingSubdialogs []PendingSubdialog

	runState RunState

	// Root-only fields; zero-valued and unused on a subdialog.
	Registry map[registryKey]string // (agentId, sessionSlug) -> subdialogId, type-B only

	// AssignmentFromSup is set only on a SubDialog.
	AssignmentFromSup *AssignmentFromSup

	// pendingReplyToParent staves off a tellaskBack reply whose drive
	// also spawned a new subdialog of its own in the same generation
	// (kernel spec §4.9 "Nested waits": a child must not hand its parent
	// a reply while the child itself is still waiting on someone).
	// Set by the driver when FinalizeChildReply can't run yet; cleared
	// once a later drive finds PendingSubdialogs empty and finalizes it.
	pendingReplyToParent *string

	bus *eventbus.Bus
}

type registryKey struct {
	AgentID     string
	SessionSlug string
}

// New constructs a Dialog. bus may be nil (events are then dropped,
// matching EventChannel's "no subscribers" semantics).
func New(id Id, agentID string, bus *eventbus.Bus) *Dialog {
	d := &Dialog{
		ID:      id,
		AgentID: agentID,
		bus:     bus,
	}
	if id.IsRoot() {
		d.Registry = make(map[registryKey]string)
	}
	d.runState = Idle()
	return d
}

// Acquire serializes the entire drive of this dialog behind a FIFO mutex
// (kernel spec §4.7, §5 "Per-dialog mutex"). The returned func releases
// it; callers must defer it on every exit path.
func (d *Dialog) Acquire() func() { return d.mu.Acquire() }

// Course returns the dialog's current course number.
func (d *Dialog) Course() int {
	d.transcriptMu.RLock()
	defer d.transcriptMu.RUnlock()
	return d.course
}

// LastGenseq returns the highest genseq assigned so far in this dialog.
func (d *Dialog) LastGenseq() int {
	d.transcriptMu.RLock()
	defer d.transcriptMu.RUnlock()
	return d.lastGenseq
}

// ActiveGeneration returns the in-progress generation descriptor, or nil
// if the dialog is not currently generating.
func (d *Dialog) ActiveGeneration() *ActiveGen {
	d.transcriptMu.RLock()
	defer d.transcriptMu.RUnlock()
	return d.activeGen
}

// RunState returns the dialog's current run-state.
func (d *Dialog) RunState() RunState {
	d.transcriptMu.RLock()
	defer d.transcriptMu.RUnlock()
	return d.runState
}

// SetRunState updates the dialog's run-state. Must be called while
// holding the drive mutex (Acquire) for any transition driven by the
// driver; the reconciler and coordinator call it directly at startup /
// wake-up before any drive is in flight.
func (d *Dialog) SetRunState(s RunState) {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.runState = s
}

// PendingReplyToParent returns the staged tellaskBack reply content, if
// any, that is waiting for this dialog's own pending subdialogs to drain
// before it can be finalized to the parent.
func (d *Dialog) PendingReplyToParent() *string {
	d.transcriptMu.RLock()
	defer d.transcriptMu.RUnlock()
	return d.pendingReplyToParent
}

// SetPendingReplyToParent stages or clears the deferred reply.
func (d *Dialog) SetPendingReplyToParent(content *string) {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.pendingReplyToParent = content
}

// StartNewCourse advances the dialog to a new course. Course numbers are
// strictly increasing (kernel spec §3 invariant 1); it is a programming
// error to call this out of order, so it is not guarded against — callers
// own that invariant by construction (single driver owns the mutex).
func (d *Dialog) StartNewCourse() int {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.course++
	return d.course
}

// SetCourse pins the dialog's course counter directly. Only Restore calls
// this — every other caller advances course via StartNewCourse so the
// strictly-increasing invariant holds by construction.
func (d *Dialog) SetCourse(course int) {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.course = course
}

// SetLastGenseq pins the dialog's genseq counter directly. Only Restore
// calls this, to resume numbering after the highest genseq found on disk.
func (d *Dialog) SetLastGenseq(genseq int) {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.lastGenseq = genseq
}

// CoursePrefix returns the condensed digest of every course before the
// current one.
func (d *Dialog) CoursePrefix() string {
	d.transcriptMu.RLock()
	defer d.transcriptMu.RUnlock()
	return d.coursePrefix
}

// SetCoursePrefix replaces the condensed digest, normally called by the
// driver immediately before starting a new course.
func (d *Dialog) SetCoursePrefix(s string) {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.coursePrefix = s
}

// NextGenseq allocates the next genseq for a new generation, strictly
// increasing across all courses of this dialog (kernel spec §3 invariant
// 1), and marks the dialog as actively generating at (course, genseq).
func (d *Dialog) NextGenseq(course int) int {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.lastGenseq++
	d.activeGen = &ActiveGen{Course: course, Genseq: d.lastGenseq}
	return d.lastGenseq
}

// FinishGeneration clears the active-generation marker.
func (d *Dialog) FinishGeneration() {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.activeGen = nil
}

// AppendMessage appends msg to the in-memory transcript used for LLM
// context assembly. Internal-drive prompts must never reach this method
// (kernel spec §4.8 "Internal-drive non-leakage") — the driver stages
// them only in an ephemeral context slot.
func (d *Dialog) AppendMessage(msg ChatMessage) {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.transcript = append(d.transcript, msg)
}

// Transcript returns a snapshot copy of the in-memory transcript.
func (d *Dialog) Transcript() []ChatMessage {
	d.transcriptMu.RLock()
	defer d.transcriptMu.RUnlock()
	out := make([]ChatMessage, len(d.transcript))
	copy(out, d.transcript)
	return out
}

// ReplaceTranscript atomically replaces the in-memory transcript, used by
// Restore after rebuilding from the latest course's events.
func (d *Dialog) ReplaceTranscript(msgs []ChatMessage) {
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.transcript = msgs
}

// Publish emits an event to this dialog's channel. A nil bus (or no
// subscribers) silently drops the event, per EventChannel semantics.
func (d *Dialog) Publish(ev eventbus.Event) {
	if d.bus == nil {
		return
	}
	ev.DialogID = d.ID.String()
	d.bus.Publish(d.ID.String(), ev)
}

// RegistryLookup returns the subdialogId registered for (agentId,
// sessionSlug) on a root dialog, or "" if none. It is a hard error to
// call this on a non-root dialog (kernel spec §7 "non-root id passed to a
// root-only API").
func (d *Dialog) RegistryLookup(agentID, sessionSlug string) (string, error) {
	if !d.ID.IsRoot() {
		return "", fmt.Errorf("dialog: RegistryLookup called on non-root dialog %s", d.ID)
	}
	d.transcriptMu.RLock()
	defer d.transcriptMu.RUnlock()
	return d.Registry[registryKey{agentID, sessionSlug}], nil
}

// RegistrySet records a (agentId, sessionSlug) -> subdialogId mapping on
// a root dialog.
func (d *Dialog) RegistrySet(agentID, sessionSlug, subdialogID string) error {
	if !d.ID.IsRoot() {
		return fmt.Errorf("dialog: RegistrySet called on non-root dialog %s", d.ID)
	}
	d.transcriptMu.Lock()
	defer d.transcriptMu.Unlock()
	d.Registry[registryKey{agentID, sessionSlug}] = subdialogID
	return nil
}

// RegistrySnapshot returns a copy of the root's (agentId, sessionSlug) ->
// subdialogId registry.
func (d *Dialog) RegistrySnapshot() map[[2]string]string {
	d.transcriptMu.RLock()
	defer d.transcriptMu.RUnlock()
	out := make(map[[2]string]string, len(d.Registry))
	for k, v := range d.Registry {
		out[[2]string{k.AgentID, k.SessionSlug}] = v
	}
	return out
}
