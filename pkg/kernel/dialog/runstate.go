package dialog

import "time"

// StopReason names why a dialog was asked to stop proceeding.
type StopReason string

const (
	StopUserStop      StopReason = "user_stop"
	StopEmergencyStop StopReason = "emergency_stop"
)

// InterruptReason names why a dialog was interrupted.
type InterruptReason string

const (
	InterruptUserStop      InterruptReason = "user_stop"
	InterruptEmergencyStop InterruptReason = "emergency_stop"
	InterruptServerRestart InterruptReason = "server_restart"
	InterruptSystemStop    InterruptReason = "system_stop"
)

// BlockedReason names why a dialog cannot proceed without external input.
type BlockedReason string

const (
	BlockedNeedsHumanInput              BlockedReason = "needs_human_input"
	BlockedWaitingForSubdialogs          BlockedReason = "waiting_for_subdialogs"
	BlockedNeedsHumanInputAndSubdialogs BlockedReason = "needs_human_input_and_subdialogs"
)

// DeadReason names why a dialog was permanently retired.
type DeadReason string

const (
	DeadDeclaredByUser DeadReason = "declared_by_user"
	DeadReasonSystem   DeadReason = "system"
)

// TerminalStatus names the disposition of a terminal dialog.
type TerminalStatus string

const (
	TerminalCompleted TerminalStatus = "completed"
	TerminalArchived  TerminalStatus = "archived"
)

// RunStateKind discriminates the RunState sum type (kernel spec §3).
type RunStateKind string

const (
	RunIdleWaitingUser           RunStateKind = "idle_waiting_user"
	RunProceeding                RunStateKind = "proceeding"
	RunProceedingStopRequested   RunStateKind = "proceeding_stop_requested"
	RunInterrupted               RunStateKind = "interrupted"
	RunBlocked                   RunStateKind = "blocked"
	RunDead                      RunStateKind = "dead"
	RunTerminal                  RunStateKind = "terminal"
)

// RunState is the closed sum type describing where a dialog sits in its
// lifecycle. Exactly the fields relevant to Kind are meaningful; callers
// should switch on Kind rather than inspecting every field.
type RunState struct {
	Kind RunStateKind

	StopReason      StopReason      // proceeding_stop_requested
	InterruptReason InterruptReason // interrupted
	InterruptDetail string          // interrupted{system_stop}
	BlockedReason   BlockedReason   // blocked
	DeadReason      DeadReason      // dead
	DeadDetail      string          // dead{system}
	TerminalStatus  TerminalStatus  // terminal
}

// Idle, Proceeding, Dead, Terminal, Interrupted, and Blocked are
// constructors for each RunState variant.
func Idle() RunState { return RunState{Kind: RunIdleWaitingUser} }
func Proceeding() RunState { return RunState{Kind: RunProceeding} }

func ProceedingStopRequested(reason StopReason) RunState {
	return RunState{Kind: RunProceedingStopRequested, StopReason: reason}
}

func Interrupted(reason InterruptReason) RunState {
	return RunState{Kind: RunInterrupted, InterruptReason: reason}
}

func InterruptedSystem(detail string) RunState {
	return RunState{Kind: RunInterrupted, InterruptReason: InterruptSystemStop, InterruptDetail: detail}
}

func Blocked(reason BlockedReason) RunState {
	return RunState{Kind: RunBlocked, BlockedReason: reason}
}

func Dead(reason DeadReason) RunState {
	return RunState{Kind: RunDead, DeadReason: reason}
}

func DeadSystem(detail string) RunState {
	return RunState{Kind: RunDead, DeadReason: DeadReasonSystem, DeadDetail: detail}
}

func Terminal(status TerminalStatus) RunState {
	return RunState{Kind: RunTerminal, TerminalStatus: status}
}

// RequiresNonProceeding reports whether this run-state kind is one of the
// kinds a dialog with a pending HumanQuestion must be in after
// reconciliation (kernel spec §3 invariant 5).
func (s RunState) RequiresNonProceeding() bool {
	switch s.Kind {
	case RunBlocked, RunInterrupted, RunDead, RunTerminal:
		return true
	default:
		return false
	}
}

// Status is the coarse dialog lifecycle bucket used for directory layout
// (runDir / doneDir / archiveDir, kernel spec §4.6).
type Status string

const (
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusArchived Status = "archived"
)

// Latest is the small per-dialog descriptor persisted as latest.yaml
// (kernel spec §3).
type Latest struct {
	CurrentCourse int       `yaml:"currentCourse" json:"currentCourse"`
	LastModified  time.Time `yaml:"lastModified" json:"lastModified"`
	Status        Status    `yaml:"status" json:"status"`
	Generating    bool      `yaml:"generating" json:"generating"`
	NeedsDrive    bool      `yaml:"needsDrive" json:"needsDrive"`

	DiligencePushRemainingBudget int `yaml:"diligencePushRemainingBudget" json:"diligencePushRemainingBudget"`

	RunState RunState `yaml:"runState" json:"runState"`
}

// WithCourse returns a copy of l with currentCourse advanced to course,
// enforcing that it never moves backward (kernel spec §3 invariant 6).
func (l Latest) WithCourse(course int) Latest {
	if course > l.CurrentCourse {
		l.CurrentCourse = course
	}
	l.LastModified = time.Now()
	return l
}

// WithRunState returns a copy of l with RunState replaced and
// lastModified refreshed.
func (l Latest) WithRunState(s RunState) Latest {
	l.RunState = s
	l.LastModified = time.Now()
	return l
}
