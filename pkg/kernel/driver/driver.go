// Package driver implements the one-course advance loop (kernel spec
// §4.8, the "C8 Driver"): assemble context, call the LLM with retry,
// persist and dispatch each parsed chunk, and decide whether to loop,
// suspend on a subdialog, block on a human question, or fall quiet.
// Grounded on bitop-dev-agent's pkg/agent/loop.go runLoop /
// streamResponseWithRetry / executeToolCalls*, generalized with
// teammate-call classification, diligence auto-continue, and
// internal-drive non-leakage.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dialogkernel/kernel/pkg/ai"
	"github.com/dialogkernel/kernel/pkg/kernel/coordinator"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/eventbus"
	"github.com/dialogkernel/kernel/pkg/kernel/klog"
	"github.com/dialogkernel/kernel/pkg/kernel/outputparser"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
	"github.com/dialogkernel/kernel/pkg/tools"
	"github.com/dialogkernel/kernel/pkg/tools/builtin"
)

// Mode selects how a Drive's input is treated (kernel spec §4.8 "Input
// types to a drive").
type Mode string

const (
	// ModePersist appends a human_text record and a prompting ChatMessage.
	ModePersist Mode = "persist"
	// ModeInternal stages the text as ephemeral context only; it must
	// never be persisted and must not survive past this one drive.
	ModeInternal Mode = "internal"
)

// Input is the new input to one Drive call. Text may be empty — a pure
// redrive triggered by a subdialog response carries no new text of its
// own, only whatever DrainResponses mirrors into the transcript.
type Input struct {
	Mode Mode
	Text string
}

// Driver advances dialogs. One Driver instance is shared by every dialog
// in a workspace; per-dialog state lives on the dialog itself.
type Driver struct {
	registry    *dialog.Registry
	store       *store.Store
	bus         *eventbus.Bus
	coordinator *coordinator.Coordinator
	cfg         Config
}

// New constructs a Driver.
func New(registry *dialog.Registry, st *store.Store, bus *eventbus.Bus, coord *coordinator.Coordinator, cfg Config) *Driver {
	return &Driver{registry: registry, store: st, bus: bus, coordinator: coord, cfg: cfg}
}

// CreateRootDialog persists a fresh root dialog's metadata and latest
// pointer, seeds its diligence-push budget from Config, and registers
// the live instance. There is no prior "create root" API elsewhere in
// the kernel — every other entry point only ever creates subdialogs
// (kernel spec §4.9 "Creation"), so the driver owns this one.
func (dr *Driver) CreateRootDialog(agentID, taskDoc string, settings dialog.Settings, newID func() string) (*dialog.Dialog, error) {
	selfID := newID()
	id := dialog.Id{SelfID: selfID, RootID: selfID}
	d := dialog.New(id, agentID, dr.bus)
	d.RootSelfID = selfID
	d.TaskDoc = taskDoc
	d.Settings = settings

	ref := store.Ref{RootSelfID: selfID}
	if err := dr.store.EnsureDialogDir(ref, dialog.StatusRunning); err != nil {
		return nil, fmt.Errorf("driver: create root dialog dir: %w", err)
	}
	meta := store.Meta{ID: id, AgentID: agentID, TaskDoc: taskDoc, CreatedAt: time.Now(), Settings: settings}
	if err := dr.store.WriteMeta(ref, dialog.StatusRunning, meta); err != nil {
		return nil, fmt.Errorf("driver: write root meta: %w", err)
	}
	if err := dr.store.MutateLatest(ref, dialog.StatusRunning, func(dialog.Latest) (dialog.Latest, bool) {
		return dialog.Latest{
			RunState:                     dialog.Idle(),
			LastModified:                 time.Now(),
			DiligencePushRemainingBudget: dr.cfg.DiligenceMaxBudget,
		}, true
	}); err != nil {
		return nil, fmt.Errorf("driver: seed root latest: %w", err)
	}
	if err := dr.store.FlushLatest(context.Background(), ref, dialog.StatusRunning); err != nil {
		return nil, fmt.Errorf("driver: flush root latest: %w", err)
	}
	if err := dr.registry.Register(d); err != nil {
		return nil, fmt.Errorf("driver: register root dialog: %w", err)
	}
	return d, nil
}

// Redrive implements coordinator.Redriver: it re-enters the driver on a
// dialog that was suspended waiting on a subdialog reply. It never
// blocks the caller beyond enqueueing the work, matching the
// coordinator's contract that a parent-wake handoff never holds the
// child's mutex.
func (dr *Driver) Redrive(d *dialog.Dialog) {
	go func() {
		if err := dr.Drive(context.Background(), d, Input{Mode: ModeInternal}); err != nil {
			klog.Dialog(d.ID.RootID, d.ID.String()).Error().Err(err).Msg("redrive failed")
		}
	}()
}

type parsedOrdinaryCall struct {
	callID string
	name   string
	args   map[string]any
}

// Drive advances d through exactly one course (kernel spec §4.8's
// "drive" / glossary's "course"): acquire the dialog's mutex, fold in
// new input and any queued subdialog responses, run the generation
// loop until the model falls silent, a human is needed, or a subdialog
// must be awaited, then release the mutex. If d is a subdialog that
// used tellaskBack to reply to its parent, the reply is finalized only
// after the mutex has been released (kernel spec §5 "mutexes are never
// held across parent/child transitions").
func (dr *Driver) Drive(ctx context.Context, d *dialog.Dialog, in Input) error {
	ctx, endSpan := dr.cfg.Telemetry.StartDrive(ctx, d.ID.String(), d.Course()+1)
	err := dr.drive(ctx, d, in)
	endSpan(err)
	return err
}

// drive is Drive's body, split out so the telemetry span in Drive wraps
// every exit path (including early returns) without threading an error
// variable through each one.
func (dr *Driver) drive(ctx context.Context, d *dialog.Dialog, in Input) error {
	release := d.Acquire()
	released := false
	finish := func() {
		if !released {
			released = true
			release()
		}
	}
	defer finish()

	ref := store.Ref{RootSelfID: d.RootSelfID, Chain: d.Chain}
	log := klog.Dialog(d.ID.RootID, d.ID.String())

	d.SetRunState(dialog.Proceeding())
	if err := dr.store.MutateLatest(ref, dialog.StatusRunning, func(cur dialog.Latest) (dialog.Latest, bool) {
		cur.Generating = true
		return cur.WithRunState(dialog.Proceeding()), true
	}); err != nil {
		return fmt.Errorf("driver: mark proceeding: %w", err)
	}

	course := dr.beginNewCourse(d)

	var ephemeral []dialog.ChatMessage
	if in.Mode == ModePersist && in.Text != "" {
		rec, err := dialog.NewRecord(dialog.RecordHumanText, 0, "", in.Text)
		if err != nil {
			return err
		}
		if err := dr.store.AppendRecord(ref, dialog.StatusRunning, course, rec); err != nil {
			return fmt.Errorf("driver: persist human_text: %w", err)
		}
		d.AppendMessage(dialog.ChatMessage{Kind: dialog.MsgPrompting, Timestamp: time.Now(), Text: in.Text})
	}

	if _, err := dr.coordinator.DrainResponses(d); err != nil {
		return fmt.Errorf("driver: drain responses: %w", err)
	}

	if in.Mode == ModeInternal && in.Text != "" {
		ephemeral = []dialog.ChatMessage{{Kind: dialog.MsgPrompting, Timestamp: time.Now(), Text: in.Text}}
	}

	var outcome dialog.RunState
	var replyToParent *string

loop:
	for iter := 0; iter < dr.cfg.iterationCap(); iter++ {
		genseq := d.NextGenseq(course)
		clog := klog.Course(d.ID.RootID, d.ID.String(), course, genseq)

		startRec, _ := dialog.NewRecord(dialog.RecordGenStart, genseq, "", struct{}{})
		if err := dr.store.AppendRecord(ref, dialog.StatusRunning, course, startRec); err != nil {
			return fmt.Errorf("driver: persist gen_start: %w", err)
		}
		d.Publish(eventbus.Event{Type: "generating_start_evt", Payload: map[string]any{"course": course, "genseq": genseq}})

		llmCtx := assembleContext(d, dr.cfg, ephemeral)
		ephemeral = nil

		msg, err := callWithRetry(ctx, dr.cfg.maxRetries(),
			func(ctx context.Context) (*ai.AssistantMessage, error) {
				return dr.streamOnce(ctx, llmCtx)
			},
			func(attempt int, rerr error, delay time.Duration) {
				clog.Warn().Int("attempt", attempt).Dur("delay", delay).AnErr("cause", rerr).Msg("llm retry")
				dr.cfg.Telemetry.RecordRetryAttempt(ctx, attempt, "retried")
			},
			nil,
		)
		d.FinishGeneration()

		if err != nil {
			d.Publish(eventbus.Event{Type: "stream_error_evt", Payload: err.Error()})
			finishRec, _ := dialog.NewRecord(dialog.RecordGenFinish, genseq, "", struct {
				Error string `json:"error"`
			}{err.Error()})
			_ = dr.store.AppendRecord(ref, dialog.StatusRunning, course, finishRec)
			clog.Error().Err(err).Msg("llm call failed")
			outcome = dialog.DeadSystem(err.Error())
			break loop
		}

		hasToolCall := false
		hasSaying := false
		var ordinaryCalls []parsedOrdinaryCall
		var teammateCalls []outputparser.TeammateCall

		for _, block := range msg.Content {
			switch b := block.(type) {
			case ai.ThinkingContent:
				dr.persistThinking(ref, d, course, genseq, b.Thinking)
			case ai.TextContent:
				hasSaying = true
				dr.persistSaying(ref, d, course, genseq, b.Text)
			case ai.ToolCall:
				hasToolCall = true
				argsJSON, _ := json.Marshal(b.Arguments)
				chunk, perr := dr.cfg.Parser.ParseToolCall(outputparser.RawToolCall{CallID: b.ID, Name: b.Name, ArgsJSON: string(argsJSON)})
				if perr != nil {
					dr.persistFuncResult(ref, d, course, genseq, b.ID, b.Name, perr.Error(), true)
					continue
				}
				if chunk.Kind == outputparser.ChunkTeammateCall {
					anchorRec, _ := dialog.NewRecord(dialog.RecordTeammateCallAnchor, genseq, b.ID, chunk.Teammate)
					_ = dr.store.AppendRecord(ref, dialog.StatusRunning, course, anchorRec)
					d.Publish(eventbus.Event{Type: "teammate_call_start_evt", Payload: chunk.Teammate})
					teammateCalls = append(teammateCalls, chunk.Teammate)
					continue
				}
				callRec, _ := dialog.NewRecord(dialog.RecordFuncCall, genseq, b.ID, struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				}{b.Name, argsJSON})
				_ = dr.store.AppendRecord(ref, dialog.StatusRunning, course, callRec)
				d.AppendMessage(dialog.ChatMessage{Kind: dialog.MsgFuncCall, Timestamp: time.Now(), Genseq: genseq, CallID: b.ID, ToolName: b.Name, ToolArgs: argsJSON})
				d.Publish(eventbus.Event{Type: "func_call_requested_evt", Payload: map[string]any{"callId": b.ID, "name": b.Name}})
				ordinaryCalls = append(ordinaryCalls, parsedOrdinaryCall{callID: b.ID, name: b.Name, args: b.Arguments})
			}
		}

		finishRec, _ := dialog.NewRecord(dialog.RecordGenFinish, genseq, "", struct{}{})
		_ = dr.store.AppendRecord(ref, dialog.StatusRunning, course, finishRec)
		d.Publish(eventbus.Event{Type: "generating_finish_evt", Payload: map[string]any{"course": course, "genseq": genseq, "model": dr.cfg.Model}})

		dr.dispatchOrdinaryCalls(ctx, ref, d, course, genseq, ordinaryCalls)

		suspended, blocked, err := dr.dispatchTeammateCalls(d, teammateCalls, &replyToParent)
		if err != nil {
			return err
		}
		if blocked {
			outcome = dialog.Blocked(dialog.BlockedNeedsHumanInput)
			break loop
		}
		if suspended {
			outcome = dialog.Blocked(dialog.BlockedWaitingForSubdialogs)
			break loop
		}
		if replyToParent != nil {
			outcome = dialog.Idle()
			break loop
		}

		if hasToolCall {
			continue loop
		}
		// Fell silent with neither a tool call nor new saying output:
		// this is the diligence-push decision point.
		if !hasSaying && d.ID.IsRoot() && !d.Settings.DisableDiligencePush && !d.Settings.SuppressDiligencePush {
			injected, done, derr := dr.tryDiligencePush(ref)
			if derr != nil {
				return derr
			}
			if injected != "" {
				ephemeral = []dialog.ChatMessage{{Kind: dialog.MsgPrompting, Timestamp: time.Now(), Text: injected}}
				continue loop
			}
			if done {
				outcome = dialog.Blocked(dialog.BlockedNeedsHumanInput)
				break loop
			}
		}

		outcome = dialog.Idle()
		break loop
	}

	if outcome.Kind == "" {
		outcome = dialog.DeadSystem("per-drive iteration cap exceeded")
	}

	d.SetRunState(outcome)
	if err := dr.store.MutateLatest(ref, dialog.StatusRunning, func(cur dialog.Latest) (dialog.Latest, bool) {
		cur.Generating = false
		return cur.WithRunState(outcome), true
	}); err != nil {
		return fmt.Errorf("driver: persist final run-state: %w", err)
	}
	if err := dr.store.FlushLatest(ctx, ref, dialog.StatusRunning); err != nil {
		return fmt.Errorf("driver: flush final latest: %w", err)
	}

	log.Debug().Str("outcome", string(outcome.Kind)).Msg("drive finished")

	finish()

	if replyToParent != nil {
		d.SetPendingReplyToParent(replyToParent)
	}
	if pending := d.PendingReplyToParent(); pending != nil {
		if len(d.PendingSubdialogs) > 0 {
			// This drive also spawned (or is still waiting on) a
			// subdialog of its own; finalizing now would hand the
			// parent an intermediate reply. Leave it staged — the
			// next drive that finds PendingSubdialogs empty (the
			// redrive triggered once those subdialogs finish) retries
			// this same check.
			log.Debug().Msg("deferring reply to parent: still waiting on own subdialogs")
		} else if err := dr.coordinator.FinalizeChildReply(d, *pending); err != nil {
			return fmt.Errorf("driver: finalize child reply: %w", err)
		} else {
			d.SetPendingReplyToParent(nil)
		}
	}
	return nil
}

// streamOnce performs a single (non-retried) provider call, fully
// draining the event channel before returning the final message.
func (dr *Driver) streamOnce(ctx context.Context, llmCtx ai.Context) (*ai.AssistantMessage, error) {
	events, wait := dr.cfg.Provider.Stream(ctx, dr.cfg.Model, llmCtx, ai.StreamOptions{})
	for range events {
		// Incremental deltas are for UI streaming only; the driver
		// persists from the final assembled message once wait() returns.
	}
	return wait()
}

func (dr *Driver) persistThinking(ref store.Ref, d *dialog.Dialog, course, genseq int, text string) {
	d.AppendMessage(dialog.ChatMessage{Kind: dialog.MsgThinking, Timestamp: time.Now(), Genseq: genseq, Text: text})
	rec, _ := dialog.NewRecord(dialog.RecordAgentThought, genseq, "", text)
	_ = dr.store.AppendRecord(ref, dialog.StatusRunning, course, rec)
	d.Publish(eventbus.Event{Type: "thinking_chunk_evt", Payload: text})
}

func (dr *Driver) persistSaying(ref store.Ref, d *dialog.Dialog, course, genseq int, text string) {
	d.AppendMessage(dialog.ChatMessage{Kind: dialog.MsgSaying, Timestamp: time.Now(), Genseq: genseq, Text: text})
	rec, _ := dialog.NewRecord(dialog.RecordAgentWords, genseq, "", text)
	_ = dr.store.AppendRecord(ref, dialog.StatusRunning, course, rec)
	d.Publish(eventbus.Event{Type: "markdown_chunk_evt", Payload: text})
}

func (dr *Driver) persistFuncResult(ref store.Ref, d *dialog.Dialog, course, genseq int, callID, name, result string, isError bool) {
	rec, _ := dialog.NewRecord(dialog.RecordFuncResult, genseq, callID, struct {
		Result  string `json:"result"`
		IsError bool   `json:"isError"`
	}{result, isError})
	_ = dr.store.AppendRecord(ref, dialog.StatusRunning, course, rec)
	d.AppendMessage(dialog.ChatMessage{Kind: dialog.MsgFuncResult, Timestamp: time.Now(), Genseq: genseq, CallID: callID, ToolName: name, Result: result, IsError: isError})
	d.Publish(eventbus.Event{Type: "func_result_evt", Payload: map[string]any{"callId": callID, "result": result, "isError": isError}})
}

// dispatchOrdinaryCalls validates and executes every ordinary tool call
// from one generation, persisting each result (kernel spec §4.8 "per
// tool-call persistence order", step 3). Grounded on bitop-dev-agent's
// executeToolCallsSequential: panic recovery, per-call timeout, and
// validate-before-execute.
func (dr *Driver) dispatchOrdinaryCalls(ctx context.Context, ref store.Ref, d *dialog.Dialog, course, genseq int, calls []parsedOrdinaryCall) {
	ctx = builtin.WithReminderTarget(ctx, ref, dialog.StatusRunning)
	for _, oc := range calls {
		toolCtx, endSpan := dr.cfg.Telemetry.StartToolCall(ctx, oc.name)
		result, toolErr := dr.executeOne(toolCtx, oc)
		text := ""
		isError := toolErr != nil
		if toolErr != nil {
			text = toolErr.Error()
		} else {
			text = flattenText(result.Content)
		}
		endSpan(isError)
		dr.persistFuncResult(ref, d, course, genseq, oc.callID, oc.name, text, isError)
	}
}

func (dr *Driver) executeOne(ctx context.Context, oc parsedOrdinaryCall) (result tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = tools.ErrorResult(fmt.Errorf("tool %s panicked: %v", oc.name, r))
			err = nil
		}
	}()

	if dr.cfg.Tools == nil {
		return tools.Result{}, fmt.Errorf("no tool registry configured")
	}
	t := dr.cfg.Tools.Get(oc.name)
	if t == nil {
		return tools.Result{}, fmt.Errorf("unknown tool %q", oc.name)
	}
	coerced, verr := tools.ValidateAndCoerce(t, oc.args)
	if verr != nil {
		return tools.Result{}, verr
	}

	callCtx := ctx
	if dr.cfg.ToolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, dr.cfg.ToolTimeout)
		defer cancel()
	}
	return t.Execute(callCtx, oc.callID, coerced, nil)
}

func flattenText(blocks []ai.ContentBlock) string {
	var b strings.Builder
	for _, blk := range blocks {
		if t, ok := blk.(ai.TextContent); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// dispatchTeammateCalls routes a generation's teammate calls (kernel
// spec §4.9): askHuman blocks the dialog, tellaskBack stages a reply to
// be finalized after the mutex is released, and the rest (A/B/C) create
// or reuse a subdialog and suspend this dialog on its reply.
func (dr *Driver) dispatchTeammateCalls(d *dialog.Dialog, calls []outputparser.TeammateCall, replyToParent **string) (suspended, blocked bool, err error) {
	for _, tc := range calls {
		switch tc.CallName {
		case dialog.CallTellaskBack:
			content := tc.Content
			*replyToParent = &content
		case dialog.CallAskHuman:
			if err := dr.coordinator.AskHuman(d, tc); err != nil {
				return false, false, fmt.Errorf("driver: askHuman: %w", err)
			}
			blocked = true
		default:
			if _, err := dr.coordinator.Dispatch(d, tc); err != nil {
				return false, false, fmt.Errorf("driver: dispatch %s: %w", tc.CallName, err)
			}
			suspended = true
			dr.cfg.Telemetry.RecordPendingDepth(context.Background(), d.ID.String(), len(d.PendingSubdialogs))
		}
	}
	return suspended, blocked, nil
}

// tryDiligencePush decides the diligence auto-continue step (kernel
// spec §4.8 "Diligence auto-continue"). It returns a non-empty text to
// inject and continue the loop, or done=true if the budget is exhausted
// and a q4h question was posted instead.
func (dr *Driver) tryDiligencePush(ref store.Ref) (text string, done bool, err error) {
	latest, rerr := dr.store.ReadLatest(ref, dialog.StatusRunning)
	if rerr != nil {
		return "", false, fmt.Errorf("driver: read latest for diligence check: %w", rerr)
	}
	if latest.DiligencePushRemainingBudget <= 0 {
		q := dialog.HumanQuestion{
			ID:             dialog.DiligenceBudgetExhaustedQuestionID,
			TellaskContent: "Diligence auto-continue budget exhausted; please confirm how to proceed.",
			AskedAt:        time.Now(),
		}
		if aerr := dr.store.AppendQuestion(ref, dialog.StatusRunning, q); aerr != nil {
			return "", false, fmt.Errorf("driver: post diligence-exhausted question: %w", aerr)
		}
		return "", true, nil
	}

	diligenceText := loadDiligenceText(dr.cfg.DiligenceFilePaths)
	if diligenceText == "" {
		return "", false, nil
	}
	if merr := dr.store.MutateLatest(ref, dialog.StatusRunning, func(cur dialog.Latest) (dialog.Latest, bool) {
		cur.DiligencePushRemainingBudget--
		return cur, true
	}); merr != nil {
		return "", false, fmt.Errorf("driver: decrement diligence budget: %w", merr)
	}
	return diligenceText, false, nil
}

// beginNewCourse advances d to a new course, condensing the outgoing
// course's transcript into the running coursePrefix digest first (every
// Drive call is exactly one course; kernel spec glossary "Course").
func (dr *Driver) beginNewCourse(d *dialog.Dialog) int {
	old := d.Transcript()
	if len(old) > 0 {
		d.SetCoursePrefix(condenseCourse(d.CoursePrefix(), old))
	}
	d.ReplaceTranscript(nil)
	return d.StartNewCourse()
}

// condenseCourse folds one course's transcript into the running
// "Showing-by-Doing" digest prepended to every subsequent course's
// context assembly (kernel spec §4.8 step 4).
func condenseCourse(prevPrefix string, msgs []dialog.ChatMessage) string {
	var b strings.Builder
	if prevPrefix != "" {
		b.WriteString(prevPrefix)
		b.WriteString("\n")
	}
	for _, m := range msgs {
		switch m.Kind {
		case dialog.MsgPrompting:
			fmt.Fprintf(&b, "User: %s\n", m.Text)
		case dialog.MsgSaying:
			fmt.Fprintf(&b, "Assistant: %s\n", m.Text)
		case dialog.MsgTellaskResult:
			fmt.Fprintf(&b, "[%s replied]: %s\n", m.ResponderID, m.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
