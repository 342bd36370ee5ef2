package driver

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dialogkernel/kernel/pkg/ai"
	"github.com/dialogkernel/kernel/pkg/kernel/coordinator"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/eventbus"
	"github.com/dialogkernel/kernel/pkg/kernel/outputparser"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
	"github.com/dialogkernel/kernel/pkg/tools"
)

// scriptedProvider returns one canned AssistantMessage per Stream call, in
// order; once exhausted it returns a quiet stop-reason message forever.
type scriptedProvider struct {
	mu    sync.Mutex
	turns []*ai.AssistantMessage
	idx   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, model string, llmCtx ai.Context, opts ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	ch := make(chan ai.StreamEvent)
	close(ch)
	return ch, func() (*ai.AssistantMessage, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.idx >= len(p.turns) {
			return quietTurn(), nil
		}
		m := p.turns[p.idx]
		p.idx++
		return m, nil
	}
}

func quietTurn() *ai.AssistantMessage {
	return &ai.AssistantMessage{Role: ai.RoleAssistant, StopReason: ai.StopReasonStop}
}

func sayingTurn(text string) *ai.AssistantMessage {
	return &ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    []ai.ContentBlock{ai.TextContent{Type: "text", Text: text}},
		StopReason: ai.StopReasonStop,
	}
}

func toolCallTurn(name, callID string, args map[string]any) *ai.AssistantMessage {
	return &ai.AssistantMessage{
		Role:       ai.RoleAssistant,
		Content:    []ai.ContentBlock{ai.ToolCall{Type: "tool_call", ID: callID, Name: name, Arguments: args}},
		StopReason: ai.StopReasonTool,
	}
}

// echoTool is a minimal tools.Tool used to exercise ordinary tool dispatch.
type echoTool struct{}

func (echoTool) Definition() ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        "echo",
		Description: "echoes its input back",
		Parameters: tools.MustSchema(tools.SimpleSchema{
			Properties: map[string]tools.Property{"text": {Type: "string"}},
		}),
	}
}

func (echoTool) Execute(ctx context.Context, callID string, params map[string]any, onUpdate tools.UpdateFn) (tools.Result, error) {
	text, _ := params["text"].(string)
	return tools.TextResult("echo: " + text), nil
}

// redriverBox breaks the Driver<->Coordinator construction cycle: the
// coordinator needs a Redriver at construction time, but the Driver that
// implements it needs the coordinator. Production wiring (cmd/kerneld) uses
// the same indirection.
type redriverBox struct{ d *Driver }

func (b *redriverBox) Redrive(d *dialog.Dialog) { b.d.Redrive(d) }

type harness struct {
	driver *Driver
	store  *store.Store
	newID  func() string
}

func newHarness(t *testing.T, provider ai.Provider, reg *tools.Registry, diligenceBudget int) *harness {
	t.Helper()
	dir := t.TempDir()
	st := store.New(dir, nil)
	bus := eventbus.New()
	dreg := dialog.NewRegistry()
	box := &redriverBox{}
	coord := coordinator.New(dreg, st, bus, box)

	if reg == nil {
		reg = tools.NewRegistry()
	}
	cfg := Config{
		Model:              "test-model",
		Provider:           provider,
		Tools:              reg,
		Parser:             outputparser.New(),
		DiligenceMaxBudget: diligenceBudget,
	}
	drv := New(dreg, st, bus, coord, cfg)
	box.d = drv

	counter := 0
	newID := func() string {
		counter++
		return fmt.Sprintf("d%d", counter)
	}
	return &harness{driver: drv, store: st, newID: newID}
}

func TestDriveBasicSayingTurnEndsQuiet(t *testing.T) {
	h := newHarness(t, &scriptedProvider{turns: []*ai.AssistantMessage{sayingTurn("hello there")}}, nil, 2)
	d, err := h.driver.CreateRootDialog("agent1", "do the task", dialog.Settings{}, h.newID)
	if err != nil {
		t.Fatalf("CreateRootDialog: %v", err)
	}

	if err := h.driver.Drive(context.Background(), d, Input{Mode: ModePersist, Text: "start"}); err != nil {
		t.Fatalf("Drive: %v", err)
	}

	if d.Course() != 1 {
		t.Fatalf("course = %d, want 1", d.Course())
	}
	if d.RunState().Kind != dialog.RunIdleWaitingUser {
		t.Fatalf("run state = %+v, want idle_waiting_user", d.RunState())
	}

	transcript := d.Transcript()
	var sawPrompt, sawSaying bool
	for _, m := range transcript {
		if m.Kind == dialog.MsgPrompting && m.Text == "start" {
			sawPrompt = true
		}
		if m.Kind == dialog.MsgSaying && m.Text == "hello there" {
			sawSaying = true
		}
	}
	if !sawPrompt {
		t.Errorf("transcript missing persisted prompting message: %+v", transcript)
	}
	if !sawSaying {
		t.Errorf("transcript missing saying message: %+v", transcript)
	}
}

func TestDriveToolCallLoopsUntilQuiet(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(echoTool{})
	provider := &scriptedProvider{turns: []*ai.AssistantMessage{
		toolCallTurn("echo", "call-1", map[string]any{"text": "ping"}),
		sayingTurn("done"),
	}}
	h := newHarness(t, provider, reg, 2)
	d, err := h.driver.CreateRootDialog("agent1", "", dialog.Settings{}, h.newID)
	if err != nil {
		t.Fatalf("CreateRootDialog: %v", err)
	}

	if err := h.driver.Drive(context.Background(), d, Input{Mode: ModePersist, Text: "go"}); err != nil {
		t.Fatalf("Drive: %v", err)
	}

	var sawCall, sawResult, sawSaying bool
	for _, m := range d.Transcript() {
		switch m.Kind {
		case dialog.MsgFuncCall:
			sawCall = true
		case dialog.MsgFuncResult:
			sawResult = true
			if m.IsError {
				t.Errorf("unexpected error result: %s", m.Result)
			}
			if m.Result != "echo: ping" {
				t.Errorf("func result = %q, want %q", m.Result, "echo: ping")
			}
		case dialog.MsgSaying:
			sawSaying = true
		}
	}
	if !sawCall || !sawResult || !sawSaying {
		t.Fatalf("transcript missing expected entries: call=%v result=%v saying=%v", sawCall, sawResult, sawSaying)
	}
	if d.LastGenseq() < 2 {
		t.Fatalf("lastGenseq = %d, want >= 2 (tool call turn + follow-up turn)", d.LastGenseq())
	}
}

func TestInternalDriveDoesNotLeakIntoNextCourse(t *testing.T) {
	h := newHarness(t, &scriptedProvider{turns: []*ai.AssistantMessage{sayingTurn("ack")}}, nil, 2)
	d, err := h.driver.CreateRootDialog("agent1", "", dialog.Settings{}, h.newID)
	if err != nil {
		t.Fatalf("CreateRootDialog: %v", err)
	}

	if err := h.driver.Drive(context.Background(), d, Input{Mode: ModeInternal, Text: "ephemeral nudge"}); err != nil {
		t.Fatalf("internal Drive: %v", err)
	}

	for _, m := range d.Transcript() {
		if m.Text == "ephemeral nudge" {
			t.Fatalf("ephemeral internal-drive text leaked into the durable transcript: %+v", m)
		}
	}

	ref := store.Ref{RootSelfID: d.RootSelfID}
	recs, err := h.store.ReadCourse(ref, dialog.StatusRunning, d.Course())
	if err != nil {
		t.Fatalf("ReadCourse: %v", err)
	}
	for _, r := range recs {
		if r.Type == dialog.RecordHumanText {
			t.Fatalf("internal-mode input must never be persisted as a human_text record")
		}
	}

	if err := h.driver.Drive(context.Background(), d, Input{Mode: ModePersist, Text: "real input"}); err != nil {
		t.Fatalf("second Drive: %v", err)
	}
	if d.Course() != 2 {
		t.Fatalf("course after second drive = %d, want 2 (every Drive call is one course)", d.Course())
	}
}

func TestDiligencePushExhaustsBudgetAndBlocks(t *testing.T) {
	h := newHarness(t, &scriptedProvider{turns: []*ai.AssistantMessage{quietTurn(), quietTurn(), quietTurn()}}, nil, 1)
	d, err := h.driver.CreateRootDialog("agent1", "", dialog.Settings{}, h.newID)
	if err != nil {
		t.Fatalf("CreateRootDialog: %v", err)
	}

	if err := h.driver.Drive(context.Background(), d, Input{Mode: ModePersist, Text: "go"}); err != nil {
		t.Fatalf("Drive: %v", err)
	}

	rs := d.RunState()
	if rs.Kind != dialog.RunBlocked || rs.BlockedReason != dialog.BlockedNeedsHumanInput {
		t.Fatalf("run state = %+v, want blocked{needs_human_input}", rs)
	}

	ref := store.Ref{RootSelfID: d.RootSelfID}
	questions, err := h.store.ReadQuestions(ref, dialog.StatusRunning)
	if err != nil {
		t.Fatalf("ReadQuestions: %v", err)
	}
	found := false
	for _, q := range questions {
		if q.ID == dialog.DiligenceBudgetExhaustedQuestionID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a diligence-budget-exhausted question to be posted, got %+v", questions)
	}
}
