package driver

import (
	"time"

	"github.com/dialogkernel/kernel/pkg/ai"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/outputparser"
	"github.com/dialogkernel/kernel/pkg/kernel/telemetry"
	"github.com/dialogkernel/kernel/pkg/tools"
)

// DiligenceFiles resolves the fallback chain for the diligence-push text
// (kernel spec §4.8 "Diligence auto-continue"): a language-specific file,
// falling back to a generic file, falling back to a built-in default.
type DiligenceFiles struct {
	// LanguageSpecific, when non-empty, is tried first; the path is read
	// as given.
	LanguageSpecific string
	Generic          string
}

// Config holds everything the driver needs to advance a dialog that is
// independent of any one dialog instance: the model/provider to call, the
// tool registry, the output parser, and the ambient policy knobs from
// kernel spec §4.8 and §6.5.
type Config struct {
	Model    string
	Provider ai.Provider
	Tools    *tools.Registry
	Parser   outputparser.Parser

	// MaxRetries bounds the LLM retry wrapper (kernel spec §4.8 "LLM retry
	// wrapper").
	MaxRetries int

	// PerDriveIterationCap bounds the one-course loop so a misbehaving
	// model can never spin the driver forever.
	PerDriveIterationCap int

	// MaxToolConcurrency is carried over from configuration but the driver
	// does not read it: a turn's ordinary tool calls always run one at a
	// time, in order.
	MaxToolConcurrency int

	// ToolTimeout bounds a single tool execution; zero means no timeout.
	ToolTimeout time.Duration

	// DiligenceMaxBudget seeds a freshly created root dialog's
	// diligencePushRemainingBudget.
	DiligenceMaxBudget int

	// DiligenceFilePaths is consulted only on root dialogs.
	DiligenceFilePaths DiligenceFiles

	// PrependedContextMessages are system-configured messages prepended
	// to every context assembly (kernel spec §4.8 step 1).
	PrependedContextMessages []string

	// Memories returns step-2 context messages for d, or nil.
	Memories func(d *dialog.Dialog) []string

	// LanguageGuide returns the tail language-guide text for d, appended
	// after the rendered reminders block (kernel spec §4.8 step 7).
	LanguageGuide func(d *dialog.Dialog) string

	// Telemetry records spans and metrics around the drive loop (kernel
	// spec §6.6). A nil value disables instrumentation entirely.
	Telemetry *telemetry.Telemetry
}

func (c Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

func (c Config) iterationCap() int {
	if c.PerDriveIterationCap > 0 {
		return c.PerDriveIterationCap
	}
	return 64
}
