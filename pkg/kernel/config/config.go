// Package config loads the kernel's own YAML configuration file: workspace
// location, driver policy knobs, and the domain-stack connection settings
// (kernel spec §6.5 "Configuration surface"). Grounded on bitop-dev-agent's
// pkg/agent.LoadFileConfig (YAML via github.com/goccy/go-yaml, ${ENV_VAR}
// expansion before parsing, then field validation).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/dialogkernel/kernel/pkg/kernel/driver"
)

// DriverEngine selects the course-advance algorithm a kerneld process runs.
// "v2" is a recognized name reserved for a future engine; this build only
// implements v1, so a config naming v2 fails validation rather than silently
// running v1 under a different label.
type DriverEngine string

const (
	DriverEngineV1 DriverEngine = "v1"
	DriverEngineV2 DriverEngine = "v2"
)

// FileConfig is the YAML structure of the kernel's own config file.
type FileConfig struct {
	// WorkspaceRoot overrides the default on-disk workspace location
	// (store.NewLayout's root). Empty means the caller's default.
	WorkspaceRoot string `yaml:"workspace_root"`

	// DriverEngine selects the course-advance implementation. Defaults to
	// "v1". "v2" is recognized but not yet implemented.
	DriverEngine DriverEngine `yaml:"driver_engine"`

	// MaxRetries, PerDriveIterationCap, MaxToolConcurrency, and ToolTimeout
	// mirror driver.Config's like-named fields.
	MaxRetries           int    `yaml:"max_retries"`
	PerDriveIterationCap int    `yaml:"per_drive_iteration_cap"`
	MaxToolConcurrency   int    `yaml:"max_tool_concurrency"`
	ToolTimeoutSeconds   int    `yaml:"tool_timeout_seconds"`

	// Diligence controls the diligence auto-continue fallback chain and
	// per-root budget (kernel spec §4.8 "Diligence auto-continue").
	Diligence DiligenceFileConfig `yaml:"diligence"`

	// Domain holds connection settings for the domain-stack packages that
	// sit alongside the kernel proper (kernel spec §6.6).
	Domain DomainFileConfig `yaml:"domain"`

	// Model selects the LLM backend driving every dialog's generations.
	Model ModelFileConfig `yaml:"model"`

	// Telemetry gates OpenTelemetry tracing/metrics export.
	Telemetry TelemetryFileConfig `yaml:"telemetry"`
}

// ModelFileConfig names the provider/model pair every dialog drives
// against. Grounded on bitop-dev-agent's top-level provider/model/api_key/
// base_url fields in pkg/agent.FileConfig.
type ModelFileConfig struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// TelemetryFileConfig mirrors telemetry.Config.
type TelemetryFileConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// DiligenceFileConfig mirrors driver.DiligenceFiles plus the budget that
// seeds a freshly created root dialog.
type DiligenceFileConfig struct {
	LanguageSpecific string `yaml:"language_specific_file"`
	Generic          string `yaml:"generic_file"`
	MaxBudget        int    `yaml:"max_budget"`
}

// DomainFileConfig configures the packages that exercise the kernel's
// third-party domain stack: the SQLite registry mirror, the WebSocket event
// sink, and the reminders scheduler.
type DomainFileConfig struct {
	// RegistryMirrorDSN is the modernc.org/sqlite DSN for pkg/kernel/regmirror.
	// Empty disables the mirror.
	RegistryMirrorDSN string `yaml:"registry_mirror_dsn"`

	// WireListenAddr, when non-empty, enables pkg/kernel/wire's WebSocket
	// event sink (mounted on the kerneld process's own HTTP listener, not
	// a separate one). Empty disables the sink.
	WireListenAddr string `yaml:"wire_listen_addr"`

	// ReminderPollInterval controls how often pkg/kernel/reminders checks
	// for due reminders. Zero defaults to one minute.
	ReminderPollIntervalSeconds int `yaml:"reminder_poll_interval_seconds"`
}

// ToDriverConfig projects the file config onto the fields driver.Config
// holds independent of model/provider/tools, which callers still set up
// themselves (kernel spec §6.5 leaves model/provider selection outside the
// kernel's own config surface).
func (c *FileConfig) ToDriverConfig() driver.Config {
	return driver.Config{
		MaxRetries:           c.MaxRetries,
		PerDriveIterationCap: c.PerDriveIterationCap,
		MaxToolConcurrency:   c.MaxToolConcurrency,
		ToolTimeout:          time.Duration(c.ToolTimeoutSeconds) * time.Second,
		DiligenceMaxBudget:   c.Diligence.MaxBudget,
		DiligenceFilePaths: driver.DiligenceFiles{
			LanguageSpecific: c.Diligence.LanguageSpecific,
			Generic:          c.Diligence.Generic,
		},
	}
}

// ReminderPollInterval returns the configured poll interval, defaulting to
// one minute.
func (c *FileConfig) ReminderPollInterval() time.Duration {
	if c.Domain.ReminderPollIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Domain.ReminderPollIntervalSeconds) * time.Second
}

// Load reads and parses a YAML config file, expanding ${ENV_VAR} references
// in string values before parsing, then validates it.
func Load(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *FileConfig) error {
	cfg.DriverEngine = DriverEngine(strings.ToLower(strings.TrimSpace(string(cfg.DriverEngine))))
	switch cfg.DriverEngine {
	case "":
		cfg.DriverEngine = DriverEngineV1
	case DriverEngineV1:
	case DriverEngineV2:
		return fmt.Errorf("config: driver_engine %q is recognized but not implemented", cfg.DriverEngine)
	default:
		return fmt.Errorf("config: unknown driver_engine %q", cfg.DriverEngine)
	}
	return nil
}
