// Binary kerneld is the dialog orchestration kernel's server process: it
// wires the driver, coordinator, store, event bus, and the domain-stack
// packages (registry mirror, reminders scheduler, WebSocket event sink)
// into one running process, reconciles the on-disk workspace at startup,
// and serves a small HTTP surface for submitting input to dialogs.
// Grounded on bitop-dev-agent's flag-based bootstrap (config load, provider
// construction, built-in tool registration), generalized from one agent
// loop to the kernel's tree of dialogs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dialogkernel/kernel/pkg/ai"
	"github.com/dialogkernel/kernel/pkg/ai/providers/anthropic"
	"github.com/dialogkernel/kernel/pkg/ai/providers/azure"
	"github.com/dialogkernel/kernel/pkg/ai/providers/bedrock"
	"github.com/dialogkernel/kernel/pkg/ai/providers/google"
	"github.com/dialogkernel/kernel/pkg/ai/providers/openai"
	"github.com/dialogkernel/kernel/pkg/ai/providers/proxy"
	kconfig "github.com/dialogkernel/kernel/pkg/kernel/config"
	"github.com/dialogkernel/kernel/pkg/kernel/coordinator"
	"github.com/dialogkernel/kernel/pkg/kernel/dialog"
	"github.com/dialogkernel/kernel/pkg/kernel/driver"
	"github.com/dialogkernel/kernel/pkg/kernel/eventbus"
	"github.com/dialogkernel/kernel/pkg/kernel/outputparser"
	"github.com/dialogkernel/kernel/pkg/kernel/reconcile"
	"github.com/dialogkernel/kernel/pkg/kernel/regmirror"
	"github.com/dialogkernel/kernel/pkg/kernel/reminders"
	"github.com/dialogkernel/kernel/pkg/kernel/restore"
	"github.com/dialogkernel/kernel/pkg/kernel/store"
	"github.com/dialogkernel/kernel/pkg/kernel/telemetry"
	"github.com/dialogkernel/kernel/pkg/kernel/wire"
	"github.com/dialogkernel/kernel/pkg/tools"
	"github.com/dialogkernel/kernel/pkg/tools/builtin"
)

// redriverBox breaks the Driver<->Coordinator construction cycle: the
// coordinator needs a Redriver at construction time, but the Driver that
// implements it needs the coordinator.
type redriverBox struct{ d *driver.Driver }

func (b *redriverBox) Redrive(d *dialog.Dialog) { b.d.Redrive(d) }

func main() {
	configPath := flag.String("config", "kernel.yaml", "path to kernel config file")
	listenAddr := flag.String("listen", ":8088", "HTTP listen address for the dialog submission API")
	flag.Parse()

	cfg, err := kconfig.Load(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = "."
	}

	tel, shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: firstNonEmpty(cfg.Telemetry.ServiceName, "kerneld"),
	})
	if err != nil {
		fatalf("telemetry: %v", err)
	}
	defer shutdownTel(context.Background())

	st := store.New(cfg.WorkspaceRoot, func(key string, err error) {
		fmt.Fprintf(os.Stderr, "[kerneld] write-back error: %s: %v\n", key, err)
	})
	st.SetTelemetry(tel)

	var mirror *regmirror.Mirror
	if cfg.Domain.RegistryMirrorDSN != "" {
		mirror, err = regmirror.Open(cfg.Domain.RegistryMirrorDSN)
		if err != nil {
			fatalf("registry mirror: %v", err)
		}
		defer mirror.Close()
		if err := regmirror.Rebuild(context.Background(), mirror, st, dialog.StatusRunning); err != nil {
			fmt.Fprintf(os.Stderr, "[kerneld] registry mirror rebuild: %v\n", err)
		}
	}

	provider, err := buildProvider(cfg.Model.Provider, cfg.Model.BaseURL, cfg.Model.APIKey)
	if err != nil {
		fatalf("provider: %v", err)
	}

	registry := tools.NewRegistry()
	builtin.Register(registry, builtin.Preset("coding"), cfg.WorkspaceRoot)

	bus := eventbus.New()
	dreg := dialog.NewRegistry()
	box := &redriverBox{}
	coord := coordinator.New(dreg, st, bus, box)

	driverCfg := cfg.ToDriverConfig()
	driverCfg.Model = cfg.Model.Name
	driverCfg.Provider = provider
	driverCfg.Tools = registry
	driverCfg.Parser = outputparser.New()
	driverCfg.Telemetry = tel

	drv := driver.New(dreg, st, bus, coord, driverCfg)
	box.d = drv

	sched := reminders.New(st)
	registry.Register(builtin.NewAddReminderTool(sched))

	fmt.Println("[kerneld] reconciling workspace...")
	outcomes, err := reconcile.Run(st)
	if err != nil {
		fatalf("reconcile: %v", err)
	}
	for _, o := range outcomes {
		fmt.Printf("[kerneld] reconciled %s: %s -> %s\n", o.Ref.SelfID(), o.Before.Kind, o.After.Kind)
	}

	fmt.Println("[kerneld] restoring dialogs...")
	restored, err := restore.RestoreAll(st, dreg, bus, dialog.StatusRunning)
	if err != nil {
		fatalf("restore: %v", err)
	}
	fmt.Printf("[kerneld] restored %d running dialog(s)\n", len(restored))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx, cfg.ReminderPollInterval())

	mux := http.NewServeMux()
	if cfg.Domain.WireListenAddr != "" {
		mux.Handle("/events/", wire.New(bus, "/events/"))
	}
	mux.HandleFunc("/dialogs", newDialogHandler(drv))
	mux.HandleFunc("/dialogs/", driveDialogHandler(drv, dreg))

	server := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		fmt.Printf("[kerneld] listening on %s\n", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "[kerneld] http: %v\n", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("[kerneld] shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	if err := st.FlushAll(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[kerneld] flush on shutdown: %v\n", err)
	}
}

type createDialogRequest struct {
	AgentID string `json:"agentId"`
	TaskDoc string `json:"taskDoc"`
	Text    string `json:"text"`
}

func newDialogHandler(drv *driver.Driver) http.HandlerFunc {
	var counter int64
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req createDialogRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		counter++
		seq := counter
		d, err := drv.CreateRootDialog(req.AgentID, req.TaskDoc, dialog.Settings{}, func() string {
			return "dlg-" + strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatInt(seq, 10)
		})
		if err != nil {
			http.Error(w, "create: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if err := drv.Drive(r.Context(), d, driver.Input{Mode: driver.ModePersist, Text: req.Text}); err != nil {
			http.Error(w, "drive: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"dialogId": d.ID.SelfID})
	}
}

type driveDialogRequest struct {
	Text string `json:"text"`
}

func driveDialogHandler(drv *driver.Driver, dreg *dialog.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/dialogs/"), "/messages")
		if id == "" {
			http.Error(w, "missing dialog id", http.StatusBadRequest)
			return
		}
		d, ok := dreg.Get(dialog.Id{SelfID: id, RootID: id})
		if !ok {
			http.Error(w, "dialog not found (only root dialogs are addressable here)", http.StatusNotFound)
			return
		}
		var req driveDialogRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := drv.Drive(r.Context(), d, driver.Input{Mode: driver.ModePersist, Text: req.Text}); err != nil {
			http.Error(w, "drive: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func buildProvider(name, baseURL, apiKey string) (ai.Provider, error) {
	switch name {
	case "anthropic":
		return anthropic.New(baseURL), nil
	case "google", "gemini":
		return google.New(baseURL), nil
	case "openai":
		return openai.NewResponses(baseURL), nil
	case "openai-completions", "openai-legacy":
		return openai.New(baseURL), nil
	case "azure", "azure-openai":
		if baseURL == "" {
			return nil, fmt.Errorf("provider %q requires base_url", name)
		}
		return azure.New(baseURL, ""), nil
	case "bedrock", "amazon-bedrock":
		return bedrock.New("", ""), nil
	case "proxy":
		if baseURL == "" {
			return nil, fmt.Errorf("proxy provider requires base_url")
		}
		return proxy.New(baseURL, apiKey), nil
	default:
		if baseURL != "" {
			return openai.New(baseURL), nil
		}
		return nil, fmt.Errorf("unknown provider %q — set model.base_url to use as openai-compatible", name)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
