package cmd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/adapter/anthropic"
	"github.com/modelplane/modelplane/internal/adapter/bedrock"
	"github.com/modelplane/modelplane/internal/adapter/gemini"
	"github.com/modelplane/modelplane/internal/adapter/openai"
	"github.com/modelplane/modelplane/internal/config"
	"github.com/modelplane/modelplane/internal/cost"
	"github.com/modelplane/modelplane/internal/credential"
	"github.com/modelplane/modelplane/internal/degradation"
	"github.com/modelplane/modelplane/internal/dispatch"
	"github.com/modelplane/modelplane/internal/failover"
	"github.com/modelplane/modelplane/internal/health"
	"github.com/modelplane/modelplane/internal/modelerr"
	"github.com/modelplane/modelplane/internal/performance"
	"github.com/modelplane/modelplane/internal/ratelimit"
	"github.com/modelplane/modelplane/internal/registry"
	"github.com/modelplane/modelplane/internal/selector"
	"github.com/modelplane/modelplane/internal/storage"
	"github.com/modelplane/modelplane/internal/telemetry"
)

var (
	adminAddr     string
	bedrockRegion = "us-east-1"
)

// plane bundles every wired component so serve and dispatch share one
// construction path.
type plane struct {
	registry   *registry.Registry
	health     *health.Tracker
	rateLimit  *ratelimit.Tracker
	perf       *performance.Store
	ledger     *cost.Ledger
	degrade    *degradation.Controller
	selector   *selector.Selector
	dispatcher *dispatch.Dispatcher
	coord      *failover.Coordinator
	metrics    *telemetry.Metrics
	promReg    *prometheus.Registry
	store      *storage.SQLStore
}

// loadDocument reads the operational config document, choosing the YAML or
// JSON+viper loader by the file's extension.
func loadDocument(path string) (config.Document, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		// registryPath is read back out of the document itself once parsed;
		// LoadYAML needs a placeholder default before the file overrides it.
		return config.LoadYAML(path, "")
	}
	loader := config.NewLoader(path, "modelplane", log)
	return loader.Load("")
}

// probeAdapter implements health.Prober as a minimal adapter.Provider.Send
// call. The adapter contract (§6) has no dedicated liveness-probe method,
// so this issues the cheapest real request the Provider interface allows
// in its place (DESIGN.md documents this as a deliberate simplification).
type probeAdapter struct {
	reg         *registry.Registry
	adapters    *adapter.Registry
	credentials credential.Store
}

func (p *probeAdapter) Probe(ctx context.Context, modelID registry.ModelID) error {
	desc, ok := p.reg.Get(modelID)
	if !ok {
		return modelerr.New(modelerr.CategoryConfiguration, string(modelID), "", "unknown model", nil)
	}
	prov, ok := p.adapters.Get(string(desc.Provider))
	if !ok {
		return modelerr.New(modelerr.CategoryConfiguration, string(modelID), "", "no adapter registered for provider "+string(desc.Provider), nil)
	}
	cred, ok := p.credentials.Get(string(desc.Provider))
	if !ok {
		return modelerr.New(modelerr.CategoryAuthentication, string(modelID), "", "no credential configured for provider "+string(desc.Provider), nil)
	}
	_, err := prov.Send(ctx, string(modelID), adapter.Request{Prompt: "ping", MaxTokens: 1}, cred.Value())
	return err
}

// storageRecorder implements health.Recorder against the append-only store
// and mirrors every outcome into the Prometheus counters.
type storageRecorder struct {
	store   storage.Store
	metrics *telemetry.Metrics
	log     *slog.Logger
}

func (r *storageRecorder) RecordProbe(ctx context.Context, modelID registry.ModelID, latency time.Duration, success bool, errMsg string) {
	r.metrics.RecordHealthProbe(string(modelID), success)
	if r.store == nil {
		return
	}
	row := storage.HealthCheckRow{
		ModelID:   string(modelID),
		At:        time.Now(),
		LatencyMS: float64(latency) / float64(time.Millisecond),
		Success:   success,
		Error:     errMsg,
	}
	if err := r.store.AppendHealthCheck(ctx, row); err != nil {
		r.log.Warn("failed to persist health check", "model", modelID, "error", err)
	}
}

// logAlerter implements failover.Alerter by logging at warn level. A real
// deployment would forward this to pager/Slack; the spec's Non-goals (§1)
// exclude an external paging integration so this is the terminal sink.
type logAlerter struct{ log *slog.Logger }

func (a *logAlerter) AlertExcessiveFailover(ctx context.Context, modelID registry.ModelID, count int, window time.Duration, events []failover.Event) {
	a.log.Warn("excessive failover rate", "model_id", modelID, "count", count, "window", window, "sample_size", len(events))
}

func buildAdapters() *adapter.Registry {
	return adapter.NewRegistry(map[string]adapter.Provider{
		"anthropic": anthropic.New(),
		"openai":    openai.New(),
		"bedrock":   bedrock.New(bedrockRegion),
		"gemini":    gemini.New(),
	})
}

// buildPlane wires every component per SPEC_FULL.md's dependency graph:
// registry -> {health, ratelimit, performance} -> selector -> dispatcher ->
// failover coordinator, with the degradation controller injected into the
// selector as a capability interface and into the dispatcher's adapter
// calls via Through.
func buildPlane(doc config.Document, store *storage.SQLStore, promReg *prometheus.Registry) (*plane, error) {
	resolved := doc.Resolve()

	reg, diags, err := registry.LoadFile(resolved.RegistryPath)
	if err != nil {
		return nil, err
	}
	for _, d := range diags {
		log.Warn("registry descriptor rejected on load", "index", d.Index, "model_id", d.ModelID, "reason", d.Reason)
	}

	metrics := telemetry.New(promReg)
	credStore := credential.NewEnvStore()
	adapters := buildAdapters()

	rec := &storageRecorder{store: store, metrics: metrics, log: log}
	prober := &probeAdapter{reg: reg, adapters: adapters, credentials: credStore}
	healthTracker := health.New(resolved.Health, reg, prober, rec, log)

	rlTracker := ratelimit.New(resolved.RateLimit)
	perfStore := performance.New()
	ledger := cost.New(resolved.DailyBudget)
	degradeCtrl := degradation.New(resolved.Degradation, log)

	sel := selector.New(reg, healthTracker, rlTracker, perfStore, degradeCtrl)
	disp := dispatch.New(reg, adapters, credStore, rlTracker, ledger, healthTracker, resolved.Retry, resolved.Limits, log)
	disp.SetBreaker(degradeCtrl)
	coord := failover.New(sel, disp, resolved.Failover, &logAlerter{log: log}, log)

	return &plane{
		registry: reg, health: healthTracker, rateLimit: rlTracker, perf: perfStore,
		ledger: ledger, degrade: degradeCtrl, selector: sel, dispatcher: disp, coord: coord,
		metrics: metrics, promReg: promReg, store: store,
	}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the daemon: health probing, dispatch, failover, and the admin HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := loadDocument(configPath)
		if err != nil {
			return err
		}

		pm := storage.NewPathManager()
		dbPath, err := pm.GetStoreDatabasePath()
		if err != nil {
			return err
		}
		store, err := storage.Open(dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		promReg := prometheus.NewRegistry()
		pl, err := buildPlane(doc, store, promReg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go pl.health.Run(ctx)

		srv := newAdminServer(adminAddr, pl, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("admin server stopped", "error", err)
			}
		}()

		log.Info("modelplaned serving", "models", len(pl.registry.All()), "admin_addr", adminAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// newAdminServer exposes /healthz, /metrics, and /status over gorilla/mux,
// the enrichment the teacher has no equivalent for (it shipped a TUI, not
// a daemon) so this is grounded directly on SPEC_FULL.md's ambient-stack
// table rather than an adapted teacher file.
func newAdminServer(addr string, pl *plane, log *slog.Logger) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(pl.promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		status := struct {
			Mode        string `json:"mode"`
			QueueDepth  int    `json:"queue_depth"`
			Dropped     int    `json:"dropped"`
			ModelCount  int    `json:"model_count"`
		}{
			Mode:       string(pl.degrade.Mode()),
			QueueDepth: pl.degrade.QueueDepth(),
			Dropped:    pl.degrade.Dropped(),
			ModelCount: len(pl.registry.All()),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}).Methods(http.MethodGet)

	return &http.Server{Addr: addr, Handler: r}
}

func init() {
	serveCmd.Flags().StringVar(&adminAddr, "admin-addr", ":8090", "admin HTTP surface address (/healthz, /metrics, /status)")
	serveCmd.Flags().StringVar(&bedrockRegion, "bedrock-region", "us-east-1", "AWS region for the Bedrock adapter")
	rootCmd.AddCommand(serveCmd)
}
