// Package health implements the Health Tracker: periodic liveness probing
// with a consecutive-failure threshold and exponential backoff between
// probes for sick models, per spec §4.2.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelplane/modelplane/internal/registry"
)

// Prober issues a lightweight, provider-specific liveness probe for a
// single model. Implementations must respect ctx's deadline.
type Prober interface {
	Probe(ctx context.Context, modelID registry.ModelID) error
}

// Recorder persists probe outcomes for offline analysis (§4.2 "persists
// each probe outcome"). Writes must never block the probe loop; a nil
// Recorder is a valid no-op.
type Recorder interface {
	RecordProbe(ctx context.Context, modelID registry.ModelID, latency time.Duration, success bool, errMsg string)
}

// Config governs cadence, timeout and the failure threshold.
type Config struct {
	BaseInterval time.Duration // interval between probes for healthy models
	ProbeTimeout time.Duration // hard wall-clock timeout per probe
	Threshold    int           // consecutive failures before "unavailable"
	MaxBackoff   time.Duration // cap on the exponential backoff schedule
}

// DefaultConfig matches the documented operational defaults in §6.
func DefaultConfig() Config {
	return Config{
		BaseInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
		Threshold:    3,
		MaxBackoff:   5 * time.Minute,
	}
}

// State is the mutable per-model health record described in §3.
type State struct {
	LastCheckAt         time.Time
	LastLatency         time.Duration
	ConsecutiveFailures int
	LastError           string
	NextCheckDueAt      time.Time
}

// IsAvailable derives availability per §3: consecutive_failures < threshold.
func (s State) IsAvailable(threshold int) bool {
	return s.ConsecutiveFailures < threshold
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Tracker holds per-model health state and runs the background probe
// cadence. Each model's mutations are serialized by its own guard so one
// slow probe never blocks another model's bookkeeping (§5).
type Tracker struct {
	cfg     Config
	prober  Prober
	rec     Recorder
	log     *slog.Logger
	reg     *registry.Registry
	backoff []time.Duration // precomputed schedule: 60s, 120s, 300s, 300s, ...

	mu      sync.RWMutex
	entries map[registry.ModelID]*entry
}

// New constructs a Tracker over reg using prober to issue probes and rec
// (optional) to persist outcomes.
func New(cfg Config, reg *registry.Registry, prober Prober, rec Recorder, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		prober:  prober,
		rec:     rec,
		log:     log,
		reg:     reg,
		backoff: buildBackoffSchedule(cfg.BaseInterval, cfg.MaxBackoff),
		entries: make(map[registry.ModelID]*entry),
	}
}

// buildBackoffSchedule produces 60s, 120s, 300s, 300s, ... capped at max,
// per §4.2's documented sequence (the steps are base, 2×base and 5×base,
// each capped at max; the last step repeats thereafter).
func buildBackoffSchedule(base, max time.Duration) []time.Duration {
	schedule := []time.Duration{base, base * 2, base * 5}
	for i, d := range schedule {
		if d > max {
			schedule[i] = max
		}
	}
	return schedule
}

func (t *Tracker) entryFor(id registry.ModelID) *entry {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e
	}
	e = &entry{}
	t.entries[id] = e
	return e
}

// Run drives the probe cadence until ctx is cancelled. Each enabled model
// is probed independently on its own schedule; Run wakes on a short tick
// and probes whichever models are due, so a model's NextCheckDueAt is
// honored without one slow probe delaying another's cadence check.
func (t *Tracker) Run(ctx context.Context) {
	tick := t.cfg.BaseInterval / 6
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.probeDue(ctx)
		}
	}
}

func (t *Tracker) probeDue(ctx context.Context) {
	now := time.Now()
	for _, d := range t.reg.AllEnabled() {
		e := t.entryFor(d.ID)
		e.mu.Lock()
		due := e.state.NextCheckDueAt.IsZero() || !now.Before(e.state.NextCheckDueAt)
		e.mu.Unlock()
		if due {
			go t.probeOne(ctx, d.ID)
		}
	}
}

func (t *Tracker) probeOne(ctx context.Context, id registry.ModelID) {
	e := t.entryFor(id)

	probeCtx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := t.prober.Probe(probeCtx, id)
	latency := time.Since(start)
	now := time.Now()

	e.mu.Lock()
	e.state.LastCheckAt = now
	e.state.LastLatency = latency
	if err == nil {
		e.state.ConsecutiveFailures = 0
		e.state.LastError = ""
		e.state.NextCheckDueAt = now.Add(t.cfg.BaseInterval)
	} else {
		e.state.ConsecutiveFailures++
		e.state.LastError = err.Error()
		e.state.NextCheckDueAt = now.Add(t.backoffFor(e.state.ConsecutiveFailures))
	}
	snapshot := e.state
	e.mu.Unlock()

	if t.rec != nil {
		t.rec.RecordProbe(ctx, id, latency, err == nil, snapshot.LastError)
	}
	if err != nil {
		t.log.Warn("health probe failed", "model_id", id, "consecutive_failures", snapshot.ConsecutiveFailures, "error", err)
	}
}

func (t *Tracker) backoffFor(consecutiveFailures int) time.Duration {
	idx := consecutiveFailures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.backoff) {
		idx = len(t.backoff) - 1
	}
	return t.backoff[idx]
}

// IsAvailable reports whether id currently satisfies the availability
// invariant. Unknown models (never probed) are considered available —
// lazily-created state starts at zero consecutive failures (§3 lifecycle).
func (t *Tracker) IsAvailable(id registry.ModelID) bool {
	e := t.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.IsAvailable(t.cfg.Threshold)
}

// Status returns a snapshot of id's current health state.
func (t *Tracker) Status(id registry.ModelID) State {
	e := t.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// NextRetryAt returns when id will next be probed, for callers surfacing
// "unavailable until" information.
func (t *Tracker) NextRetryAt(id registry.ModelID) time.Time {
	e := t.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.NextCheckDueAt
}

// RecordOutcome lets the Dispatcher feed live request outcomes (not just
// background probes) into the same consecutive-failure bookkeeping, so a
// string of real request failures degrades availability exactly like a
// string of probe failures would (§4.2, §7 "model temporarily unavailable").
func (t *Tracker) RecordOutcome(id registry.ModelID, latency time.Duration, success bool, errMsg string) {
	e := t.entryFor(id)
	now := time.Now()
	e.mu.Lock()
	e.state.LastCheckAt = now
	e.state.LastLatency = latency
	if success {
		e.state.ConsecutiveFailures = 0
		e.state.LastError = ""
	} else {
		e.state.ConsecutiveFailures++
		e.state.LastError = errMsg
		e.state.NextCheckDueAt = now.Add(t.backoffFor(e.state.ConsecutiveFailures))
	}
	e.mu.Unlock()
}
