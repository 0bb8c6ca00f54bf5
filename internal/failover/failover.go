// Package failover implements the Failover Coordinator: cross-model retry
// when a dispatch attempt is exhausted or the error category demands an
// immediate switch, plus excessive-failover alerting, per spec §4.8.
package failover

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/dispatch"
	"github.com/modelplane/modelplane/internal/modelerr"
	"github.com/modelplane/modelplane/internal/registry"
	"github.com/modelplane/modelplane/internal/selector"
)

// Config governs the cross-model retry budget and the excessive-failover
// alert threshold.
type Config struct {
	MaxModelAttempts int           // how many distinct models to try before giving up (§6 default 3)
	AlertWindow      time.Duration // sliding window the per-model failover count is measured over (§4.8 default 1h)
	AlertThreshold   int           // per-model failover count within AlertWindow that triggers an alert (§4.8 default 3)
}

// DefaultConfig matches the documented operational defaults in §6/§4.8.
func DefaultConfig() Config {
	return Config{MaxModelAttempts: 3, AlertWindow: time.Hour, AlertThreshold: 3}
}

// Event is a single recorded failover, per the event schema in §3.
type Event struct {
	At        time.Time
	TaskID    string
	FromModel registry.ModelID
	ToModel   registry.ModelID
	Reason    modelerr.FailoverReason
}

// Alerter is notified when a single model's recent-failover count reaches
// AlertThreshold within AlertWindow. It fires at most once per threshold
// crossing per model (§4.8: "idempotent per transition across the
// threshold, not per event above it"): the alert re-arms for that model
// only after its count drops back below threshold.
type Alerter interface {
	AlertExcessiveFailover(ctx context.Context, modelID registry.ModelID, count int, window time.Duration, events []Event)
}

// Selector is the subset of selector.Selector's API the Coordinator needs.
// Declaring it here (rather than depending on the concrete type) lets
// tests substitute a scripted double without standing up a full registry.
type Selector interface {
	SelectModel(task selector.Task, c selector.Constraints) selector.Selection
}

// Dispatching is the subset of dispatch.Dispatcher's API the Coordinator
// needs, for the same testability reason as Selector.
type Dispatching interface {
	Dispatch(ctx context.Context, modelID registry.ModelID, req adapter.Request) (dispatch.Result, error)
}

// Coordinator retries a task across successive model selections when
// dispatch to the current model fails, logging every switch and watching
// each model's recent failover count for the excessive-failover alert.
type Coordinator struct {
	sel   Selector
	disp  Dispatching
	cfg   Config
	alert Alerter
	log   *slog.Logger

	mu      sync.Mutex
	events  []Event
	history map[registry.ModelID][]time.Time // recent failover timestamps, keyed by the model failed away from
	alerted map[registry.ModelID]bool         // whether the alert is currently "armed down" for that model
}

// New constructs a Coordinator.
func New(sel Selector, disp Dispatching, cfg Config, alert Alerter, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		sel:     sel,
		disp:    disp,
		cfg:     cfg,
		alert:   alert,
		log:     log,
		history: make(map[registry.ModelID][]time.Time),
		alerted: make(map[registry.ModelID]bool),
	}
}

// Outcome is the result of a failover-coordinated dispatch.
type Outcome struct {
	Result      dispatch.Result
	ModelID     registry.ModelID
	ModelsTried []registry.ModelID
	Failovers   int
}

// Execute selects a model for task, dispatches req, and on a failover-
// eligible error re-selects (excluding already-tried providers isn't
// forced — a different model from the same provider may still be the best
// available alternative) and retries, up to cfg.MaxModelAttempts distinct
// models.
func (c *Coordinator) Execute(ctx context.Context, task selector.Task, constraints selector.Constraints, req adapter.Request) (Outcome, error) {
	tried := make(map[registry.ModelID]bool)
	reasonPerModel := make(map[string]string)
	var originalModel registry.ModelID
	var lastModel registry.ModelID
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxModelAttempts; attempt++ {
		cs := constraints
		cs.ExcludedProviders = append(append([]registry.ProviderID{}, cs.ExcludedProviders...), excludedProvidersFor(tried)...)

		sel := c.sel.SelectModel(task, cs)
		if sel.ModelID == "" {
			break
		}
		if tried[sel.ModelID] {
			// Selector keeps returning the same model (e.g. it's the only
			// capability match); stop rather than loop forever.
			break
		}
		tried[sel.ModelID] = true
		if originalModel == "" {
			originalModel = sel.ModelID
		}

		if lastModel != "" {
			reason := modelerr.ReasonError
			if me, ok := modelerr.As(lastErr); ok {
				reason = modelerr.CategoryToReason(me.Category)
			}
			c.recordEvent(ctx, Event{At: time.Now(), TaskID: task.ID, FromModel: lastModel, ToModel: sel.ModelID, Reason: reason})
		}

		res, err := c.disp.Dispatch(ctx, sel.ModelID, req)

		if err == nil {
			return Outcome{Result: res, ModelID: sel.ModelID, ModelsTried: keys(tried), Failovers: len(tried) - 1}, nil
		}

		me, _ := modelerr.As(err)
		lastErr = err
		lastModel = sel.ModelID
		if me != nil {
			reasonPerModel[string(sel.ModelID)] = string(modelerr.CategoryToReason(me.Category))
		} else {
			reasonPerModel[string(sel.ModelID)] = string(modelerr.ReasonError)
		}

		if me != nil && !failoverEligible(me.Category) {
			return Outcome{}, err
		}
	}

	return Outcome{}, &modelerr.FailoverExhaustedError{
		Original:       string(originalModel),
		TaskID:         task.ID,
		Attempted:      modelIDsToStrings(keys(tried)),
		ReasonPerModel: reasonPerModel,
		LastErr:        lastErr,
	}
}

// failoverEligible reports whether a category warrants trying a different
// model rather than surfacing the error directly, per §4.8.
func failoverEligible(c modelerr.Category) bool {
	switch c {
	case modelerr.CategoryTransient, modelerr.CategoryRateLimit:
		return true
	default:
		return false
	}
}

func excludedProvidersFor(tried map[registry.ModelID]bool) []registry.ProviderID {
	// Intentionally empty: provider exclusion is driven by caller-supplied
	// Constraints only. Model-level dedup is handled by the tried set.
	return nil
}

func keys(m map[registry.ModelID]bool) []registry.ModelID {
	out := make([]registry.ModelID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func modelIDsToStrings(ids []registry.ModelID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// recordEvent logs the switch and updates the FromModel's recent-failover
// history, firing the excessive-failover alert when that model's count
// within AlertWindow reaches AlertThreshold (§4.8).
func (c *Coordinator) recordEvent(ctx context.Context, e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.history[e.FromModel] = append(c.history[e.FromModel], e.At)
	c.pruneModelLocked(e.FromModel, e.At)
	count := len(c.history[e.FromModel])

	shouldAlert := count >= c.cfg.AlertThreshold && !c.alerted[e.FromModel]
	if count < c.cfg.AlertThreshold {
		c.alerted[e.FromModel] = false
	}
	var snapshot []Event
	if shouldAlert {
		c.alerted[e.FromModel] = true
		for _, ev := range c.events {
			if ev.FromModel == e.FromModel {
				snapshot = append(snapshot, ev)
			}
		}
	}
	c.mu.Unlock()

	c.log.Info("failover", "task_id", e.TaskID, "from", e.FromModel, "to", e.ToModel, "reason", e.Reason)

	if shouldAlert && c.alert != nil {
		c.alert.AlertExcessiveFailover(ctx, e.FromModel, count, c.cfg.AlertWindow, snapshot)
	}
}

// pruneModelLocked drops modelID's failover timestamps outside the alert
// window. Caller must hold c.mu.
func (c *Coordinator) pruneModelLocked(modelID registry.ModelID, now time.Time) {
	cutoff := now.Add(-c.cfg.AlertWindow)
	ts := c.history[modelID]
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.history[modelID] = ts[i:]
	}
}
