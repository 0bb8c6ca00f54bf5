// Package dispatch implements the Dispatcher: bounded-concurrency request
// execution against a single model, including credential rotation,
// rate-limit pre/post-checks, cost recording, and same-model retry with
// exponential backoff, per spec §4.7.
package dispatch

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/cost"
	"github.com/modelplane/modelplane/internal/credential"
	"github.com/modelplane/modelplane/internal/health"
	"github.com/modelplane/modelplane/internal/modelerr"
	"github.com/modelplane/modelplane/internal/ratelimit"
	"github.com/modelplane/modelplane/internal/registry"
)

// RetryConfig governs the same-model retry loop, mirroring the teacher's
// provider-level retry defaults.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig matches the documented operational defaults in §6.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// CalculateBackoffDelay computes the delay before retry attempt, with
// jitter to avoid a thundering herd across concurrently retrying tasks.
func CalculateBackoffDelay(attempt int, cfg RetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.BaseDelay
	}
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))
	jitter := delay * cfg.JitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay < float64(cfg.BaseDelay) {
		delay = float64(cfg.BaseDelay)
	}
	return time.Duration(delay)
}

// Limits controls bounded concurrency (§4.7: per-provider and global caps).
type Limits struct {
	GlobalConcurrency         int
	PerProviderConcurrency    int
}

// DefaultLimits matches the documented operational defaults in §6.
func DefaultLimits() Limits {
	return Limits{GlobalConcurrency: 50, PerProviderConcurrency: 10}
}

// Breaker gates a provider call through a circuit breaker, satisfied by
// degradation.Controller.Through. Optional: a nil breaker means every call
// goes straight to the adapter, relying solely on the Health Tracker's
// probe-based availability signal.
type Breaker interface {
	Through(provider registry.ProviderID, totalProviders int, fn func() (any, error)) (any, error)
}

// Dispatcher executes requests against a single chosen model, handling
// concurrency bounding, credential rotation, rate-limit bookkeeping, cost
// recording, health feedback, and same-model retry.
type Dispatcher struct {
	reg         *registry.Registry
	adapters    *adapter.Registry
	credentials credential.Store
	rateLimit   *ratelimit.Tracker
	ledger      *cost.Ledger
	health      *health.Tracker
	retry       RetryConfig
	limits      Limits
	log         *slog.Logger
	breaker     Breaker

	global chan struct{}

	mu        sync.Mutex
	providers map[registry.ProviderID]chan struct{}
}

// SetBreaker installs a circuit breaker that every subsequent Send call is
// routed through. Called once after construction rather than threaded
// through New so existing callers/tests that build a Dispatcher without a
// breaker keep working unchanged.
func (d *Dispatcher) SetBreaker(b Breaker) {
	d.breaker = b
}

// totalProviderCount counts the distinct providers represented in the
// registry, the denominator Breaker.Through needs to decide whether every
// provider is down (§4.9 total-unavailability precedence).
func (d *Dispatcher) totalProviderCount() int {
	seen := make(map[registry.ProviderID]struct{})
	for _, desc := range d.reg.All() {
		seen[desc.Provider] = struct{}{}
	}
	return len(seen)
}

// New constructs a Dispatcher.
func New(reg *registry.Registry, adapters *adapter.Registry, credentials credential.Store, rl *ratelimit.Tracker, ledger *cost.Ledger, ht *health.Tracker, retry RetryConfig, limits Limits, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if limits.GlobalConcurrency <= 0 {
		limits.GlobalConcurrency = DefaultLimits().GlobalConcurrency
	}
	if limits.PerProviderConcurrency <= 0 {
		limits.PerProviderConcurrency = DefaultLimits().PerProviderConcurrency
	}
	return &Dispatcher{
		reg:         reg,
		adapters:    adapters,
		credentials: credentials,
		rateLimit:   rl,
		ledger:      ledger,
		health:      ht,
		retry:       retry,
		limits:      limits,
		log:         log,
		global:      make(chan struct{}, limits.GlobalConcurrency),
		providers:   make(map[registry.ProviderID]chan struct{}),
	}
}

func (d *Dispatcher) providerSem(p registry.ProviderID) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.providers[p]
	if !ok {
		s = make(chan struct{}, d.limits.PerProviderConcurrency)
		d.providers[p] = s
	}
	return s
}

// Result is a completed dispatch, including the attempt count so the
// Failover Coordinator can log how many same-model retries were spent.
type Result struct {
	Response adapter.Response
	Attempts int
}

// Dispatch runs req against modelID, retrying on the same model for
// retryable error categories before surfacing failure to the caller
// (which, for cross-model retry, is the Failover Coordinator).
func (d *Dispatcher) Dispatch(ctx context.Context, modelID registry.ModelID, req adapter.Request) (Result, error) {
	desc, ok := d.reg.Get(modelID)
	if !ok {
		return Result{}, modelerr.New(modelerr.CategoryConfiguration, string(modelID), req.TaskID, "unknown model id", nil)
	}

	prov, ok := d.adapters.Get(string(desc.Provider))
	if !ok {
		return Result{}, modelerr.New(modelerr.CategoryConfiguration, string(modelID), req.TaskID, "no adapter registered for provider "+string(desc.Provider), nil)
	}

	if err := d.acquire(ctx, desc.Provider); err != nil {
		return Result{}, err
	}
	defer d.release(desc.Provider)

	limits := ratelimit.Limits{RequestsPerMinute: desc.RequestsPerMin, TokensPerMinute: desc.TokensPerMin}
	estTokens := req.MaxTokens
	if estTokens <= 0 {
		estTokens = 1
	}

	var lastErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		if res := d.rateLimit.PreCheck(string(modelID), estTokens, limits); res.Decision == ratelimit.DecisionLimited {
			lastErr = modelerr.New(modelerr.CategoryRateLimit, string(modelID), req.TaskID, "rate limit threshold reached", nil)
			break
		}

		cred, ok := d.credentials.Get(string(desc.Provider))
		if !ok {
			return Result{}, modelerr.New(modelerr.CategoryConfiguration, string(modelID), req.TaskID, "no credential configured for provider "+string(desc.Provider), nil)
		}

		start := time.Now()
		resp, err := d.send(ctx, desc.Provider, modelID, req, prov, cred.Value())
		latency := time.Since(start)

		if err == nil {
			tokensUsed := resp.Usage.Total
			d.rateLimit.Record(string(modelID), tokensUsed, resp.RateLimited)
			d.health.RecordOutcome(modelID, latency, true, "")
			if resp.Cost == 0 {
				resp.Cost = prov.CalculateCost(resp.Usage.Input, resp.Usage.Output, desc.CostPer1kInput, desc.CostPer1kOutput)
			}
			d.ledger.RecordCost(string(modelID), req.AgentKind, req.TaskID, resp.Usage.Input, resp.Usage.Output, resp.Cost)
			return Result{Response: resp, Attempts: attempt + 1}, nil
		}

		lastErr = classify(err, modelID, req.TaskID)
		d.health.RecordOutcome(modelID, latency, false, lastErr.Error())

		me, _ := modelerr.As(lastErr)
		if me != nil && me.Category == modelerr.CategoryRateLimit {
			d.rateLimit.Record(string(modelID), 0, true)
		}

		if me == nil || !me.Retryable || attempt == d.retry.MaxRetries {
			break
		}

		delay := CalculateBackoffDelay(attempt, d.retry)
		d.log.Warn("dispatch retrying same model", "model_id", modelID, "attempt", attempt+1, "delay", delay, "error", lastErr)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return Result{}, lastErr
}

// send issues the adapter call, routed through d.breaker when one is
// installed so a burst of failures trips the circuit and short-circuits
// further attempts with gobreaker.ErrOpenState until it cools down.
func (d *Dispatcher) send(ctx context.Context, provider registry.ProviderID, modelID registry.ModelID, req adapter.Request, prov adapter.Provider, cred string) (adapter.Response, error) {
	if d.breaker == nil {
		return prov.Send(ctx, string(modelID), req, cred)
	}
	raw, err := d.breaker.Through(provider, d.totalProviderCount(), func() (any, error) {
		return prov.Send(ctx, string(modelID), req, cred)
	})
	if err != nil {
		return adapter.Response{}, err
	}
	return raw.(adapter.Response), nil
}

// classify wraps a raw adapter error into the shared taxonomy unless it is
// already a *modelerr.Error (adapters are encouraged to classify their own
// errors; this is the fallback for ones that don't).
func classify(err error, modelID registry.ModelID, taskID string) error {
	if me, ok := modelerr.As(err); ok {
		return me
	}
	return modelerr.New(modelerr.CategoryTransient, string(modelID), taskID, "adapter call failed", err)
}

func (d *Dispatcher) acquire(ctx context.Context, provider registry.ProviderID) error {
	sem := d.providerSem(provider)
	select {
	case d.global <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		<-d.global
		return ctx.Err()
	}
}

func (d *Dispatcher) release(provider registry.ProviderID) {
	<-d.providerSem(provider)
	<-d.global
}
