// Package degradation implements the Degradation Controller: tracks the
// availability of providers, the cache, and the telemetry/storage backend,
// derives an overall operating mode, and queues requests during a total
// outage instead of dropping them, per spec §4.9.
package degradation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/modelplane/modelplane/internal/registry"
)

// Mode is the overall degradation state the rest of the system reacts to.
type Mode string

const (
	ModeNormal                     Mode = "normal"
	ModeCacheUnavailable            Mode = "cache_unavailable"
	ModeMonitoringUnavailable       Mode = "monitoring_unavailable"
	ModePartialProviderUnavailable Mode = "partial_provider_unavailable"
	ModeTotalUnavailability         Mode = "total_unavailability"
)

// Ordinal maps Mode to its severity rank (0=NORMAL..4=TOTAL_UNAVAILABILITY),
// for metrics export where a gauge needs a numeric value.
func (m Mode) Ordinal() int {
	switch m {
	case ModeNormal:
		return 0
	case ModeCacheUnavailable:
		return 1
	case ModeMonitoringUnavailable:
		return 2
	case ModePartialProviderUnavailable:
		return 3
	case ModeTotalUnavailability:
		return 4
	default:
		return -1
	}
}

// Event is an append-only record of a mode or component transition, per §3.
type Event struct {
	At   time.Time
	Kind string // "provider", "cache", "telemetry", "mode"
	Name string
	From string
	To   string
}

const eventLogCap = 1000

// QueuedRequest is a unit of deferred work accepted while the controller is
// in ModeTotalUnavailability. Payload is opaque to the controller.
type QueuedRequest struct {
	EnqueuedAt time.Time
	Attempts   int
	Payload    any
}

// Config governs the outage queue and its re-drain backoff, plus the
// per-provider circuit breaker threshold (expansion, §2 ambient table).
type Config struct {
	MaxQueueDepth int           // bounded FIFO; new requests rejected once full (§4.9)
	BaseRequeueDelay time.Duration
	MaxRequeueDelay  time.Duration

	// BreakerConsecutiveFailures trips a provider's circuit breaker open
	// after this many consecutive failed calls. Distinct from the Health
	// Tracker's probe-based threshold: the breaker reacts to live dispatch
	// traffic, the Health Tracker to background probes — either can drive
	// SetProviderAvailability.
	BreakerConsecutiveFailures uint32
	BreakerOpenTimeout         time.Duration
}

// DefaultConfig matches the documented operational defaults in §6.
func DefaultConfig() Config {
	return Config{
		MaxQueueDepth:    1000,
		BaseRequeueDelay: 5 * time.Second,
		MaxRequeueDelay:  2 * time.Minute,

		BreakerConsecutiveFailures: 5,
		BreakerOpenTimeout:         30 * time.Second,
	}
}

// Controller is the single source of truth for "is X available" across
// providers, cache, and telemetry, and the derived overall Mode.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu          sync.RWMutex
	providers   map[registry.ProviderID]bool // true = unavailable
	cacheDown   bool
	telemetryDown bool
	mode        Mode
	events      []Event

	breakerMu sync.Mutex
	breakers  map[registry.ProviderID]*gobreaker.CircuitBreaker
	totalProviders int

	queueMu sync.Mutex
	queue   []QueuedRequest
	dropped int
}

// New constructs a Controller starting in ModeNormal.
func New(cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultConfig().MaxQueueDepth
	}
	if cfg.BreakerConsecutiveFailures == 0 {
		cfg.BreakerConsecutiveFailures = DefaultConfig().BreakerConsecutiveFailures
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = DefaultConfig().BreakerOpenTimeout
	}
	return &Controller{
		cfg:       cfg,
		log:       log,
		providers: make(map[registry.ProviderID]bool),
		breakers:  make(map[registry.ProviderID]*gobreaker.CircuitBreaker),
		mode:      ModeNormal,
	}
}

// breakerFor lazily constructs the circuit breaker for provider, wired so a
// trip to StateOpen/close back to StateClosed drives the same
// SetProviderAvailability path the Health Tracker uses.
func (c *Controller) breakerFor(provider registry.ProviderID, totalProviders int) *gobreaker.CircuitBreaker {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	if totalProviders > 0 {
		c.totalProviders = totalProviders
	}
	if b, ok := c.breakers[provider]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(provider),
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.cfg.BreakerConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			available := to != gobreaker.StateOpen
			c.SetProviderAvailability(registry.ProviderID(name), available, c.totalProviders)
			c.log.Info("provider circuit breaker state change", "provider", name, "from", from, "to", to)
		},
	})
	c.breakers[provider] = b
	return b
}

// Through executes fn gated by provider's circuit breaker: a burst of
// ReadyToTrip-qualifying failures opens the circuit, short-circuiting
// further calls with gobreaker.ErrOpenState until Timeout elapses and a
// single probe request is allowed through (half-open). totalProviders
// feeds the same mode-recompute precedence SetProviderAvailability uses.
func (c *Controller) Through(provider registry.ProviderID, totalProviders int, fn func() (any, error)) (any, error) {
	return c.breakerFor(provider, totalProviders).Execute(fn)
}

// IsProviderUnavailable satisfies selector.ProviderUnavailable.
func (c *Controller) IsProviderUnavailable(provider registry.ProviderID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers[provider]
}

// SetProviderAvailability records a provider's availability transition and
// recomputes the overall mode. totalProviders is the denominator the total-
// outage precedence check needs; it is stored so later cache/telemetry
// toggles can recompute against it without the caller re-supplying it.
func (c *Controller) SetProviderAvailability(provider registry.ProviderID, available bool, totalProviders int) {
	c.mu.Lock()
	if totalProviders > 0 {
		c.totalProviders = totalProviders
	}
	was := c.providers[provider]
	now := !available
	if was == now {
		c.mu.Unlock()
		return
	}
	c.providers[provider] = now
	c.recordLocked(Event{Kind: "provider", Name: string(provider), From: boolLabel(was), To: boolLabel(now)})
	c.recomputeLocked()
	c.mu.Unlock()
}

// SetCacheAvailability records the cache backend's availability.
func (c *Controller) SetCacheAvailability(available bool) {
	c.mu.Lock()
	was := c.cacheDown
	now := !available
	if was == now {
		c.mu.Unlock()
		return
	}
	c.cacheDown = now
	c.recordLocked(Event{Kind: "cache", Name: "cache", From: boolLabel(was), To: boolLabel(now)})
	c.recomputeLocked()
	c.mu.Unlock()
}

// SetTelemetryAvailability records the telemetry/storage backend's
// availability.
func (c *Controller) SetTelemetryAvailability(available bool) {
	c.mu.Lock()
	was := c.telemetryDown
	now := !available
	if was == now {
		c.mu.Unlock()
		return
	}
	c.telemetryDown = now
	c.recordLocked(Event{Kind: "telemetry", Name: "telemetry", From: boolLabel(was), To: boolLabel(now)})
	c.recomputeLocked()
	c.mu.Unlock()
}

func boolLabel(down bool) string {
	if down {
		return "unavailable"
	}
	return "available"
}

// recomputeLocked derives Mode from current component state, per the
// precedence in §4.9: TOTAL_UNAVAILABILITY is derived strictly from every
// tracked provider being down, never from cache/telemetry state — those
// only ever produce the two single-dependency modes. Caller must hold c.mu.
func (c *Controller) recomputeLocked() {
	unavailableProviders := 0
	for _, down := range c.providers {
		if down {
			unavailableProviders++
		}
	}

	next := ModeNormal
	switch {
	case c.totalProviders > 0 && unavailableProviders >= c.totalProviders:
		next = ModeTotalUnavailability
	case unavailableProviders > 0:
		next = ModePartialProviderUnavailable
	case c.cacheDown:
		next = ModeCacheUnavailable
	case c.telemetryDown:
		next = ModeMonitoringUnavailable
	}

	if next != c.mode {
		c.recordLocked(Event{Kind: "mode", Name: "mode", From: string(c.mode), To: string(next)})
		c.log.Warn("degradation mode changed", "from", c.mode, "to", next)
		c.mode = next
	}
}

// recordLocked appends ev, trimming the log to its bounded capacity.
// Caller must hold c.mu.
func (c *Controller) recordLocked(ev Event) {
	ev.At = time.Now()
	c.events = append(c.events, ev)
	if len(c.events) > eventLogCap {
		c.events = c.events[len(c.events)-eventLogCap:]
	}
}

// Mode returns the current overall degradation mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Events returns a copy of the recorded transition log.
func (c *Controller) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Enqueue accepts payload into the bounded FIFO outage queue, used only
// while Mode is ModeTotalUnavailability. Once the queue is at capacity the
// new request is rejected outright — the existing queue is left untouched
// (§4.9: "requests beyond capacity are rejected with a drop signal").
func (c *Controller) Enqueue(payload any) (dropped bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	if len(c.queue) >= c.cfg.MaxQueueDepth {
		c.dropped++
		return true
	}
	c.queue = append(c.queue, QueuedRequest{EnqueuedAt: time.Now(), Payload: payload})
	return false
}

// QueueDepth reports how many requests are currently queued.
func (c *Controller) QueueDepth() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// Dropped reports the cumulative count of requests rejected for capacity.
func (c *Controller) Dropped() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.dropped
}

// Drain removes and returns up to n queued requests, oldest first, for the
// caller to retry once normal mode resumes. Retried-but-still-failing
// requests should be re-enqueued by the caller with Attempts incremented;
// RequeueDelay gives the backoff to wait before that re-enqueue.
func (c *Controller) Drain(n int) []QueuedRequest {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if n > len(c.queue) {
		n = len(c.queue)
	}
	out := make([]QueuedRequest, n)
	copy(out, c.queue[:n])
	c.queue = c.queue[n:]
	return out
}

// RequeueDelay computes the exponential backoff before a given queued
// request (identified by its Attempts count) should be retried.
func (c *Controller) RequeueDelay(attempts int) time.Duration {
	d := c.cfg.BaseRequeueDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= c.cfg.MaxRequeueDelay {
			return c.cfg.MaxRequeueDelay
		}
	}
	return d
}
