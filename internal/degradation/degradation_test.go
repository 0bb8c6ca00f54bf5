package degradation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane/modelplane/internal/registry"
)

func TestController_StartsNormal(t *testing.T) {
	c := New(DefaultConfig(), nil)
	assert.Equal(t, ModeNormal, c.Mode())
	assert.False(t, c.IsProviderUnavailable("openai"))
}

func TestController_SingleProviderDownIsPartial(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.SetProviderAvailability("openai", false, 3)
	assert.Equal(t, ModePartialProviderUnavailable, c.Mode())
	assert.True(t, c.IsProviderUnavailable("openai"))
	assert.False(t, c.IsProviderUnavailable("anthropic"))
}

func TestController_AllProvidersDownIsTotalOutage(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.SetProviderAvailability("openai", false, 2)
	c.SetProviderAvailability("anthropic", false, 2)
	assert.Equal(t, ModeTotalUnavailability, c.Mode())
}

func TestController_CacheDownAlone(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.SetCacheAvailability(false)
	assert.Equal(t, ModeCacheUnavailable, c.Mode())
}

func TestController_TelemetryDownAlone(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.SetTelemetryAvailability(false)
	assert.Equal(t, ModeMonitoringUnavailable, c.Mode())
}

func TestController_CacheAndTelemetryDownIsNotTotalOutage(t *testing.T) {
	// TOTAL_UNAVAILABILITY is derived strictly from every tracked provider
	// being down (§4.9); cache and telemetry both down at once is still
	// just the cache-unavailable single-dependency mode.
	c := New(DefaultConfig(), nil)
	c.SetCacheAvailability(false)
	c.SetTelemetryAvailability(false)
	assert.Equal(t, ModeCacheUnavailable, c.Mode())
}

func TestController_CacheToggleDuringTotalOutageDoesNotDowngradeMode(t *testing.T) {
	// SetProviderAvailability establishes totalProviders; a later cache/
	// telemetry toggle must recompute against the same stored total rather
	// than a per-call zero, or total outage silently downgrades to partial.
	c := New(DefaultConfig(), nil)
	c.SetProviderAvailability("openai", false, 1)
	require.Equal(t, ModeTotalUnavailability, c.Mode())

	c.SetCacheAvailability(false)
	assert.Equal(t, ModeTotalUnavailability, c.Mode())

	c.SetTelemetryAvailability(false)
	assert.Equal(t, ModeTotalUnavailability, c.Mode())
}

func TestController_RecoveryReturnsToNormal(t *testing.T) {
	c := New(DefaultConfig(), nil)
	c.SetProviderAvailability("openai", false, 1)
	assert.Equal(t, ModeTotalUnavailability, c.Mode())
	c.SetProviderAvailability("openai", true, 1)
	assert.Equal(t, ModeNormal, c.Mode())
}

func TestController_EventLogBoundedAt1000(t *testing.T) {
	c := New(DefaultConfig(), nil)
	for i := 0; i < 1500; i++ {
		avail := i%2 == 0
		c.SetProviderAvailability(registry.ProviderID("p"), avail, 5)
	}
	assert.LessOrEqual(t, len(c.Events()), eventLogCap)
}

func TestController_EnqueueRejectsWhenFull(t *testing.T) {
	cfg := Config{MaxQueueDepth: 2, BaseRequeueDelay: 1, MaxRequeueDelay: 10}
	c := New(cfg, nil)
	c.Enqueue("a")
	c.Enqueue("b")
	dropped := c.Enqueue("c")
	assert.True(t, dropped, "the new request is rejected, not the oldest queued one")
	assert.Equal(t, 2, c.QueueDepth())
	assert.Equal(t, 1, c.Dropped())

	drained := c.Drain(10)
	assert.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].Payload, "existing queue contents are untouched by a rejected enqueue")
	assert.Equal(t, "b", drained[1].Payload)
}

func TestController_RequeueDelayGrowsExponentiallyAndCaps(t *testing.T) {
	c := New(DefaultConfig(), nil)
	d0 := c.RequeueDelay(0)
	d1 := c.RequeueDelay(1)
	d2 := c.RequeueDelay(2)
	assert.Equal(t, d0*2, d1)
	assert.Equal(t, d1*2, d2)

	dMax := c.RequeueDelay(100)
	assert.Equal(t, c.cfg.MaxRequeueDelay, dMax)
}
