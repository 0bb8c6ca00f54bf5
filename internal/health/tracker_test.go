package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane/modelplane/internal/registry"
)

type scriptedProber struct {
	mu      sync.Mutex
	results map[registry.ModelID][]error // consumed in order; last value repeats
	calls   map[registry.ModelID]*int64
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{results: make(map[registry.ModelID][]error), calls: make(map[registry.ModelID]*int64)}
}

func (p *scriptedProber) Probe(ctx context.Context, id registry.ModelID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cnt, ok := p.calls[id]
	if !ok {
		var c int64
		cnt = &c
		p.calls[id] = cnt
	}
	idx := atomic.AddInt64(cnt, 1) - 1

	seq := p.results[id]
	if len(seq) == 0 {
		return nil
	}
	if int(idx) >= len(seq) {
		return seq[len(seq)-1]
	}
	return seq[idx]
}

func testRegistry(t *testing.T, id registry.ModelID) *registry.Registry {
	t.Helper()
	r, _, err := registry.Load([]byte(`{"models":[{"id":"` + string(id) + `","provider":"openai","enabled":true}]}`))
	require.NoError(t, err)
	return r
}

func TestTracker_ThresholdCorrectness(t *testing.T) {
	reg := testRegistry(t, "m1")
	prober := newScriptedProber()
	tr := New(Config{BaseInterval: 50 * time.Millisecond, ProbeTimeout: time.Second, Threshold: 3, MaxBackoff: time.Second}, reg, prober, nil, nil)

	// Two successful probes: available, no failures counted.
	tr.probeOne(context.Background(), "m1")
	tr.probeOne(context.Background(), "m1")
	assert.True(t, tr.IsAvailable("m1"))
	assert.Equal(t, 0, tr.Status("m1").ConsecutiveFailures) // probes succeed by default (nil error)

	prober.mu.Lock()
	prober.results["m1"] = []error{errors.New("boom"), errors.New("boom"), errors.New("boom")}
	prober.calls["m1"] = new(int64)
	prober.mu.Unlock()

	tr.probeOne(context.Background(), "m1")
	tr.probeOne(context.Background(), "m1")
	assert.True(t, tr.IsAvailable("m1"), "2 consecutive failures must still be available at threshold 3")

	tr.probeOne(context.Background(), "m1")
	assert.False(t, tr.IsAvailable("m1"), "3 consecutive failures must cross threshold 3")
}

func TestTracker_Recovery(t *testing.T) {
	reg := testRegistry(t, "m1")
	prober := newScriptedProber()
	prober.results["m1"] = []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}
	tr := New(Config{BaseInterval: 50 * time.Millisecond, ProbeTimeout: time.Second, Threshold: 3, MaxBackoff: time.Second}, reg, prober, nil, nil)

	for i := 0; i < 3; i++ {
		tr.probeOne(context.Background(), "m1")
	}
	require.False(t, tr.IsAvailable("m1"))

	// An exhausted scripted sequence repeats its last error, so append an explicit success.
	prober.mu.Lock()
	prober.results["m1"] = append(prober.results["m1"], nil)
	prober.mu.Unlock()

	tr.probeOne(context.Background(), "m1")
	assert.True(t, tr.IsAvailable("m1"))
	assert.Equal(t, 0, tr.Status("m1").ConsecutiveFailures)
}

func TestTracker_BackoffSchedule(t *testing.T) {
	reg := testRegistry(t, "m1")
	prober := newScriptedProber()
	prober.results["m1"] = []error{errors.New("e"), errors.New("e"), errors.New("e"), errors.New("e")}
	tr := New(Config{BaseInterval: time.Minute, ProbeTimeout: time.Second, Threshold: 3, MaxBackoff: 5 * time.Minute}, reg, prober, nil, nil)

	assert.Equal(t, time.Minute, tr.backoffFor(1))
	assert.Equal(t, 2*time.Minute, tr.backoffFor(2))
	assert.Equal(t, 5*time.Minute, tr.backoffFor(3))
	assert.Equal(t, 5*time.Minute, tr.backoffFor(4)) // capped
}

func TestTracker_RecordOutcomeFeedsAvailability(t *testing.T) {
	reg := testRegistry(t, "m1")
	prober := newScriptedProber()
	tr := New(DefaultConfig(), reg, prober, nil, nil)

	tr.RecordOutcome("m1", 10*time.Millisecond, false, "provider 500")
	tr.RecordOutcome("m1", 10*time.Millisecond, false, "provider 500")
	tr.RecordOutcome("m1", 10*time.Millisecond, false, "provider 500")
	assert.False(t, tr.IsAvailable("m1"))

	tr.RecordOutcome("m1", 5*time.Millisecond, true, "")
	assert.True(t, tr.IsAvailable("m1"))
}
