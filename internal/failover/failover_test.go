package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/dispatch"
	"github.com/modelplane/modelplane/internal/modelerr"
	"github.com/modelplane/modelplane/internal/registry"
	"github.com/modelplane/modelplane/internal/selector"
)

// scriptedSelector returns the next model in order each call, ignoring
// already-excluded providers (tests keep model/provider 1:1 so exclusion
// isn't exercised here).
type scriptedSelector struct {
	models []registry.ModelID
	calls  int
}

func (s *scriptedSelector) SelectModel(task selector.Task, c selector.Constraints) selector.Selection {
	if s.calls >= len(s.models) {
		return selector.Selection{}
	}
	m := s.models[s.calls]
	s.calls++
	return selector.Selection{ModelID: m, Score: 1}
}

type scriptedDispatcher struct {
	outcomes map[registry.ModelID]func() (dispatch.Result, error)
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, modelID registry.ModelID, req adapter.Request) (dispatch.Result, error) {
	return d.outcomes[modelID]()
}

type recordingAlerter struct {
	fired   int
	models  []registry.ModelID
	counts  []int
}

func (a *recordingAlerter) AlertExcessiveFailover(ctx context.Context, modelID registry.ModelID, count int, window time.Duration, events []Event) {
	a.fired++
	a.models = append(a.models, modelID)
	a.counts = append(a.counts, count)
}

func TestExecute_SucceedsOnSecondModel(t *testing.T) {
	sel := &scriptedSelector{models: []registry.ModelID{"m1", "m2"}}
	disp := &scriptedDispatcher{outcomes: map[registry.ModelID]func() (dispatch.Result, error){
		"m1": func() (dispatch.Result, error) {
			return dispatch.Result{}, modelerr.New(modelerr.CategoryTransient, "m1", "t1", "timeout", nil)
		},
		"m2": func() (dispatch.Result, error) {
			return dispatch.Result{Attempts: 1}, nil
		},
	}}

	c := New(sel, disp, DefaultConfig(), nil, nil)
	out, err := c.Execute(context.Background(), selector.Task{ID: "t1"}, selector.Constraints{}, adapter.Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, registry.ModelID("m2"), out.ModelID)
	assert.Equal(t, 1, out.Failovers)
}

func TestExecute_NonFailoverEligibleStopsImmediately(t *testing.T) {
	sel := &scriptedSelector{models: []registry.ModelID{"m1", "m2"}}
	disp := &scriptedDispatcher{outcomes: map[registry.ModelID]func() (dispatch.Result, error){
		"m1": func() (dispatch.Result, error) {
			return dispatch.Result{}, modelerr.New(modelerr.CategoryValidation, "m1", "t1", "bad request", nil)
		},
	}}

	c := New(sel, disp, DefaultConfig(), nil, nil)
	_, err := c.Execute(context.Background(), selector.Task{ID: "t1"}, selector.Constraints{}, adapter.Request{TaskID: "t1"})
	require.Error(t, err)
	me, ok := modelerr.As(err)
	require.True(t, ok)
	assert.Equal(t, modelerr.CategoryValidation, me.Category)
	assert.Equal(t, 1, sel.calls, "should not select a second model for a non-failover-eligible error")
}

func TestExecute_ExhaustsAllAttempts(t *testing.T) {
	sel := &scriptedSelector{models: []registry.ModelID{"m1", "m2", "m3"}}
	fail := func(id registry.ModelID) func() (dispatch.Result, error) {
		return func() (dispatch.Result, error) {
			return dispatch.Result{}, modelerr.New(modelerr.CategoryTransient, string(id), "t1", "timeout", nil)
		}
	}
	disp := &scriptedDispatcher{outcomes: map[registry.ModelID]func() (dispatch.Result, error){
		"m1": fail("m1"), "m2": fail("m2"), "m3": fail("m3"),
	}}

	cfg := DefaultConfig()
	cfg.MaxModelAttempts = 3
	c := New(sel, disp, cfg, nil, nil)
	_, err := c.Execute(context.Background(), selector.Task{ID: "t1"}, selector.Constraints{}, adapter.Request{TaskID: "t1"})
	require.Error(t, err)
	var exhausted *modelerr.FailoverExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Attempted, 3)
	assert.Equal(t, "m1", exhausted.Original, "Original is the first model selected, not the task id")
	assert.Len(t, exhausted.ReasonPerModel, 3, "every attempted model gets a recorded failure reason")
	for _, id := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, string(modelerr.ReasonTimeout), exhausted.ReasonPerModel[id])
	}
}

func TestExecute_AlertFiresOncePerThresholdCrossing(t *testing.T) {
	// m1 fails every time and the coordinator switches to m2, which always
	// succeeds; m1's per-model failover count climbs 1, 2, 3, 4 across the
	// four Execute calls. The alert must fire exactly once, when the count
	// first reaches the threshold (3), and not re-fire on the 4th call
	// since the count never dropped back below threshold in between.
	sel := &scriptedSelector{models: []registry.ModelID{"m1", "m2", "m1", "m2", "m1", "m2", "m1", "m2"}}
	disp := &scriptedDispatcher{outcomes: map[registry.ModelID]func() (dispatch.Result, error){
		"m1": func() (dispatch.Result, error) {
			return dispatch.Result{}, modelerr.New(modelerr.CategoryTransient, "m1", "t", "timeout", nil)
		},
		"m2": func() (dispatch.Result, error) {
			return dispatch.Result{}, nil
		},
	}}

	cfg := Config{MaxModelAttempts: 2, AlertWindow: time.Hour, AlertThreshold: 3}
	alerter := &recordingAlerter{}
	c := New(sel, disp, cfg, alerter, nil)

	for i := 0; i < 4; i++ {
		sel.calls = 0
		_, _ = c.Execute(context.Background(), selector.Task{ID: "t"}, selector.Constraints{}, adapter.Request{TaskID: "t"})
	}

	require.Equal(t, 1, alerter.fired, "alert must fire only once while the count stays at or above threshold")
	assert.Equal(t, registry.ModelID("m1"), alerter.models[0])
	assert.Equal(t, 3, alerter.counts[0])
}

func TestExecute_NoAlertWhenWindowPrunesCountBelowThreshold(t *testing.T) {
	// A short alert window means earlier failovers age out between calls,
	// so the per-model count never reaches the threshold and no alert
	// fires even across many switches away from the same model.
	sel := &scriptedSelector{models: []registry.ModelID{"m1", "m2", "m1", "m2", "m1", "m2"}}
	disp := &scriptedDispatcher{outcomes: map[registry.ModelID]func() (dispatch.Result, error){
		"m1": func() (dispatch.Result, error) {
			return dispatch.Result{}, modelerr.New(modelerr.CategoryTransient, "m1", "t", "timeout", nil)
		},
		"m2": func() (dispatch.Result, error) {
			return dispatch.Result{}, nil
		},
	}}

	cfg := Config{MaxModelAttempts: 2, AlertWindow: time.Nanosecond, AlertThreshold: 3}
	alerter := &recordingAlerter{}
	c := New(sel, disp, cfg, alerter, nil)

	for i := 0; i < 3; i++ {
		sel.calls = 0
		_, _ = c.Execute(context.Background(), selector.Task{ID: "t"}, selector.Constraints{}, adapter.Request{TaskID: "t"})
		time.Sleep(time.Millisecond)
	}

	assert.Equal(t, 0, alerter.fired, "events outside the alert window must not count toward the threshold")
}
