package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelplane/modelplane/internal/adapter"
	"github.com/modelplane/modelplane/internal/cost"
	"github.com/modelplane/modelplane/internal/credential"
	"github.com/modelplane/modelplane/internal/health"
	"github.com/modelplane/modelplane/internal/modelerr"
	"github.com/modelplane/modelplane/internal/ratelimit"
	"github.com/modelplane/modelplane/internal/registry"
)

type scriptedAdapter struct {
	calls   int32
	results []func() (adapter.Response, error)
}

func (s *scriptedAdapter) Send(ctx context.Context, modelID string, req adapter.Request, cred string) (adapter.Response, error) {
	i := atomic.AddInt32(&s.calls, 1) - 1
	if int(i) >= len(s.results) {
		return s.results[len(s.results)-1]()
	}
	return s.results[i]()
}

func (s *scriptedAdapter) CalculateCost(in, out int, priceIn, priceOut float64) float64 {
	return float64(in)/1000*priceIn + float64(out)/1000*priceOut
}

func (s *scriptedAdapter) Close() error { return nil }

type staticCredStore struct{ cred string }

func (s staticCredStore) Get(provider string) (credential.Credential, bool) {
	return credential.Credential{Provider: provider}, true
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, diags, err := registry.Load([]byte(`{"models":[
		{"id":"m1","provider":"openai","capabilities":["text-generation"],
		 "cost_per_1k_input":0.01,"cost_per_1k_output":0.03,
		 "requests_per_minute":500,"tokens_per_minute":150000,"enabled":true}
	]}`))
	require.NoError(t, err)
	require.Empty(t, diags)
	return r
}

func newDispatcher(t *testing.T, ad adapter.Provider) (*Dispatcher, *cost.Ledger) {
	t.Helper()
	reg := testRegistry(t)
	ar := adapter.NewRegistry(map[string]adapter.Provider{"openai": ad})
	ht := health.New(health.DefaultConfig(), reg, nil, nil, nil)
	rl := ratelimit.New(ratelimit.DefaultConfig())
	ledger := cost.New(100)
	cfg := RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2, JitterFactor: 0}
	d := New(reg, ar, staticCredStore{}, rl, ledger, ht, cfg, DefaultLimits(), nil)
	return d, ledger
}

func TestDispatch_SuccessRecordsCost(t *testing.T) {
	ad := &scriptedAdapter{results: []func() (adapter.Response, error){
		func() (adapter.Response, error) {
			return adapter.Response{Usage: adapter.TokenUsage{Input: 100, Output: 50, Total: 150}}, nil
		},
	}}
	d, ledger := newDispatcher(t, ad)

	res, err := d.Dispatch(context.Background(), "m1", adapter.Request{TaskID: "t1", MaxTokens: 50})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.InDelta(t, 0.01*0.1+0.03*0.05, ledger.DailyTotal(time.Time{}), 0.0001)
}

func TestDispatch_RetriesTransientThenSucceeds(t *testing.T) {
	ad := &scriptedAdapter{results: []func() (adapter.Response, error){
		func() (adapter.Response, error) {
			return adapter.Response{}, modelerr.New(modelerr.CategoryTransient, "m1", "t1", "boom", errors.New("timeout"))
		},
		func() (adapter.Response, error) {
			return adapter.Response{Usage: adapter.TokenUsage{Total: 10}}, nil
		},
	}}
	d, _ := newDispatcher(t, ad)

	res, err := d.Dispatch(context.Background(), "m1", adapter.Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestDispatch_NeverRetriesAuthentication(t *testing.T) {
	ad := &scriptedAdapter{results: []func() (adapter.Response, error){
		func() (adapter.Response, error) {
			return adapter.Response{}, modelerr.New(modelerr.CategoryAuthentication, "m1", "t1", "bad key", nil)
		},
		func() (adapter.Response, error) {
			t.Fatal("should never reach a second call for a non-retryable category")
			return adapter.Response{}, nil
		},
	}}
	d, _ := newDispatcher(t, ad)

	_, err := d.Dispatch(context.Background(), "m1", adapter.Request{TaskID: "t1"})
	require.Error(t, err)
	me, ok := modelerr.As(err)
	require.True(t, ok)
	assert.Equal(t, modelerr.CategoryAuthentication, me.Category)
	assert.Equal(t, int32(1), ad.calls)
}

type scriptedBreaker struct {
	calls     int32
	forceOpen bool
}

func (b *scriptedBreaker) Through(provider registry.ProviderID, totalProviders int, fn func() (any, error)) (any, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.forceOpen {
		return nil, errors.New("circuit open")
	}
	return fn()
}

func TestDispatch_RoutesThroughInstalledBreaker(t *testing.T) {
	ad := &scriptedAdapter{results: []func() (adapter.Response, error){
		func() (adapter.Response, error) {
			return adapter.Response{Usage: adapter.TokenUsage{Total: 10}}, nil
		},
	}}
	d, _ := newDispatcher(t, ad)
	b := &scriptedBreaker{}
	d.SetBreaker(b)

	res, err := d.Dispatch(context.Background(), "m1", adapter.Request{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.calls))
}

func TestDispatch_OpenBreakerShortCircuitsWithoutCallingAdapter(t *testing.T) {
	ad := &scriptedAdapter{results: []func() (adapter.Response, error){
		func() (adapter.Response, error) {
			t.Fatal("adapter should not be called while the breaker is open")
			return adapter.Response{}, nil
		},
	}}
	d, _ := newDispatcher(t, ad)
	b := &scriptedBreaker{forceOpen: true}
	d.SetBreaker(b)

	cfg := RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2, JitterFactor: 0}
	d.retry = cfg

	_, err := d.Dispatch(context.Background(), "m1", adapter.Request{TaskID: "t1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.calls))
}

func TestDispatch_UnknownModelIsConfigurationError(t *testing.T) {
	ad := &scriptedAdapter{}
	d, _ := newDispatcher(t, ad)

	_, err := d.Dispatch(context.Background(), "does-not-exist", adapter.Request{TaskID: "t1"})
	require.Error(t, err)
	me, ok := modelerr.As(err)
	require.True(t, ok)
	assert.Equal(t, modelerr.CategoryConfiguration, me.Category)
}
