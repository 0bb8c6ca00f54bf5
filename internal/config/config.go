// Package config loads and hot-reloads the operational Document: the
// registry file path, daily budget, and the tunable knobs for every
// tracker/controller, per spec §6. Loading uses viper (the teacher's own
// config library); the document is then schema-validated with
// go-playground/validator/v10 before being handed to the rest of the
// system, and an fsnotify watcher (grounded on the teacher's
// internal/graph filesystem watcher) drives reload on change.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/modelplane/modelplane/internal/degradation"
	"github.com/modelplane/modelplane/internal/dispatch"
	"github.com/modelplane/modelplane/internal/failover"
	"github.com/modelplane/modelplane/internal/health"
	"github.com/modelplane/modelplane/internal/ratelimit"
)

var validate = validator.New()

// Document is the operational configuration document described in §6:
// where the model registry lives plus every component's tunables.
type Document struct {
	RegistryPath string  `mapstructure:"registry_path" yaml:"registry_path" validate:"required"`
	DailyBudget  float64 `mapstructure:"daily_budget" yaml:"daily_budget" validate:"gte=0"`

	Health      HealthConfig      `mapstructure:"health" yaml:"health"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit" yaml:"rate_limit"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch" yaml:"dispatch"`
	Failover    FailoverConfig    `mapstructure:"failover" yaml:"failover"`
	Degradation DegradationConfig `mapstructure:"degradation" yaml:"degradation"`
}

// HealthConfig mirrors health.Config with mapstructure tags for viper.
type HealthConfig struct {
	BaseIntervalSeconds int `mapstructure:"base_interval_seconds" yaml:"base_interval_seconds" validate:"gte=1"`
	ProbeTimeoutSeconds int `mapstructure:"probe_timeout_seconds" yaml:"probe_timeout_seconds" validate:"gte=1"`
	Threshold           int `mapstructure:"threshold" yaml:"threshold" validate:"gte=1"`
	MaxBackoffSeconds   int `mapstructure:"max_backoff_seconds" yaml:"max_backoff_seconds" validate:"gte=1"`
}

func (h HealthConfig) toHealthConfig() health.Config {
	return health.Config{
		BaseInterval: time.Duration(h.BaseIntervalSeconds) * time.Second,
		ProbeTimeout: time.Duration(h.ProbeTimeoutSeconds) * time.Second,
		Threshold:    h.Threshold,
		MaxBackoff:   time.Duration(h.MaxBackoffSeconds) * time.Second,
	}
}

// RateLimitConfig mirrors ratelimit.Config.
type RateLimitConfig struct {
	WindowSeconds int     `mapstructure:"window_seconds" yaml:"window_seconds" validate:"gte=1"`
	Threshold     float64 `mapstructure:"threshold" yaml:"threshold" validate:"gt=0,lte=1"`
}

func (r RateLimitConfig) toRateLimitConfig() ratelimit.Config {
	return ratelimit.Config{WindowSize: time.Duration(r.WindowSeconds) * time.Second, Threshold: r.Threshold}
}

// DispatchConfig mirrors dispatch.RetryConfig + dispatch.Limits.
type DispatchConfig struct {
	MaxRetries             int     `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	BaseDelayMillis        int     `mapstructure:"base_delay_millis" yaml:"base_delay_millis" validate:"gte=1"`
	MaxDelayMillis         int     `mapstructure:"max_delay_millis" yaml:"max_delay_millis" validate:"gte=1"`
	BackoffFactor          float64 `mapstructure:"backoff_factor" yaml:"backoff_factor" validate:"gt=1"`
	JitterFactor           float64 `mapstructure:"jitter_factor" yaml:"jitter_factor" validate:"gte=0,lte=1"`
	GlobalConcurrency      int     `mapstructure:"global_concurrency" yaml:"global_concurrency" validate:"gte=1"`
	PerProviderConcurrency int     `mapstructure:"per_provider_concurrency" yaml:"per_provider_concurrency" validate:"gte=1"`
}

func (d DispatchConfig) toRetryConfig() dispatch.RetryConfig {
	return dispatch.RetryConfig{
		MaxRetries:    d.MaxRetries,
		BaseDelay:     time.Duration(d.BaseDelayMillis) * time.Millisecond,
		MaxDelay:      time.Duration(d.MaxDelayMillis) * time.Millisecond,
		BackoffFactor: d.BackoffFactor,
		JitterFactor:  d.JitterFactor,
	}
}

func (d DispatchConfig) toLimits() dispatch.Limits {
	return dispatch.Limits{GlobalConcurrency: d.GlobalConcurrency, PerProviderConcurrency: d.PerProviderConcurrency}
}

// FailoverConfig mirrors failover.Config.
type FailoverConfig struct {
	MaxModelAttempts   int `mapstructure:"max_model_attempts" yaml:"max_model_attempts" validate:"gte=1"`
	AlertWindowSeconds int `mapstructure:"alert_window_seconds" yaml:"alert_window_seconds" validate:"gte=1"`
	AlertThreshold     int `mapstructure:"alert_threshold" yaml:"alert_threshold" validate:"gte=1"`
}

func (f FailoverConfig) toFailoverConfig() failover.Config {
	return failover.Config{
		MaxModelAttempts: f.MaxModelAttempts,
		AlertWindow:      time.Duration(f.AlertWindowSeconds) * time.Second,
		AlertThreshold:   f.AlertThreshold,
	}
}

// DegradationConfig mirrors degradation.Config.
type DegradationConfig struct {
	MaxQueueDepth           int `mapstructure:"max_queue_depth" yaml:"max_queue_depth" validate:"gte=1"`
	BaseRequeueDelaySeconds int `mapstructure:"base_requeue_delay_seconds" yaml:"base_requeue_delay_seconds" validate:"gte=1"`
	MaxRequeueDelaySeconds  int `mapstructure:"max_requeue_delay_seconds" yaml:"max_requeue_delay_seconds" validate:"gte=1"`
}

func (d DegradationConfig) toDegradationConfig() degradation.Config {
	return degradation.Config{
		MaxQueueDepth:    d.MaxQueueDepth,
		BaseRequeueDelay: time.Duration(d.BaseRequeueDelaySeconds) * time.Second,
		MaxRequeueDelay:  time.Duration(d.MaxRequeueDelaySeconds) * time.Second,
	}
}

// Resolved bundles every component's native Config, derived from a
// validated Document.
type Resolved struct {
	RegistryPath string
	DailyBudget  float64
	Health       health.Config
	RateLimit    ratelimit.Config
	Retry        dispatch.RetryConfig
	Limits       dispatch.Limits
	Failover     failover.Config
	Degradation  degradation.Config
}

// Resolve derives component-native configs from d.
func (d Document) Resolve() Resolved {
	return Resolved{
		RegistryPath: d.RegistryPath,
		DailyBudget:  d.DailyBudget,
		Health:       d.Health.toHealthConfig(),
		RateLimit:    d.RateLimit.toRateLimitConfig(),
		Retry:        d.Dispatch.toRetryConfig(),
		Limits:       d.Dispatch.toLimits(),
		Failover:     d.Failover.toFailoverConfig(),
		Degradation:  d.Degradation.toDegradationConfig(),
	}
}

// Defaults returns a Document populated with every component's documented
// operational defaults (§6), so a deployment only needs to override what
// it wants to change.
func Defaults(registryPath string) Document {
	return Document{
		RegistryPath: registryPath,
		DailyBudget:  100.0,
		Health:       HealthConfig{BaseIntervalSeconds: 60, ProbeTimeoutSeconds: 10, Threshold: 3, MaxBackoffSeconds: 300},
		RateLimit:    RateLimitConfig{WindowSeconds: 60, Threshold: 0.90},
		Dispatch: DispatchConfig{
			MaxRetries: 3, BaseDelayMillis: 1000, MaxDelayMillis: 30000,
			BackoffFactor: 2.0, JitterFactor: 0.1,
			GlobalConcurrency: 50, PerProviderConcurrency: 10,
		},
		Failover:    FailoverConfig{MaxModelAttempts: 3, AlertWindowSeconds: 3600, AlertThreshold: 3},
		Degradation: DegradationConfig{MaxQueueDepth: 1000, BaseRequeueDelaySeconds: 5, MaxRequeueDelaySeconds: 120},
	}
}

// Loader reads the Document from disk via viper, applying Defaults first
// so a partial file only overrides what it sets, then validates the
// result.
type Loader struct {
	v    *viper.Viper
	path string
	log  *slog.Logger
}

// NewLoader constructs a Loader reading the config file at path (JSON),
// with componentName used as the env-var prefix for override lookups
// (mirroring the teacher's configureViper SetEnvPrefix convention).
func NewLoader(path, componentName string, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(strings.ToUpper(componentName))
	v.AutomaticEnv()
	return &Loader{v: v, path: path, log: log}
}

// Load reads and validates the Document, falling back to defaults (keyed
// by registryPath) for any field the file and environment don't set.
func (l *Loader) Load(registryPath string) (Document, error) {
	applyDefaults(l.v, Defaults(registryPath))

	if err := l.v.ReadInConfig(); err != nil {
		return Document{}, fmt.Errorf("config: read %s: %w", l.path, err)
	}

	var doc Document
	if err := l.v.Unmarshal(&doc); err != nil {
		return Document{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		return Document{}, fmt.Errorf("config: invalid document: %w", err)
	}
	return doc, nil
}

func applyDefaults(v *viper.Viper, d Document) {
	v.SetDefault("registry_path", d.RegistryPath)
	v.SetDefault("daily_budget", d.DailyBudget)
	v.SetDefault("health.base_interval_seconds", d.Health.BaseIntervalSeconds)
	v.SetDefault("health.probe_timeout_seconds", d.Health.ProbeTimeoutSeconds)
	v.SetDefault("health.threshold", d.Health.Threshold)
	v.SetDefault("health.max_backoff_seconds", d.Health.MaxBackoffSeconds)
	v.SetDefault("rate_limit.window_seconds", d.RateLimit.WindowSeconds)
	v.SetDefault("rate_limit.threshold", d.RateLimit.Threshold)
	v.SetDefault("dispatch.max_retries", d.Dispatch.MaxRetries)
	v.SetDefault("dispatch.base_delay_millis", d.Dispatch.BaseDelayMillis)
	v.SetDefault("dispatch.max_delay_millis", d.Dispatch.MaxDelayMillis)
	v.SetDefault("dispatch.backoff_factor", d.Dispatch.BackoffFactor)
	v.SetDefault("dispatch.jitter_factor", d.Dispatch.JitterFactor)
	v.SetDefault("dispatch.global_concurrency", d.Dispatch.GlobalConcurrency)
	v.SetDefault("dispatch.per_provider_concurrency", d.Dispatch.PerProviderConcurrency)
	v.SetDefault("failover.max_model_attempts", d.Failover.MaxModelAttempts)
	v.SetDefault("failover.alert_window_seconds", d.Failover.AlertWindowSeconds)
	v.SetDefault("failover.alert_threshold", d.Failover.AlertThreshold)
	v.SetDefault("degradation.max_queue_depth", d.Degradation.MaxQueueDepth)
	v.SetDefault("degradation.base_requeue_delay_seconds", d.Degradation.BaseRequeueDelaySeconds)
	v.SetDefault("degradation.max_requeue_delay_seconds", d.Degradation.MaxRequeueDelaySeconds)
}

// LoadYAML is the alternate config format loader (§2 ambient table): reads
// a YAML document at path, merging it over Defaults(registryPath) so a
// partial file only overrides what it sets — unmarshalling into an
// already-populated struct leaves unset fields at their prior value —
// then validates the result exactly like Load does. Unlike Loader, this
// path has no env-var override or fsnotify reload; it exists for
// deployments that prefer a static YAML file over the JSON+viper path.
func LoadYAML(path, registryPath string) (Document, error) {
	doc := Defaults(registryPath)

	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		return Document{}, fmt.Errorf("config: invalid document: %w", err)
	}
	return doc, nil
}

// Watcher watches the config file for changes and invokes onChange with
// the freshly reloaded, validated Document. Debounced the same way the
// teacher's graph.FileWatcher debounces filesystem events, since editors
// commonly emit several write events for a single save.
type Watcher struct {
	loader       *Loader
	registryPath string
	onChange     func(Document)
	log          *slog.Logger

	fsw *fsnotify.Watcher
	mu  sync.Mutex

	timer *time.Timer
}

const debounceDelay = 300 * time.Millisecond

// NewWatcher constructs a Watcher over loader's file.
func NewWatcher(loader *Loader, registryPath string, onChange func(Document), log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(loader.path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", loader.path, err)
	}
	return &Watcher{loader: loader, registryPath: registryPath, onChange: onChange, log: log, fsw: fsw}, nil
}

// Run processes filesystem events until Close is called.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	doc, err := w.loader.Load(w.registryPath)
	if err != nil {
		w.log.Warn("config reload failed, keeping previous document", "error", err)
		return
	}
	w.onChange(doc)
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
