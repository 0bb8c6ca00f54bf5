package storage

import "time"

// HealthCheckRow is one persisted probe outcome for a model (spec.md §4.1),
// mirroring health.State at the point the probe completed.
type HealthCheckRow struct {
	ModelID   string
	At        time.Time
	LatencyMS float64
	Success   bool
	Error     string
}

// RateLimitEventRow is one persisted pre-check/record decision from the
// rate-limit tracker (spec.md §4.2).
type RateLimitEventRow struct {
	ModelID            string
	At                 time.Time
	Decision           string
	RequestUtilization float64
	TokenUtilization   float64
}

// PerformanceRecordRow mirrors performance.Record (spec.md §4.3) minus the
// in-memory-only aggregate fields, for append-only persistence.
type PerformanceRecordRow struct {
	ModelID      string
	AgentKind    string
	TaskID       string
	At           time.Time
	LatencyMS    float64
	Success      bool
	QualityScore *float64
}

// CostRecordRow mirrors cost.Record (spec.md §4.4).
type CostRecordRow struct {
	ModelID      string
	AgentKind    string
	TaskID       string
	At           time.Time
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// FailoverEventRow mirrors failover.Event (spec.md §4.6/§5 invariant
// "failover logging completeness").
type FailoverEventRow struct {
	TaskID    string
	FromModel string
	ToModel   string
	Reason    string
	At        time.Time
}
