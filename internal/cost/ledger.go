// Package cost implements the Cost Ledger: append-only cost records,
// daily aggregates, and budget checks, mirroring the Performance Store's
// shape per spec §4.5.
package cost

import (
	"sort"
	"sync"
	"time"
)

// Record is a single append-only cost observation (§3).
type Record struct {
	Timestamp    time.Time
	ModelID      string
	AgentKind    string
	TaskID       string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Budget reports the outcome of a budget check.
type Budget struct {
	DailyBudget       float64
	CurrentSpend      float64
	UtilizationPct    float64
	IsOverBudget      bool
	Remaining         float64
}

// Ledger is the append-only cost record store.
type Ledger struct {
	mu          sync.RWMutex
	records     []Record
	dailyBudget float64
}

// New returns a Ledger with the given daily budget (§6 default 100.0).
func New(dailyBudget float64) *Ledger {
	return &Ledger{dailyBudget: dailyBudget}
}

// RecordCost stamps now and appends a cost record.
func (l *Ledger) RecordCost(modelID, agentKind, taskID string, inputTokens, outputTokens int, cost float64) {
	l.mu.Lock()
	l.records = append(l.records, Record{
		Timestamp:    time.Now(),
		ModelID:      modelID,
		AgentKind:    agentKind,
		TaskID:       taskID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
	})
	l.mu.Unlock()
}

// CalculateCost derives a cost from per-1k prices and actual token counts
// — the formula every adapter/dispatcher call should use so the ledger
// stays consistent with what Selector's cost sub-score assumes.
func CalculateCost(inputTokens, outputTokens int, pricePer1kInput, pricePer1kOutput float64) float64 {
	return float64(inputTokens)/1000*pricePer1kInput + float64(outputTokens)/1000*pricePer1kOutput
}

func dayRange(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return start, start.Add(24 * time.Hour)
}

// DailyTotal sums every record whose timestamp falls in [00:00, 24:00) of
// date (today if date is zero).
func (l *Ledger) DailyTotal(date time.Time) float64 {
	if date.IsZero() {
		date = time.Now()
	}
	start, end := dayRange(date)

	l.mu.RLock()
	defer l.mu.RUnlock()

	var total float64
	for _, r := range l.records {
		if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			total += r.Cost
		}
	}
	return total
}

// CheckBudget reports today's spend against the configured daily budget.
func (l *Ledger) CheckBudget() Budget {
	spend := l.DailyTotal(time.Time{})
	util := 0.0
	if l.dailyBudget > 0 {
		util = spend / l.dailyBudget * 100
	}
	remaining := l.dailyBudget - spend
	if remaining < 0 {
		remaining = 0
	}
	return Budget{
		DailyBudget:    l.dailyBudget,
		CurrentSpend:   spend,
		UtilizationPct: util,
		IsOverBudget:   l.dailyBudget > 0 && spend > l.dailyBudget,
		Remaining:      remaining,
	}
}

// Range is a half-open [Start, End) time interval used by the group-by
// queries below.
type Range struct {
	Start, End time.Time
}

func (l *Ledger) inRange(r Range) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, rec := range l.records {
		if !rec.Timestamp.Before(r.Start) && rec.Timestamp.Before(r.End) {
			out = append(out, rec)
		}
	}
	return out
}

// CostByModel groups spend in the range by model id.
func (l *Ledger) CostByModel(r Range) map[string]float64 {
	out := make(map[string]float64)
	for _, rec := range l.inRange(r) {
		out[rec.ModelID] += rec.Cost
	}
	return out
}

// CostByAgent groups spend in the range by agent kind.
func (l *Ledger) CostByAgent(r Range) map[string]float64 {
	out := make(map[string]float64)
	for _, rec := range l.inRange(r) {
		out[rec.AgentKind] += rec.Cost
	}
	return out
}

// TaskCost is one row of the top-tasks-by-cost query.
type TaskCost struct {
	TaskID string
	Cost   float64
}

// TopTasks returns the limit most expensive tasks in the range, descending.
func (l *Ledger) TopTasks(r Range, limit int) []TaskCost {
	totals := make(map[string]float64)
	for _, rec := range l.inRange(r) {
		totals[rec.TaskID] += rec.Cost
	}
	out := make([]TaskCost, 0, len(totals))
	for id, c := range totals {
		out = append(out, TaskCost{TaskID: id, Cost: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cost > out[j].Cost })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
