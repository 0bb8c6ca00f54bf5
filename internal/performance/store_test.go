package performance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func q(v float64) *float64 { return &v }

func TestStore_RecordFidelity(t *testing.T) {
	s := New()
	s.RecordObservation("gpt-x-turbo", "implementer", "task-1", 120.0, true, q(0.9))

	agg := s.Aggregate("gpt-x-turbo", time.Hour)
	assert.Equal(t, 1, agg.Total)
	assert.Equal(t, 1.0, agg.SuccessRate)
	assert.Equal(t, 120.0, agg.AvgLatencyMS)
	assert.InDelta(t, 0.9, agg.AvgQuality, 0.0001)
}

func TestStore_DegradationScenario(t *testing.T) {
	s := New()
	for i := 0; i < 10; i++ {
		s.RecordObservation("m1", "a", "t", 100, true, q(0.85))
	}
	for i := 0; i < 15; i++ {
		s.RecordObservation("m1", "a", "t", 100, false, q(0.0))
	}

	agg := s.Aggregate("m1", 24*time.Hour)
	assert.InDelta(t, 0.4, agg.SuccessRate, 0.0001)

	deg := s.DetectDegradation("m1", 0.8, 24*time.Hour)
	assert.NotNil(t, deg)
	assert.InDelta(t, 0.4, deg.SuccessRate, 0.0001)
}

func TestStore_NoDegradationWhenNoData(t *testing.T) {
	s := New()
	deg := s.DetectDegradation("ghost", 0.8, 24*time.Hour)
	assert.Nil(t, deg)
}

func TestStore_QualityNilExcludedFromAverage(t *testing.T) {
	s := New()
	s.RecordObservation("m1", "a", "t1", 50, true, q(1.0))
	s.RecordObservation("m1", "a", "t2", 50, true, nil)

	agg := s.Aggregate("m1", time.Hour)
	assert.True(t, agg.HasQualityData)
	assert.InDelta(t, 1.0, agg.AvgQuality, 0.0001, "nil quality_score must be excluded from the average, not treated as 0")
}

func TestPercentile_Interpolation(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}
	assert.InDelta(t, 30, percentile(sorted, 0.5), 0.0001)
	assert.InDelta(t, 10, percentile(sorted, 0), 0.0001)
	assert.InDelta(t, 50, percentile(sorted, 1), 0.0001)
}
