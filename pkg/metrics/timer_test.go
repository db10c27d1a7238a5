package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// TestNewTimer tests timer creation
func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}

	// Verify start time is recent (within last second)
	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

// TestTimerDuration tests duration measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	// Sleep for a known duration
	sleepDuration := 100 * time.Millisecond
	time.Sleep(sleepDuration)

	duration := timer.Duration()

	// Verify duration is at least the sleep duration (allowing small overhead)
	if duration < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", duration, sleepDuration)
	}

	// Verify duration is reasonable (less than 2x sleep duration)
	if duration > 2*sleepDuration {
		t.Errorf("Timer.Duration() = %v, want < %v", duration, 2*sleepDuration)
	}
}

// TestTimerObserveDuration tests histogram observation
func TestTimerObserveDuration(t *testing.T) {
	// Create a test histogram
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(50 * time.Millisecond)
	timer.ObserveDuration(histogram)

	// Verify the observation was recorded
	m := &dto.Metric{}
	if err := histogram.Write(m); err != nil {
		t.Fatalf("histogram.Write() failed: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("histogram sample count = %d, want 1", got)
	}
}

// TestTimerObserveDurationVec tests labeled histogram observation
func TestTimerObserveDurationVec(t *testing.T) {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_duration_vec_seconds",
		Help:    "Test duration vec histogram",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	timer := NewTimer()
	timer.ObserveDurationVec(histogram, "upload")

	obs, err := histogram.GetMetricWithLabelValues("upload")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues() failed: %v", err)
	}
	if obs == nil {
		t.Error("expected labeled observer to exist")
	}
}

// TestMultipleTimers verifies timers are independent
func TestMultipleTimers(t *testing.T) {
	first := NewTimer()
	time.Sleep(20 * time.Millisecond)
	second := NewTimer()

	if first.Duration() <= second.Duration() {
		t.Error("earlier timer should report a longer duration")
	}
}
