package telemetry

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shaiso/Conveyor/internal/domain"
)

func TestRecordTransition(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		err    error
		result string
	}{
		{"applied", true, nil, ResultApplied},
		{"no match", false, nil, ResultNoMatch},
		{"error", false, errors.New("db down"), ResultError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := WorkloadTransitions.WithLabelValues("test-op", tt.result)
			before := testutil.ToFloat64(c)
			RecordTransition("test-op", tt.ok, tt.err)
			if got := testutil.ToFloat64(c) - before; got != 1 {
				t.Errorf("counter delta = %v, want 1", got)
			}
		})
	}
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth([]domain.QueueStats{
		{DataplaneGroup: "us", Priority: 0, EnqueuedCount: 3},
		{DataplaneGroup: "us", Priority: 1, EnqueuedCount: 1},
	})
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("us", "0")); got != 3 {
		t.Errorf("us/0 = %v, want 3", got)
	}

	SetQueueDepth([]domain.QueueStats{{DataplaneGroup: "eu", Priority: 0, EnqueuedCount: 2}})
	if got := testutil.CollectAndCount(QueueDepth); got != 1 {
		t.Errorf("series after reset = %d, want 1", got)
	}
}

func TestParseLevel_Metrics(t *testing.T) {
	for in, want := range map[string]string{
		"debug": "DEBUG",
		"WARN":  "WARN",
		"error": "ERROR",
		"":      "INFO",
		"bogus": "INFO",
	} {
		if got := ParseLevel(in).String(); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
