package utils

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationUS(t *testing.T) {
	d := 1234*time.Microsecond + 567*time.Nanosecond
	assert.InDelta(t, 1234.567, DurationUS(d), 0.001)
}

func TestPrintTimingStats(t *testing.T) {
	var buf bytes.Buffer
	saved := Output
	Output = &buf
	defer func() { Output, Verbose = saved, true }()

	stats := &TimingStats{
		TotalTime:        10 * time.Second,
		DataLoadingTime:  2 * time.Second,
		TrainingTime:     5 * time.Second,
		VerificationTime: 100 * time.Millisecond,
		VerifiedImages:   1000,
	}
	PrintTimingStats(stats)
	out := buf.String()
	assert.Contains(t, out, "Data loading: 2s (20.0%)")
	assert.Contains(t, out, "Training: 5s (50.0%)")
	assert.Contains(t, out, "Average forward pass: 100.0µs")
	assert.NotContains(t, out, "Encrypted first layer")

	buf.Reset()
	Verbose = false
	PrintTimingStats(stats)
	assert.Empty(t, buf.String())
}

func TestPercentOfZeroTotal(t *testing.T) {
	assert.Zero(t, percentOf(time.Second, 0))
}
