package utils

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Verbose controls whether timing statistics are printed.
// Set to false to suppress output.
var Verbose = true

// Output is the writer where timing statistics are printed.
// Defaults to os.Stdout.
var Output io.Writer = os.Stdout

// TimingStats holds timing information for the phases of a run
type TimingStats struct {
	TotalTime           time.Duration
	DataLoadingTime     time.Duration
	ModelInitTime       time.Duration
	TrainingTime        time.Duration
	VerificationTime    time.Duration
	HEInitTime          time.Duration
	PrivateForwardTime  time.Duration
	VerifiedImages      int
	PrivateForwardCount int
}

func percentOf(part, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// PrintTimingStats prints detailed timing statistics.
// Respects the Verbose flag - does nothing if Verbose is false.
func PrintTimingStats(stats *TimingStats) {
	if !Verbose {
		return
	}
	fmt.Fprintln(Output, "\n=== TIMING STATISTICS ===")
	fmt.Fprintf(Output, "Total time: %v\n", stats.TotalTime)
	fmt.Fprintln(Output, "\nBreakdown by phase:")
	fmt.Fprintf(Output, "  Data loading: %v (%.1f%%)\n", stats.DataLoadingTime, percentOf(stats.DataLoadingTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Model initialization: %v (%.1f%%)\n", stats.ModelInitTime, percentOf(stats.ModelInitTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Training: %v (%.1f%%)\n", stats.TrainingTime, percentOf(stats.TrainingTime, stats.TotalTime))
	fmt.Fprintf(Output, "  Verification: %v (%.1f%%)\n", stats.VerificationTime, percentOf(stats.VerificationTime, stats.TotalTime))
	if stats.PrivateForwardCount > 0 {
		fmt.Fprintf(Output, "  HE initialization: %v (%.1f%%)\n", stats.HEInitTime, percentOf(stats.HEInitTime, stats.TotalTime))
		fmt.Fprintf(Output, "  Encrypted first layer: %v (%.1f%%)\n", stats.PrivateForwardTime, percentOf(stats.PrivateForwardTime, stats.TotalTime))
	}
	fmt.Fprintln(Output, "\nPerformance metrics:")
	if stats.VerifiedImages > 0 {
		fmt.Fprintf(Output, "  Average forward pass: %.1fµs\n", DurationUS(stats.VerificationTime)/float64(stats.VerifiedImages))
	}
	if stats.PrivateForwardCount > 0 {
		fmt.Fprintf(Output, "  Average encrypted first layer: %v\n", stats.PrivateForwardTime/time.Duration(stats.PrivateForwardCount))
	}
}

// DurationUS converts any time.Duration to micro-seconds as float64
func DurationUS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1_000.0
}
