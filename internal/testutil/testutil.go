// Package testutil provides shared test utilities and fixtures.
//
// This package centralises common test helpers to reduce code duplication
// across test files and improve test maintainability.
package testutil

import (
	"math"
	"testing"
	"time"
)

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertDuration checks that two durations match to the millisecond,
// the resolution of lap and sector timing.
func AssertDuration(t *testing.T, got, want time.Duration) {
	t.Helper()
	if got.Round(time.Millisecond) != want.Round(time.Millisecond) {
		t.Errorf("duration = %v, want %v", got, want)
	}
}

// AssertInDelta checks that got is within tolerance of want, for
// speed and distance comparisons after floating-point scaling.
func AssertInDelta(t *testing.T, got, want, tolerance float64) {
	t.Helper()
	if math.Abs(got-want) > tolerance {
		t.Errorf("value = %v, want %v (±%v)", got, want, tolerance)
	}
}
