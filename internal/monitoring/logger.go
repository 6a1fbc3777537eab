// Package monitoring holds the shared diagnostic logger used by the
// decode pipeline. It defaults to log.Printf; tests covering noisy
// failure paths can swap it out or mute it.
package monitoring

import "log"

// Logf is the package-level diagnostic logger.
var Logf func(format string, v ...any) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op
// logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}
