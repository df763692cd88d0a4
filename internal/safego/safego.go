// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import "log/slog"

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process. This should be used for all
// fire-and-forget goroutines (recorder workers, background jobs, shipper
// flushes) where an unrecovered panic would silently kill the goroutine
// forever.
func Go(fn func()) {
	GoNamed("", fn)
}

// GoNamed is Go with a label included in the recovery log line, so a panicking
// worker can be identified among many background goroutines.
func GoNamed(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "name", name, "panic", r)
			}
		}()
		fn()
	}()
}
