// Adapted from lib/clock in the Bureau project.
// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts timer scheduling so that reconnect backoff can
// be driven deterministically in tests. Production code uses Real();
// tests use Fake() and advance time explicitly.
package clock

import "time"

// Clock is the subset of the time package used by the broker connection.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d, then calls f in its own goroutine (real)
	// or synchronously inside Advance (fake). The returned Timer is the
	// handle used to cancel the pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle to a scheduled call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns false if it already fired
// or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}
