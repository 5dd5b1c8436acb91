// Adapted from lib/clock in the Bureau project.
// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatalf("fired after 4s, want 0 calls, got %d", fired)
	}

	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d after deadline, want 1", fired)
	}

	c.Advance(time.Hour)
	if fired != 1 {
		t.Errorf("one-shot timer fired %d times", fired)
	}
}

func TestFakeZeroDelayWaitsForAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(0, func() { fired++ })
	c.AfterFunc(-time.Second, func() { fired++ })

	if fired != 0 {
		t.Fatalf("zero-delay timer fired inside AfterFunc")
	}
	if d, ok := c.NextDelay(); !ok || d != 0 {
		t.Errorf("NextDelay() = %v, %v, want 0, true", d, ok)
	}

	c.Advance(0)
	if fired != 2 {
		t.Errorf("fired = %d after Advance(0), want 2", fired)
	}
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop() = false on pending timer")
	}
	if timer.Stop() {
		t.Error("second Stop() = true")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d after Stop", c.PendingCount())
	}

	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestFakeCallbackCanReschedule(t *testing.T) {
	c := Fake(epoch)
	var fires []time.Time
	var schedule func()
	schedule = func() {
		fires = append(fires, c.Now())
		if len(fires) < 3 {
			c.AfterFunc(time.Second, schedule)
		}
	}
	c.AfterFunc(time.Second, schedule)

	c.Advance(time.Second)
	if len(fires) != 1 {
		t.Fatalf("fires = %d, want 1", len(fires))
	}

	delay, ok := c.NextDelay()
	if !ok || delay != time.Second {
		t.Errorf("NextDelay() = %v, %v; want 1s, true", delay, ok)
	}
}
