// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"sync"
	"time"

	"scrub.dev/tstime"
)

// ClockOpts configures a Clock.
type ClockOpts struct {
	// Start is the first time reported by the Clock. Give it an explicit
	// location so that tests don't depend on TZ. The zero value means the
	// current time in UTC.
	Start time.Time
}

// Clock is a manual clock for tests. Its time changes only via Advance.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

var _ tstime.Clock = (*Clock)(nil)

// NewClock returns a Clock reading co.Start.
func NewClock(co ClockOpts) *Clock {
	if co.Start.IsZero() {
		co.Start = time.Now().UTC()
	}
	return &Clock{now: co.Start}
}

// Now returns the simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns the simulated time elapsed since t.
func (c *Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the simulated time by d, which may be negative, and
// returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
