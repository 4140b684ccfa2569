// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package scrub

import (
	"fmt"
	"time"

	"scrub.dev/net/frag"
	"scrub.dev/syncs"
	"scrub.dev/util/ringbuffer"
)

// AuditEvent describes one dropped datagram.
type AuditEvent struct {
	Time   time.Time
	Reason Reason
	// Key identifies the datagram. It is the zero Key if the datagram
	// didn't decode.
	Key    frag.Key
	Detail string
}

func (e AuditEvent) String() string {
	return fmt.Sprintf("%s drop %s %v: %s", e.Time.Format(time.RFC3339Nano), e.Reason, e.Key, e.Detail)
}

// AuditSink receives drop events. Audit is called synchronously on the
// datagram path and must not block.
type AuditSink interface {
	Audit(AuditEvent)
}

// AuditFunc adapts a function to an AuditSink.
type AuditFunc func(AuditEvent)

func (f AuditFunc) Audit(e AuditEvent) { f(e) }

// AuditRecorder is an AuditSink that keeps the most recent events in
// memory. It is safe for concurrent use.
type AuditRecorder struct {
	mu      syncs.Mutex
	ring    *ringbuffer.RingBuffer[AuditEvent] // guarded by mu
	evicted int                                // guarded by mu
}

// NewAuditRecorder returns an AuditRecorder keeping up to n events.
func NewAuditRecorder(n int) *AuditRecorder {
	return &AuditRecorder{ring: ringbuffer.New[AuditEvent](n)}
}

func (r *AuditRecorder) Audit(e AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ring.Push(e) {
		r.evicted++
	}
}

// Events returns the held events, oldest first, and how many older
// events were discarded to make room for them.
func (r *AuditRecorder) Events() (events []AuditEvent, evicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.All(), r.evicted
}
