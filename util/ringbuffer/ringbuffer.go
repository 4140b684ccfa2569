// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ringbuffer contains a fixed-size ring that keeps the most
// recent values pushed to it.
package ringbuffer

// RingBuffer holds at most Cap values. Pushing to a full buffer
// displaces the oldest value. It is not safe for concurrent use.
type RingBuffer[T any] struct {
	buf   []T
	head  int // index of the oldest value
	count int
}

// New returns an empty RingBuffer holding at most capacity values.
// It panics if capacity is not positive.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		panic("ringbuffer: capacity must be positive")
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push adds v as the newest value. It reports whether the oldest value
// was displaced to make room.
func (rb *RingBuffer[T]) Push(v T) (displaced bool) {
	if rb.count == len(rb.buf) {
		rb.buf[rb.head] = v
		rb.head = (rb.head + 1) % len(rb.buf)
		return true
	}
	rb.buf[(rb.head+rb.count)%len(rb.buf)] = v
	rb.count++
	return false
}

// Pop removes and returns the oldest value, or the zero value and false
// if rb is empty.
func (rb *RingBuffer[T]) Pop() (T, bool) {
	var zero T
	if rb.count == 0 {
		return zero, false
	}
	v := rb.buf[rb.head]
	rb.buf[rb.head] = zero
	rb.head = (rb.head + 1) % len(rb.buf)
	rb.count--
	return v, true
}

// All returns a copy of the held values, oldest first.
func (rb *RingBuffer[T]) All() []T {
	out := make([]T, rb.count)
	for i := range out {
		out[i] = rb.buf[(rb.head+i)%len(rb.buf)]
	}
	return out
}

// Len returns the number of values held.
func (rb *RingBuffer[T]) Len() int { return rb.count }

// Cap returns the maximum number of values held.
func (rb *RingBuffer[T]) Cap() int { return len(rb.buf) }

// Clear removes all values.
func (rb *RingBuffer[T]) Clear() {
	clear(rb.buf)
	rb.head, rb.count = 0, 0
}
