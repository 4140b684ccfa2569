// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
package logger

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the basic logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
//
// Functions that wrap logger functions must pass through the original
// format and args, possibly augmented. Replacing the format and args
// (e.g. with fmt.Sprintf and %s) disrupts rate limiting.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// OrDiscard returns logf, or Discard if logf is nil.
func OrDiscard(logf Logf) Logf {
	if logf == nil {
		return Discard
	}
	return logf
}

// limitData is the per-format rate-limiting state.
type limitData struct {
	lim        *rate.Limiter
	msgBlocked bool          // whether the "rate limited" notice was already logged
	ele        *list.Element // position in the format LRU
}

// RateLimitedFn returns a rate-limiting Logf wrapping the given logf.
// Messages are allowed through at a maximum of one message every f, in
// bursts of up to burst messages at a time, keyed by format string. Up
// to maxCache format strings are tracked at a time.
func RateLimitedFn(logf Logf, f time.Duration, burst int, maxCache int) Logf {
	r := rate.Every(f)
	var (
		mu       sync.Mutex
		msgLim   = make(map[string]*limitData)
		msgCache = list.New() // of format string; front is most recent
	)

	type verdict int
	const (
		allow verdict = iota
		warn
		block
	)

	judge := func(format string) verdict {
		mu.Lock()
		defer mu.Unlock()
		rl, ok := msgLim[format]
		if ok {
			msgCache.MoveToFront(rl.ele)
		} else {
			rl = &limitData{
				lim: rate.NewLimiter(r, burst),
				ele: msgCache.PushFront(format),
			}
			msgLim[format] = rl
			if msgCache.Len() > maxCache {
				delete(msgLim, msgCache.Back().Value.(string))
				msgCache.Remove(msgCache.Back())
			}
		}
		if rl.lim.Allow() {
			rl.msgBlocked = false
			return allow
		}
		if !rl.msgBlocked {
			rl.msgBlocked = true
			return warn
		}
		return block
	}

	return func(format string, args ...any) {
		switch judge(format) {
		case allow:
			logf(format, args...)
		case warn:
			logf("[RATE LIMITED] format string %q (example: %q)", format, strings.TrimSpace(fmt.Sprintf(format, args...)))
		}
	}
}
