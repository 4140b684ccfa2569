// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstest provides utilities for use in unit tests.
package tstest

import (
	"os"
	"strconv"
	"testing"
	"time"
)

// Replace replaces the value of target with val.
// The old value is restored when the test ends.
func Replace[T any](t testing.TB, target *T, val T) {
	t.Helper()
	if target == nil {
		t.Fatalf("Replace: nil pointer")
	}
	old := *target
	t.Cleanup(func() {
		*target = old
	})

	*target = val
}

// GetSeed gets the current global random test seed. By default, this is
// based on the current time; it can be set to a fixed value with the
// SCRUB_TEST_SEED environment variable. The seed is always logged so a
// failing permutation test can be replayed.
func GetSeed(t testing.TB) int64 {
	t.Helper()

	seed := time.Now().UnixNano()
	if s := os.Getenv("SCRUB_TEST_SEED"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			t.Fatalf("invalid SCRUB_TEST_SEED %q: %v", s, err)
		}
		seed = v
	}
	t.Logf("using random seed %d", seed)
	return seed
}
