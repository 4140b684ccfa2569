// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build scrub_mutex_debug

// Package syncs contains additional sync types.
package syncs

import "sync"

type Mutex struct {
	sync.Mutex
}
