// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !scrub_mutex_debug

// Package syncs contains additional sync types.
package syncs

import "sync"

// Mutex is an alias for sync.Mutex.
//
// It's only not a sync.Mutex when built with the scrub_mutex_debug build tag.
type Mutex = sync.Mutex
