// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ringbuffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNewPanicsOnBadCapacity(t *testing.T) {
	for _, n := range []int{0, -1} {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("New(%d) did not panic", n)
				}
			}()
			New[int](n)
		}()
	}
}

func TestPushDisplacesOldest(t *testing.T) {
	rb := New[int](3)
	for i := range 3 {
		if rb.Push(i) {
			t.Fatalf("Push(%d) displaced a value before the buffer was full", i)
		}
	}
	if !rb.Push(3) {
		t.Error("Push to full buffer did not displace")
	}
	if diff := cmp.Diff([]int{1, 2, 3}, rb.All()); diff != "" {
		t.Errorf("All (-want +got):\n%s", diff)
	}
	if rb.Len() != 3 || rb.Cap() != 3 {
		t.Errorf("Len, Cap = %d, %d; want 3, 3", rb.Len(), rb.Cap())
	}
}

func TestPop(t *testing.T) {
	rb := New[string](2)
	if _, ok := rb.Pop(); ok {
		t.Fatal("Pop on empty buffer succeeded")
	}
	rb.Push("a")
	rb.Push("b")
	rb.Push("c")
	for _, want := range []string{"b", "c"} {
		got, ok := rb.Pop()
		if !ok || got != want {
			t.Errorf("Pop = %q, %v; want %q, true", got, ok, want)
		}
	}
	if rb.Len() != 0 {
		t.Errorf("Len = %d after draining", rb.Len())
	}
	rb.Push("d")
	rb.Clear()
	if got := rb.All(); len(got) != 0 {
		t.Errorf("All after Clear = %v", got)
	}
}
