// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package frag

// handle addresses a slot in an lruSlab. The zero handle is nil.
type handle int32

type slot[T any] struct {
	val        T
	prev, next handle // toward head (newer), toward tail (older)
	used       bool
}

// lruSlab is an arena of values addressed by small integer handles,
// threaded on a doubly-linked recency list. The head is the most
// recently used value and the tail the least.
//
// The zero value is an empty slab.
type lruSlab[T any] struct {
	slots []slot[T] // slots[0] is never used, so that the zero handle is nil
	free  []handle
	head  handle
	tail  handle
	n     int
}

// push stores v at the head and returns its handle.
func (s *lruSlab[T]) push(v T) handle {
	if len(s.slots) == 0 {
		s.slots = make([]slot[T], 1, 16)
	}
	var h handle
	if n := len(s.free); n > 0 {
		h = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.slots = append(s.slots, slot[T]{})
		h = handle(len(s.slots) - 1)
	}
	s.slots[h] = slot[T]{val: v, used: true}
	s.linkHead(h)
	s.n++
	return h
}

// get returns the value at h. h must be live.
func (s *lruSlab[T]) get(h handle) T {
	return s.slots[h].val
}

// touch moves h to the head.
func (s *lruSlab[T]) touch(h handle) {
	if s.head == h {
		return
	}
	s.unlink(h)
	s.linkHead(h)
}

// remove unlinks h, frees its slot and returns its value.
func (s *lruSlab[T]) remove(h handle) T {
	sl := &s.slots[h]
	if !sl.used {
		panic("frag: remove of free slab handle")
	}
	s.unlink(h)
	v := sl.val
	*sl = slot[T]{}
	s.free = append(s.free, h)
	s.n--
	return v
}

// oldest returns the tail handle, or zero if s is empty.
func (s *lruSlab[T]) oldest() handle {
	return s.tail
}

// newer returns the handle used just after h, or zero if h is the head.
func (s *lruSlab[T]) newer(h handle) handle {
	return s.slots[h].prev
}

func (s *lruSlab[T]) len() int {
	return s.n
}

func (s *lruSlab[T]) linkHead(h handle) {
	sl := &s.slots[h]
	sl.prev = 0
	sl.next = s.head
	if s.head != 0 {
		s.slots[s.head].prev = h
	}
	s.head = h
	if s.tail == 0 {
		s.tail = h
	}
}

func (s *lruSlab[T]) unlink(h handle) {
	sl := &s.slots[h]
	if sl.prev != 0 {
		s.slots[sl.prev].next = sl.next
	} else {
		s.head = sl.next
	}
	if sl.next != 0 {
		s.slots[sl.next].prev = sl.prev
	} else {
		s.tail = sl.prev
	}
	sl.prev, sl.next = 0, 0
}
