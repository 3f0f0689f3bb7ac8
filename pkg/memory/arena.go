// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memory

import (
	"encoding/binary"
	"fmt"
)

// arena is a bump-allocated mapping at a fixed virtual base.
type arena struct {
	base     Ptr
	mem      []byte
	next     int
	readOnly bool
}

func newArena(base Ptr, size int, readOnly bool) (*arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: arena size %d", ErrOutOfMemory, size)
	}
	ps := pageSize()
	size = (size + ps - 1) / ps * ps

	mem, err := mapMemory(size)
	if err != nil {
		return nil, err
	}
	a := &arena{base: base, mem: mem, readOnly: readOnly}
	if readOnly {
		if err := protect(mem, false); err != nil {
			unmapMemory(mem)
			return nil, err
		}
	}
	return a, nil
}

func (a *arena) release() error {
	if a.mem == nil {
		return nil
	}
	err := unmapMemory(a.mem)
	a.mem = nil
	return err
}

func (a *arena) contains(p Ptr, n int) bool {
	if a.mem == nil || p < a.base || n < 0 {
		return false
	}
	off := uint64(p - a.base)
	return off+uint64(n) <= uint64(a.next)
}

func (a *arena) alloc(size, align int) (Ptr, error) {
	if size <= 0 {
		size = 1
	}
	start := (a.next + align - 1) / align * align
	if start+size > len(a.mem) {
		return 0, fmt.Errorf("%w: need %d bytes, %d left", ErrOutOfMemory, size, len(a.mem)-start)
	}
	a.next = start + size
	return a.base.Add(start), nil
}

func (a *arena) bytes(p Ptr, n int) []byte {
	off := int(p - a.base)
	return a.mem[off : off+n]
}

func (a *arena) load(p Ptr) uint64 {
	return binary.LittleEndian.Uint64(a.bytes(p, WordSize))
}

func (a *arena) store(p Ptr, v uint64) {
	binary.LittleEndian.PutUint64(a.bytes(p, WordSize), v)
}

// write runs fn with the arena writable, restoring read-only protection
// afterward.
func (a *arena) write(p Ptr, fn func()) error {
	if !a.readOnly {
		fn()
		return nil
	}
	if err := protect(a.mem, true); err != nil {
		return fmt.Errorf("unprotect %s: %w", p, err)
	}
	fn()
	if err := protect(a.mem, false); err != nil {
		return fmt.Errorf("reprotect %s: %w", p, err)
	}
	return nil
}
