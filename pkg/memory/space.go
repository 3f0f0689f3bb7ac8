// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package memory is the raw method patcher: a small address space holding
// objects, vtables, and registered callables. Vtables live in a read-only
// arena and can only be rewritten through Patch, mirroring how a real
// patcher has to flip page protection before touching .rodata.
package memory

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// WordSize is the size of a pointer-sized slot in the space.
const WordSize = 8

const (
	heapBase   Ptr     = 0x0000_1000_0000
	rodataBase Ptr     = 0x0000_2000_0000
	textBase   RawFunc = 0x0000_4000_0000
	funcAlign          = 16
)

var (
	ErrOutOfMemory = errors.New("memory: arena exhausted")
	ErrBadAddress  = errors.New("memory: bad address")
	ErrReadOnly    = errors.New("memory: address is read-only")
	ErrUnknownFunc = errors.New("memory: no callable at address")
	ErrSignature   = errors.New("memory: callable signature mismatch")
)

// Ptr is an address inside a Space.
type Ptr uint64

// Add returns p displaced by off bytes.
func (p Ptr) Add(off int) Ptr {
	return Ptr(int64(p) + int64(off))
}

func (p Ptr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// RawFunc is the address of a registered callable. Vtable slots hold
// RawFunc values.
type RawFunc uint64

func (f RawFunc) String() string {
	return fmt.Sprintf("fn@%#x", uint64(f))
}

// VPtr places a vtable pointer at Offset inside a new object.
type VPtr struct {
	Offset int
	VTable Ptr
}

// Space is a process-like address space with a read-write heap, a
// read-only vtable arena, and a table of callables.
type Space struct {
	mu       sync.RWMutex
	heap     *arena
	rodata   *arena
	funcs    map[RawFunc]any
	nextFunc RawFunc
}

// NewSpace maps a heap of heapSize bytes and a vtable arena of rodataSize
// bytes. Sizes are rounded up to the page size.
func NewSpace(heapSize, rodataSize int) (*Space, error) {
	heap, err := newArena(heapBase, heapSize, false)
	if err != nil {
		return nil, fmt.Errorf("map heap: %w", err)
	}
	rodata, err := newArena(rodataBase, rodataSize, true)
	if err != nil {
		heap.release()
		return nil, fmt.Errorf("map rodata: %w", err)
	}
	return &Space{
		heap:     heap,
		rodata:   rodata,
		funcs:    make(map[RawFunc]any),
		nextFunc: textBase,
	}, nil
}

// Close unmaps both arenas. The space must not be used afterward.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := errors.Join(s.heap.release(), s.rodata.release())
	s.funcs = map[RawFunc]any{}
	return err
}

// Alloc reserves size zeroed bytes on the heap, word aligned.
func (s *Space) Alloc(size int) (Ptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.alloc(size, WordSize)
}

func (s *Space) arenaFor(p Ptr, n int) *arena {
	switch {
	case s.heap.contains(p, n):
		return s.heap
	case s.rodata.contains(p, n):
		return s.rodata
	}
	return nil
}

// LoadWord reads the word at p.
func (s *Space) LoadWord(p Ptr) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.arenaFor(p, WordSize)
	if a == nil {
		return 0, fmt.Errorf("%w: load %s", ErrBadAddress, p)
	}
	return a.load(p), nil
}

// StoreWord writes v at p. Vtable memory is rejected with ErrReadOnly.
func (s *Space) StoreWord(p Ptr, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.arenaFor(p, WordSize)
	if a == nil {
		return fmt.Errorf("%w: store %s", ErrBadAddress, p)
	}
	if a.readOnly {
		return fmt.Errorf("%w: store %s", ErrReadOnly, p)
	}
	a.store(p, v)
	return nil
}

// Patch overwrites the word at p regardless of protection and returns the
// previous value. Protection is restored before returning.
func (s *Space) Patch(p Ptr, v uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.arenaFor(p, WordSize)
	if a == nil {
		return 0, fmt.Errorf("%w: patch %s", ErrBadAddress, p)
	}
	old := a.load(p)
	if err := a.write(p, func() { a.store(p, v) }); err != nil {
		return 0, fmt.Errorf("patch %s: %w", p, err)
	}
	return old, nil
}

// Read copies n bytes starting at p.
func (s *Space) Read(p Ptr, n int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.arenaFor(p, n)
	if a == nil {
		return nil, fmt.Errorf("%w: read %s+%d", ErrBadAddress, p, n)
	}
	out := make([]byte, n)
	copy(out, a.bytes(p, n))
	return out, nil
}

// Write copies b to heap memory at p.
func (s *Space) Write(p Ptr, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.arenaFor(p, len(b))
	if a == nil {
		return fmt.Errorf("%w: write %s+%d", ErrBadAddress, p, len(b))
	}
	if a.readOnly {
		return fmt.Errorf("%w: write %s", ErrReadOnly, p)
	}
	copy(a.bytes(p, len(b)), b)
	return nil
}

// Register makes fn callable through the returned address. fn should have
// the shape func(Ptr, A) R for the signature it will be invoked with.
func (s *Space) Register(fn any) RawFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.nextFunc
	s.nextFunc += funcAlign
	s.funcs[addr] = fn
	return addr
}

// Unregister drops the callable at f. Later invocations fail with
// ErrUnknownFunc.
func (s *Space) Unregister(f RawFunc) {
	s.mu.Lock()
	delete(s.funcs, f)
	s.mu.Unlock()
}

// Lookup returns the callable registered at f.
func (s *Space) Lookup(f RawFunc) (any, error) {
	s.mu.RLock()
	fn, ok := s.funcs[f]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunc, f)
	}
	return fn, nil
}

// NewVTable registers fns and lays them out as a read-only vtable. A nil
// entry leaves an empty (zero) slot.
func (s *Space) NewVTable(fns ...any) (Ptr, error) {
	entries := make([]RawFunc, len(fns))
	for i, fn := range fns {
		if fn != nil {
			entries[i] = s.Register(fn)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	size := len(entries) * WordSize
	if size == 0 {
		size = WordSize
	}
	vt, err := s.rodata.alloc(size, WordSize)
	if err != nil {
		return 0, err
	}
	err = s.rodata.write(vt, func() {
		for i, e := range entries {
			s.rodata.store(vt.Add(i*WordSize), uint64(e))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("write vtable: %w", err)
	}
	return vt, nil
}

// NewObject allocates size bytes and stores each vtable pointer at its
// offset.
func (s *Space) NewObject(size int, vptrs ...VPtr) (Ptr, error) {
	obj, err := s.Alloc(size)
	if err != nil {
		return 0, err
	}
	for _, vp := range vptrs {
		if vp.Offset < 0 || vp.Offset+WordSize > size {
			return 0, fmt.Errorf("%w: vtable pointer offset %d outside object of %d bytes", ErrBadAddress, vp.Offset, size)
		}
		if err := s.StoreWord(obj.Add(vp.Offset), uint64(vp.VTable)); err != nil {
			return 0, err
		}
	}
	return obj, nil
}

// SlotAddr resolves the address of vtable entry index for the vtable
// pointer stored at this+vtblOffs.
func (s *Space) SlotAddr(this Ptr, vtblOffs, index int) (Ptr, error) {
	vt, err := s.LoadWord(this.Add(vtblOffs))
	if err != nil {
		return 0, fmt.Errorf("load vtable pointer: %w", err)
	}
	if vt == 0 {
		return 0, fmt.Errorf("%w: null vtable pointer at %s", ErrBadAddress, this.Add(vtblOffs))
	}
	return Ptr(vt).Add(index * WordSize), nil
}

// LoadFunc reads the callable address held in a vtable slot.
func (s *Space) LoadFunc(slot Ptr) (RawFunc, error) {
	v, err := s.LoadWord(slot)
	return RawFunc(v), err
}

func pageSize() int {
	return os.Getpagesize()
}
