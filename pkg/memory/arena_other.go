// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package memory

// Without mmap the arenas are plain heap slices and protection is
// advisory: StoreWord still refuses vtable memory.

func mapMemory(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapMemory(mem []byte) error {
	return nil
}

func protect(mem []byte, writable bool) error {
	return nil
}
