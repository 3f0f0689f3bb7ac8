// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"

	"github.com/mbeema/vhook/pkg/memory"
)

// MethodLocation says where a virtual method lives relative to an object:
// the subobject at ThisPtrOffset holds a vtable pointer at VTableOffset,
// and the method is entry VTableIndex of that vtable.
type MethodLocation struct {
	ThisPtrOffset int
	VTableOffset  int
	VTableIndex   int
}

func (l MethodLocation) String() string {
	return fmt.Sprintf("this%+d vtbl%+d [%d]", l.ThisPtrOffset, l.VTableOffset, l.VTableIndex)
}

// Adjust converts an instance pointer into the subobject pointer the
// method receives.
func (l MethodLocation) Adjust(iface memory.Ptr) memory.Ptr {
	return iface.Add(l.ThisPtrOffset)
}

// Slot resolves the vtable slot for an already adjusted this pointer.
func (l MethodLocation) Slot(s *memory.Space, this memory.Ptr) (memory.Ptr, error) {
	return s.SlotAddr(this, l.VTableOffset, l.VTableIndex)
}
