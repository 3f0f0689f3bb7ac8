// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memory

import "fmt"

// Func is the shape of every callable reachable through a vtable slot:
// the adjusted this pointer followed by the argument tuple.
type Func[R, A any] func(this Ptr, args A) R

// Invoke calls the callable at f. The registered value must be a
// func(Ptr, A) R (or Func[R, A]); anything else fails with ErrSignature.
func Invoke[R, A any](s *Space, f RawFunc, this Ptr, args A) (R, error) {
	var zero R
	v, err := s.Lookup(f)
	if err != nil {
		return zero, err
	}
	switch fn := v.(type) {
	case func(Ptr, A) R:
		return fn(this, args), nil
	case Func[R, A]:
		return fn(this, args), nil
	default:
		return zero, fmt.Errorf("%w: %s holds %T, want func(memory.Ptr, %T) %T", ErrSignature, f, v, args, zero)
	}
}

// CallVirtual performs a host-side virtual call: it reads the vtable
// pointer at this+vtblOffs, loads entry index, and invokes it. this must
// already be adjusted to the subobject that owns the vtable.
func CallVirtual[R, A any](s *Space, this Ptr, vtblOffs, index int, args A) (R, error) {
	var zero R
	slot, err := s.SlotAddr(this, vtblOffs, index)
	if err != nil {
		return zero, err
	}
	f, err := s.LoadFunc(slot)
	if err != nil {
		return zero, err
	}
	return Invoke[R, A](s, f, this, args)
}
