// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"reflect"
	"unsafe"
)

// Delegate is the type-erased unit the host stores in a hook chain.
type Delegate interface {
	// IsEqual reports whether other wraps the same instance and function.
	IsEqual(other Delegate) bool
	// DeleteThis is called by the host exactly once when the registration
	// is removed. No calls are made afterward.
	DeleteThis()
}

// TypedDelegate is a Delegate for one signature.
type TypedDelegate[R, A any] interface {
	Delegate
	Call(ctx HookContext, args A) R
}

type boundDelegate[T, R, A any] struct {
	inst   *T
	method func(*T, HookContext, A) R
	code   uintptr
}

// Bind wraps a method expression and the instance it runs on:
//
//	hook.Bind(p, (*Plugin).OnTakeDamage)
func Bind[T, R, A any](inst *T, method func(*T, HookContext, A) R) TypedDelegate[R, A] {
	return &boundDelegate[T, R, A]{
		inst:   inst,
		method: method,
		code:   reflect.ValueOf(method).Pointer(),
	}
}

func (d *boundDelegate[T, R, A]) Call(ctx HookContext, args A) R {
	if d.method == nil {
		var zero R
		return zero
	}
	return d.method(d.inst, ctx, args)
}

func (d *boundDelegate[T, R, A]) IsEqual(other Delegate) bool {
	o, ok := other.(*boundDelegate[T, R, A])
	return ok && o.inst == d.inst && o.code == d.code
}

func (d *boundDelegate[T, R, A]) DeleteThis() {
	d.inst = nil
	d.method = nil
}

type funcDelegate[R, A any] struct {
	fn   func(HookContext, A) R
	code uintptr
	env  unsafe.Pointer
}

// BindFunc wraps a plain function. Delegates compare equal when they wrap
// the same func value: the same top-level function or the same closure.
// Two evaluations of one capturing literal are different closures.
func BindFunc[R, A any](fn func(HookContext, A) R) TypedDelegate[R, A] {
	return &funcDelegate[R, A]{
		fn:   fn,
		code: reflect.ValueOf(fn).Pointer(),
		env:  *(*unsafe.Pointer)(unsafe.Pointer(&fn)),
	}
}

func (d *funcDelegate[R, A]) Call(ctx HookContext, args A) R {
	if d.fn == nil {
		var zero R
		return zero
	}
	return d.fn(ctx, args)
}

func (d *funcDelegate[R, A]) IsEqual(other Delegate) bool {
	o, ok := other.(*funcDelegate[R, A])
	return ok && o.code == d.code && o.env == d.env
}

func (d *funcDelegate[R, A]) DeleteThis() {
	d.fn = nil
}
