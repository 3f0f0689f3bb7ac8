// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"fmt"

	"github.com/mbeema/vhook/pkg/memory"
	"go.uber.org/zap"
)

// Recall runs the original implementation with new arguments from inside a
// hook and ends the dispatch. The hook must return Recall's result:
//
//	func (p *Plugin) OnTakeDamage(ctx hook.HookContext, a passinfo.Args1[int]) int {
//		return p.mgr.Recall(ctx, hook.ResIgnored, 0, passinfo.Args1[int]{A1: a.A1 / 2})
//	}
//
// If res is at least ResOverride, value is stored as the override before
// the call. For void signatures value is ignored. No further hooks of the
// dispatch run after the caller returns.
func (m *Manager[R, A]) Recall(ctx HookContext, res MetaResult, value R, args A) R {
	ctx.SetRes(res)
	ctx.DoRecall()
	if !m.void && res >= ResOverride {
		*slotOf[R](ctx.GetOverrideRetPtr(), nil) = value
	}

	this := ctx.GetIfacePtr()
	ret, err := m.callOrig(this, args)
	if err != nil {
		m.logger.Error("recall failed", zap.Stringer("this", this), zap.Error(err))
		ret = value
	}

	ctx.SetRes(ResSupersede)
	return ret
}

// CallOrig calls the original implementation for iface, bypassing every
// hook on the slot.
func (m *Manager[R, A]) CallOrig(iface memory.Ptr, args A) (R, error) {
	if !m.configured {
		var zero R
		return zero, ErrNotConfigured
	}
	return m.callOrig(m.loc.Adjust(iface), args)
}

// CallVirtual calls the method on iface through its live vtable slot, so
// installed hooks fire.
func (m *Manager[R, A]) CallVirtual(iface memory.Ptr, args A) (R, error) {
	if !m.configured {
		var zero R
		return zero, ErrNotConfigured
	}
	return memory.CallVirtual[R, A](m.env.Space(), m.loc.Adjust(iface), m.loc.VTableOffset, m.loc.VTableIndex, args)
}

func (m *Manager[R, A]) callOrig(this memory.Ptr, args A) (R, error) {
	var zero R
	slot, err := m.loc.Slot(m.env.Space(), this)
	if err != nil {
		return zero, err
	}
	entry, err := m.env.OrigVfnPtrEntry(slot)
	if err != nil {
		return zero, fmt.Errorf("original entry of %s: %w", slot, err)
	}
	return memory.Invoke[R, A](m.env.Space(), entry, this, args)
}

// Return sets the hook's result and passes v through, for use as
//
//	return hook.Return(ctx, hook.ResSupersede, 7)
func Return[R any](ctx HookContext, res MetaResult, v R) R {
	ctx.SetRes(res)
	return v
}

// OrigRet returns the original's return value, valid in post hooks.
func OrigRet[R any](ctx HookContext) R {
	if p, ok := ctx.GetOrigRetPtr().(*R); ok && p != nil {
		return *p
	}
	var zero R
	return zero
}

// OverrideRet returns the current override value.
func OverrideRet[R any](ctx HookContext) R {
	if p, ok := ctx.GetOverrideRetPtr().(*R); ok && p != nil {
		return *p
	}
	var zero R
	return zero
}
