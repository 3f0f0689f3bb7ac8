// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hook intercepts virtual methods of objects living in a
// memory.Space. A Manager is specialized for one signature (return type R,
// argument tuple A) and one method location; it owns the trampoline the
// host installs into the vtable slot and runs the pre/post hook loop
// every time the slot is invoked.
package hook

import (
	"errors"
	"fmt"

	"github.com/mbeema/vhook/pkg/memory"
	"github.com/mbeema/vhook/pkg/passinfo"
	"go.uber.org/zap"
)

var (
	ErrNotConfigured = errors.New("hook: manager has no method location")
	ErrAddFailed     = errors.New("hook: host rejected hook")
	ErrClosed        = errors.New("hook: manager closed")
)

// Manager dispatches calls for one intercepted signature.
// It is not safe for concurrent use; hooked methods are expected to run on
// the thread that owns the target object.
type Manager[R, A any] struct {
	env    Environment
	plugin PluginID
	logger *zap.Logger

	loc        MethodLocation
	configured bool
	proto      *passinfo.Proto
	void       bool

	hi     ManagerInfo
	tramp  memory.RawFunc
	closed bool
}

// NewManager creates a manager for signature func(this, A) R. Call
// Reconfigure before adding hooks.
func NewManager[R, A any](env Environment, plugin PluginID, logger *zap.Logger) *Manager[R, A] {
	proto := passinfo.ProtoOf[R, A]()
	return &Manager[R, A]{
		env:    env,
		plugin: plugin,
		logger: logger,
		proto:  proto,
		void:   proto.Ret.IsVoid(),
	}
}

// Reconfigure detaches the manager from the host, dropping every hook it
// owns, and binds it to a new method location.
func (m *Manager[R, A]) Reconfigure(loc MethodLocation) {
	m.env.RemoveHookManager(m.plugin, m)
	m.hi = nil
	m.loc = loc
	m.configured = true
	m.logger.Debug("hook manager configured",
		zap.Stringer("location", loc),
		zap.Stringer("proto", m.proto),
	)
}

// Location returns the configured method location.
func (m *Manager[R, A]) Location() MethodLocation {
	return m.loc
}

// Proto returns the type descriptor table of the signature.
func (m *Manager[R, A]) Proto() *passinfo.Proto {
	return m.proto
}

// Add registers d on the configured method of iface. Post hooks run after
// the original. The returned id is used with Remove, Pause and Unpause.
// If the host rejects the hook, d is deleted.
func (m *Manager[R, A]) Add(iface memory.Ptr, d TypedDelegate[R, A], post bool, mode AddHookMode) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if !m.configured {
		return 0, ErrNotConfigured
	}
	id := m.env.AddHook(m.plugin, mode, iface, m.loc.ThisPtrOffset, m, d, post)
	if id == 0 {
		d.DeleteThis()
		return 0, fmt.Errorf("%w: iface %s at %s", ErrAddFailed, iface, m.loc)
	}
	return id, nil
}

// Remove deletes a hook. It returns false for unknown ids.
func (m *Manager[R, A]) Remove(id int) bool {
	return m.env.RemoveHookByID(id)
}

// RemoveDelegate deletes the hook on iface whose delegate is equal to d.
// It returns false if no such hook is registered.
func (m *Manager[R, A]) RemoveDelegate(iface memory.Ptr, d TypedDelegate[R, A], post bool) bool {
	if m.closed || !m.configured {
		return false
	}
	return m.env.RemoveHook(m.plugin, iface, m.loc.ThisPtrOffset, m, d, post)
}

// Pause stops a hook from firing without removing it.
func (m *Manager[R, A]) Pause(id int) bool {
	return m.env.PauseHookByID(id)
}

// Unpause re-enables a paused hook.
func (m *Manager[R, A]) Unpause(id int) bool {
	return m.env.UnpauseHookByID(id)
}

// Close detaches the manager from the host. All of its hooks are removed
// and its trampoline becomes unreachable. Close is idempotent.
func (m *Manager[R, A]) Close() {
	if m.closed {
		return
	}
	m.env.RemoveHookManager(m.plugin, m)
	if m.tramp != 0 {
		m.env.Space().Unregister(m.tramp)
		m.tramp = 0
	}
	m.hi = nil
	m.closed = true
}

// Describe is the capability handshake. It fails with 1 if the host's
// versions do not match or the manager is closed, without touching hi.
func (m *Manager[R, A]) Describe(store bool, hi ManagerInfo) int {
	if m.closed {
		return 1
	}
	if v := m.env.IfaceVersion(); v != IfaceVersion {
		m.logger.Warn("host interface version mismatch", zap.Int("host", v), zap.Int("want", IfaceVersion))
		return 1
	}
	if v := m.env.ImplVersion(); v < ImplVersion {
		m.logger.Warn("host implementation too old", zap.Int("host", v), zap.Int("min", ImplVersion))
		return 1
	}

	if store {
		m.hi = hi
	}
	if hi != nil {
		hi.SetInfo(HookManVersion, m.loc.VTableOffset, m.loc.VTableIndex, m.proto, m.trampoline())
	}
	return 0
}

func (m *Manager[R, A]) trampoline() memory.RawFunc {
	if m.tramp == 0 {
		var fn func(memory.Ptr, A) R = m.dispatch
		m.tramp = m.env.Space().Register(fn)
	}
	return m.tramp
}

// dispatch runs in place of the original method.
func (m *Manager[R, A]) dispatch(this memory.Ptr, args A) R {
	space := m.env.Space()

	var (
		origEntry                memory.RawFunc
		status                   = ResIgnored
		prevRes, curRes          MetaResult
		origRet, overrideRet     R
		origStore, overrideStore any
	)

	ourVfn, err := m.loc.Slot(space, this)
	if err != nil {
		m.logger.Error("cannot resolve hooked slot", zap.Stringer("this", this), zap.Error(err))
		return origRet
	}

	if !m.void {
		origStore, overrideStore = &origRet, &overrideRet
	}
	ctx := m.env.SetupHookLoop(m.hi, ourVfn, this, &origEntry, &status, &prevRes, &curRes, origStore, overrideStore)
	defer m.env.EndContext(ctx)

	m.loop(ctx, args, &status, &prevRes, &curRes)

	if status != ResSupersede && ctx.ShouldCallOrig() {
		ret, err := memory.Invoke[R, A](space, origEntry, this, args)
		switch {
		case err != nil:
			m.logger.Error("original call failed", zap.Stringer("entry", origEntry), zap.Error(err))
			if !m.void {
				*slotOf[R](ctx.GetOrigRetPtr(), &origRet) = *slotOf[R](ctx.GetOverrideRetPtr(), &overrideRet)
			}
		case !m.void:
			*slotOf[R](ctx.GetOrigRetPtr(), &origRet) = ret
		}
	} else if !m.void {
		*slotOf[R](ctx.GetOrigRetPtr(), &origRet) = *slotOf[R](ctx.GetOverrideRetPtr(), &overrideRet)
	}

	m.loop(ctx, args, &status, &prevRes, &curRes)

	if m.void {
		var zero R
		return zero
	}
	if status >= ResOverride {
		return *slotOf[R](ctx.GetOverrideRetPtr(), &overrideRet)
	}
	return *slotOf[R](ctx.GetOrigRetPtr(), &origRet)
}

// loop runs one pass (pre or post) of the hook chain.
func (m *Manager[R, A]) loop(ctx HookContext, args A, status, prevRes, curRes *MetaResult) {
	*prevRes = ResIgnored
	for d := ctx.GetNext(); d != nil; d = ctx.GetNext() {
		td, ok := d.(TypedDelegate[R, A])
		if !ok {
			m.logger.Error("delegate has wrong signature", zap.String("type", fmt.Sprintf("%T", d)))
			continue
		}

		*curRes = ResIgnored
		ret := td.Call(ctx, args)
		*prevRes = *curRes

		if *curRes > *status {
			*status = *curRes
		}
		if !m.void && *curRes >= ResOverride {
			*slotOf[R](ctx.GetOverrideRetPtr(), nil) = ret
		}
	}
}

// slotOf returns the *R behind a context storage pointer, or fallback if
// the host supplied none.
func slotOf[R any](p any, fallback *R) *R {
	if r, ok := p.(*R); ok && r != nil {
		return r
	}
	if fallback == nil {
		return new(R)
	}
	return fallback
}
