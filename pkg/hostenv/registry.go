// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hostenv

import (
	"fmt"
	"reflect"

	"github.com/mbeema/vhook/pkg/hook"
	"github.com/mbeema/vhook/pkg/memory"
	"go.uber.org/zap"
)

// AddHook registers d on the slot mgr describes for iface. It returns the
// new hook id, or 0 if the handshake fails, the slot cannot be resolved,
// or the slot is owned by a manager of a different signature. On
// failure the caller keeps ownership of d.
func (e *Env) AddHook(plugin hook.PluginID, mode hook.AddHookMode, iface memory.Ptr, thisPtrOffs int,
	mgr hook.ManagerPubFunc, d hook.Delegate, post bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	me := e.managerLocked(plugin, mgr)
	if me == nil {
		return 0
	}

	this := iface.Add(thisPtrOffs)
	addr, err := e.space.SlotAddr(this, me.vtblOffs, me.vtblIdx)
	if err != nil {
		e.logger.Warn("cannot resolve vtable slot",
			zap.Stringer("iface", iface),
			zap.Int("vtbl_offs", me.vtblOffs),
			zap.Int("vtbl_idx", me.vtblIdx),
			zap.Error(err),
		)
		return 0
	}

	se := e.slots[addr]
	switch {
	case se == nil:
		se, err = e.patchLocked(addr, me)
		if err != nil {
			e.logger.Warn("cannot patch vtable slot", zap.Stringer("slot", addr), zap.Error(err))
			return 0
		}
	case se.mgr != me && !se.mgr.accepts(me):
		e.logger.Warn("signature mismatch on hooked slot",
			zap.Stringer("slot", addr),
			zap.Stringer("installed", se.mgr.proto),
			zap.Stringer("requested", me.proto),
			zap.String("installed_type", fmt.Sprintf("%T", se.mgr.pub)),
			zap.String("requested_type", fmt.Sprintf("%T", me.pub)),
		)
		return 0
	}

	h := &hookEntry{
		id:     e.nextID,
		plugin: plugin,
		mode:   mode,
		this:   this,
		deleg:  d,
		post:   post,
		slot:   se,
		mgr:    me,
	}
	e.nextID++
	e.hooks[h.id] = h
	if post {
		se.post = append(se.post, h)
	} else {
		se.pre = append(se.pre, h)
	}

	e.logger.Debug("hook added",
		zap.Int("id", h.id),
		zap.Stringer("slot", addr),
		zap.Stringer("mode", mode),
		zap.Bool("post", post),
	)
	e.observer.HookAdded(h.id)
	return h.id
}

// accepts reports whether hooks of other can run on a slot owned by me.
// The owning trampoline type-asserts every delegate, so equal protos are
// not enough: int and uint describe the same way.
func (me *managerEntry) accepts(other *managerEntry) bool {
	return reflect.TypeOf(me.pub) == reflect.TypeOf(other.pub) && me.proto.Equal(other.proto)
}

// RemoveHook removes the hook added through mgr on iface whose delegate
// is equal to d. The stored delegate is deleted; d stays with the caller.
func (e *Env) RemoveHook(plugin hook.PluginID, iface memory.Ptr, thisPtrOffs int,
	mgr hook.ManagerPubFunc, d hook.Delegate, post bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	me := e.findManagerLocked(plugin, mgr)
	if me == nil {
		return false
	}
	this := iface.Add(thisPtrOffs)
	addr, err := e.space.SlotAddr(this, me.vtblOffs, me.vtblIdx)
	if err != nil {
		return false
	}
	se := e.slots[addr]
	if se == nil {
		return false
	}

	chain := se.pre
	if post {
		chain = se.post
	}
	for _, h := range chain {
		if h.mgr == me && h.this == this && h.deleg.IsEqual(d) {
			e.removeLocked(h)
			return true
		}
	}
	return false
}

func (e *Env) findManagerLocked(plugin hook.PluginID, mgr hook.ManagerPubFunc) *managerEntry {
	for _, me := range e.managers {
		if me.plugin == plugin && me.pub == mgr {
			return me
		}
	}
	return nil
}

// managerLocked returns the registered entry for (plugin, mgr), running
// the handshake on first use.
func (e *Env) managerLocked(plugin hook.PluginID, mgr hook.ManagerPubFunc) *managerEntry {
	if me := e.findManagerLocked(plugin, mgr); me != nil {
		return me
	}

	me := &managerEntry{plugin: plugin, pub: mgr}
	if rc := mgr.Describe(true, me); rc != 0 {
		e.logger.Warn("hook manager handshake failed", zap.Int("plugin", int(plugin)), zap.Int("rc", rc))
		return nil
	}
	if !me.set {
		e.logger.Warn("hook manager reported no info", zap.Int("plugin", int(plugin)))
		return nil
	}
	if me.hookmanVersion != hook.HookManVersion {
		e.logger.Warn("unsupported hook manager version", zap.Int("version", me.hookmanVersion))
		return nil
	}
	e.managers = append(e.managers, me)
	return me
}

func (e *Env) patchLocked(addr memory.Ptr, me *managerEntry) (*slotEntry, error) {
	orig, err := e.space.LoadFunc(addr)
	if err != nil {
		return nil, err
	}
	if orig == 0 {
		return nil, fmt.Errorf("empty vtable slot %s", addr)
	}
	if _, err := e.space.Patch(addr, uint64(me.tramp)); err != nil {
		return nil, err
	}
	se := &slotEntry{addr: addr, orig: orig, mgr: me}
	e.slots[addr] = se
	e.logger.Debug("vtable slot patched", zap.Stringer("slot", addr), zap.Stringer("orig", orig))
	return se, nil
}

// RemoveHookByID removes a hook and deletes its delegate.
func (e *Env) RemoveHookByID(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.hooks[id]
	if !ok {
		return false
	}
	e.removeLocked(h)
	return true
}

// PauseHookByID returns false if the hook is unknown or already paused.
func (e *Env) PauseHookByID(id int) bool {
	return e.setPaused(id, true)
}

// UnpauseHookByID returns false if the hook is unknown or not paused.
func (e *Env) UnpauseHookByID(id int) bool {
	return e.setPaused(id, false)
}

func (e *Env) setPaused(id int, paused bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.hooks[id]
	if !ok || h.paused == paused {
		return false
	}
	h.paused = paused
	return true
}

// RemoveHookManager removes every hook added through mgr and forgets its
// handshake.
func (e *Env) RemoveHookManager(plugin hook.PluginID, mgr hook.ManagerPubFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var me *managerEntry
	kept := e.managers[:0]
	for _, m := range e.managers {
		if m.plugin == plugin && m.pub == mgr {
			me = m
			continue
		}
		kept = append(kept, m)
	}
	e.managers = kept
	if me == nil {
		return
	}

	for _, h := range e.hooks {
		if h.mgr == me {
			e.removeLocked(h)
		}
	}
}

func (e *Env) removeLocked(h *hookEntry) {
	h.removed = true
	delete(e.hooks, h.id)

	se := h.slot
	if h.post {
		se.post = without(se.post, h)
	} else {
		se.pre = without(se.pre, h)
	}
	h.deleg.DeleteThis()
	e.observer.HookRemoved(h.id)

	if se.refs() == 0 {
		if _, err := e.space.Patch(se.addr, uint64(se.orig)); err != nil {
			e.logger.Error("cannot restore vtable slot", zap.Stringer("slot", se.addr), zap.Error(err))
		}
		delete(e.slots, se.addr)
		e.logger.Debug("vtable slot restored", zap.Stringer("slot", se.addr))
		return
	}

	if se.mgr == h.mgr {
		e.handoverLocked(se)
	}
}

// handoverLocked repoints a slot at the trampoline of a manager that still
// has hooks on it once the installing manager has none left.
func (e *Env) handoverLocked(se *slotEntry) {
	for _, chain := range [][]*hookEntry{se.pre, se.post} {
		for _, h := range chain {
			if h.mgr == se.mgr {
				return
			}
		}
	}
	next := se.pre
	if len(next) == 0 {
		next = se.post
	}
	se.mgr = next[0].mgr
	if _, err := e.space.Patch(se.addr, uint64(se.mgr.tramp)); err != nil {
		e.logger.Error("cannot hand over vtable slot", zap.Stringer("slot", se.addr), zap.Error(err))
	}
}

func without(chain []*hookEntry, h *hookEntry) []*hookEntry {
	out := make([]*hookEntry, 0, len(chain))
	for _, c := range chain {
		if c != h {
			out = append(out, c)
		}
	}
	return out
}

// OrigVfnPtrEntry returns the unpatched entry of slot.
func (e *Env) OrigVfnPtrEntry(slot memory.Ptr) (memory.RawFunc, error) {
	e.mu.Lock()
	se := e.slots[slot]
	e.mu.Unlock()
	if se != nil {
		return se.orig, nil
	}
	return e.space.LoadFunc(slot)
}
