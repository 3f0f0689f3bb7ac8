// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hostenv is the reference host runtime for hook managers: it keeps
// the hook registry, patches and restores vtable slots in a memory.Space,
// and hands out dispatch contexts.
package hostenv

import (
	"sort"
	"sync"

	"github.com/mbeema/vhook/pkg/hook"
	"github.com/mbeema/vhook/pkg/memory"
	"github.com/mbeema/vhook/pkg/passinfo"
	"go.uber.org/zap"
)

// Observer receives registry and dispatch events. Calls are made
// synchronously; implementations must be cheap.
type Observer interface {
	HookAdded(id int)
	HookRemoved(id int)
	Dispatched(slot memory.Ptr)
	Recalled(slot memory.Ptr)
}

type nopObserver struct{}

func (nopObserver) HookAdded(int)         {}
func (nopObserver) HookRemoved(int)       {}
func (nopObserver) Dispatched(memory.Ptr) {}
func (nopObserver) Recalled(memory.Ptr)   {}

// Option configures an Env.
type Option func(*Env)

// WithObserver routes registry and dispatch events to o.
func WithObserver(o Observer) Option {
	return func(e *Env) { e.observer = o }
}

// WithVersions overrides the interface and implementation versions the
// environment reports. Used to exercise the handshake.
func WithVersions(iface, impl int) Option {
	return func(e *Env) {
		e.ifaceVersion = iface
		e.implVersion = impl
	}
}

// Env implements hook.Environment. One Env serves one Space.
type Env struct {
	space    *memory.Space
	logger   *zap.Logger
	observer Observer

	ifaceVersion int
	implVersion  int

	mu       sync.Mutex
	nextID   int
	hooks    map[int]*hookEntry
	managers []*managerEntry
	slots    map[memory.Ptr]*slotEntry
	stack    []*loopContext
}

var _ hook.Environment = (*Env)(nil)

// New creates an environment over space.
func New(space *memory.Space, logger *zap.Logger, opts ...Option) *Env {
	e := &Env{
		space:        space,
		logger:       logger,
		observer:     nopObserver{},
		ifaceVersion: hook.IfaceVersion,
		implVersion:  hook.ImplVersion,
		nextID:       1,
		hooks:        make(map[int]*hookEntry),
		slots:        make(map[memory.Ptr]*slotEntry),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Env) Space() *memory.Space { return e.space }
func (e *Env) IfaceVersion() int    { return e.ifaceVersion }
func (e *Env) ImplVersion() int     { return e.implVersion }

// managerEntry is what a manager reported in its handshake.
type managerEntry struct {
	plugin hook.PluginID
	pub    hook.ManagerPubFunc

	set            bool
	hookmanVersion int
	vtblOffs       int
	vtblIdx        int
	proto          *passinfo.Proto
	tramp          memory.RawFunc
}

func (me *managerEntry) SetInfo(hookmanVersion, vtblOffs, vtblIdx int, proto *passinfo.Proto, trampoline memory.RawFunc) {
	me.set = true
	me.hookmanVersion = hookmanVersion
	me.vtblOffs = vtblOffs
	me.vtblIdx = vtblIdx
	me.proto = proto
	me.tramp = trampoline
}

// slotEntry is one patched vtable slot and its hook chains.
type slotEntry struct {
	addr memory.Ptr
	orig memory.RawFunc
	mgr  *managerEntry
	pre  []*hookEntry
	post []*hookEntry
}

func (se *slotEntry) refs() int {
	return len(se.pre) + len(se.post)
}

type hookEntry struct {
	id      int
	plugin  hook.PluginID
	mode    hook.AddHookMode
	this    memory.Ptr
	deleg   hook.Delegate
	post    bool
	paused  bool
	removed bool
	slot    *slotEntry
	mgr     *managerEntry
}

// HookInfo describes a registered hook.
type HookInfo struct {
	ID     int
	Plugin hook.PluginID
	Mode   hook.AddHookMode
	Slot   memory.Ptr
	This   memory.Ptr
	Post   bool
	Paused bool
}

// Hooks returns a snapshot of all hooks ordered by id.
func (e *Env) Hooks() []HookInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]HookInfo, 0, len(e.hooks))
	for _, h := range e.hooks {
		out = append(out, HookInfo{
			ID:     h.id,
			Plugin: h.plugin,
			Mode:   h.mode,
			Slot:   h.slot.addr,
			This:   h.this,
			Post:   h.post,
			Paused: h.paused,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PatchedSlots returns the number of vtable slots currently patched.
func (e *Env) PatchedSlots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}

// Close removes every hook and restores every patched slot.
func (e *Env) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.hooks {
		e.removeLocked(h)
	}
	e.managers = nil
}
