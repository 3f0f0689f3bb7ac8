// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"github.com/mbeema/vhook/pkg/memory"
	"github.com/mbeema/vhook/pkg/passinfo"
)

// Versions this package is compiled against. The host must report the
// same interface version and at least this implementation version.
const (
	IfaceVersion   = 5
	ImplVersion    = 5
	HookManVersion = 1
)

// PluginID identifies the owner of hooks and managers inside the host.
type PluginID int

// AddHookMode selects how a hook is attached.
type AddHookMode int

const (
	// ModeNormal fires only for the instance the hook was added on.
	ModeNormal AddHookMode = iota
	// ModeVP fires for every instance sharing the hooked vtable.
	ModeVP
)

func (m AddHookMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeVP:
		return "vp"
	default:
		return "unknown"
	}
}

// ManagerInfo accepts the shape a manager reports during the capability
// handshake.
type ManagerInfo interface {
	SetInfo(hookmanVersion, vtblOffs, vtblIdx int, proto *passinfo.Proto, trampoline memory.RawFunc)
}

// ManagerPubFunc is the handshake entry point of a hook manager. Describe
// returns 0 on success and non-zero when the host's versions do not match.
// If store is true the manager keeps hi for later dispatches.
type ManagerPubFunc interface {
	Describe(store bool, hi ManagerInfo) int
}

// HookContext is the per-invocation dispatch state handed out by the host.
// Hooks receive it as their first argument; it carries the call-scoped
// accessors (result, iface pointer, recall) for the innermost dispatch.
type HookContext interface {
	// GetNext returns the next delegate of the current pass or nil at the
	// end of the pass. The first nil ends the pre pass, the second the
	// post pass.
	GetNext() Delegate
	ShouldCallOrig() bool
	GetOrigRetPtr() any
	GetOverrideRetPtr() any
	GetIfacePtr() memory.Ptr

	// SetRes sets the result of the hook currently running.
	SetRes(res MetaResult)
	// Status is the highest result seen so far in this dispatch.
	Status() MetaResult
	// PrevRes is the result reported by the previous hook in this pass.
	PrevRes() MetaResult
	// DoRecall switches the dispatch into recall mode: no further
	// delegates are returned and the original is not called again.
	DoRecall()
}

// Environment is the host runtime that owns the hook registry and the
// dispatch context factory.
type Environment interface {
	Space() *memory.Space
	IfaceVersion() int
	ImplVersion() int

	AddHook(plugin PluginID, mode AddHookMode, iface memory.Ptr, thisPtrOffs int, mgr ManagerPubFunc, d Delegate, post bool) int
	// RemoveHook removes the hook whose delegate IsEqual to d on the same
	// instance and pass.
	RemoveHook(plugin PluginID, iface memory.Ptr, thisPtrOffs int, mgr ManagerPubFunc, d Delegate, post bool) bool
	RemoveHookByID(id int) bool
	PauseHookByID(id int) bool
	UnpauseHookByID(id int) bool
	RemoveHookManager(plugin PluginID, mgr ManagerPubFunc)

	// SetupHookLoop starts a dispatch for the patched slot vfnPtr. It
	// fills origEntry with the unpatched entry point and binds status,
	// prevRes and curRes to the returned context. origRet and overrideRet
	// are *R storage for non-void signatures and nil otherwise.
	SetupHookLoop(hi ManagerInfo, vfnPtr, this memory.Ptr, origEntry *memory.RawFunc,
		status, prevRes, curRes *MetaResult, origRet, overrideRet any) HookContext
	EndContext(ctx HookContext)

	// OrigVfnPtrEntry returns the original entry of slot, whether or not
	// it is currently patched.
	OrigVfnPtrEntry(slot memory.Ptr) (memory.RawFunc, error)
}
