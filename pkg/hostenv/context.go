// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hostenv

import (
	"github.com/mbeema/vhook/pkg/hook"
	"github.com/mbeema/vhook/pkg/memory"
	"go.uber.org/zap"
)

const (
	passPre = iota
	passPost
	passDone
)

// loopContext is the dispatch state of one invocation of a patched slot.
type loopContext struct {
	env  *Env
	slot memory.Ptr
	this memory.Ptr

	status  *hook.MetaResult
	prevRes *hook.MetaResult
	curRes  *hook.MetaResult

	origRet     any
	overrideRet any

	hasOrig  bool
	pre      []*hookEntry
	post     []*hookEntry
	pass     int
	pos      int
	recalled bool
}

var _ hook.HookContext = (*loopContext)(nil)

// SetupHookLoop snapshots the chains of vfnPtr that apply to this and
// pushes a new context. Every call must be paired with EndContext.
func (e *Env) SetupHookLoop(hi hook.ManagerInfo, vfnPtr, this memory.Ptr, origEntry *memory.RawFunc,
	status, prevRes, curRes *hook.MetaResult, origRet, overrideRet any) hook.HookContext {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &loopContext{
		env:         e,
		slot:        vfnPtr,
		this:        this,
		status:      status,
		prevRes:     prevRes,
		curRes:      curRes,
		origRet:     origRet,
		overrideRet: overrideRet,
	}

	if se := e.slots[vfnPtr]; se != nil {
		*origEntry = se.orig
		c.hasOrig = true
		c.pre = applicable(se.pre, this)
		c.post = applicable(se.post, this)
		if me, ok := hi.(*managerEntry); ok && me.proto != nil && !me.proto.Equal(se.mgr.proto) {
			e.logger.Warn("dispatching manager disagrees with slot signature", zap.Stringer("slot", vfnPtr))
		}
	} else {
		e.logger.Warn("dispatch on unpatched slot", zap.Stringer("slot", vfnPtr), zap.Stringer("this", this))
	}

	e.stack = append(e.stack, c)
	return c
}

func applicable(chain []*hookEntry, this memory.Ptr) []*hookEntry {
	out := make([]*hookEntry, 0, len(chain))
	for _, h := range chain {
		if h.mode == hook.ModeVP || h.this == this {
			out = append(out, h)
		}
	}
	return out
}

// EndContext releases c. Contexts must be released in reverse order of
// creation.
func (e *Env) EndContext(ctx hook.HookContext) {
	c, ok := ctx.(*loopContext)
	if !ok {
		return
	}

	e.mu.Lock()
	top := len(e.stack) - 1
	switch {
	case top >= 0 && e.stack[top] == c:
		e.stack = e.stack[:top]
	default:
		for i := top; i >= 0; i-- {
			if e.stack[i] == c {
				e.logger.Error("hook context released out of order", zap.Int("depth", i), zap.Int("top", top))
				e.stack = append(e.stack[:i], e.stack[i+1:]...)
				break
			}
		}
	}
	e.mu.Unlock()

	e.observer.Dispatched(c.slot)
	if c.recalled {
		e.observer.Recalled(c.slot)
	}
}

// Depth returns the number of live dispatch contexts.
func (e *Env) Depth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.stack)
}

func (c *loopContext) GetNext() hook.Delegate {
	c.env.mu.Lock()
	defer c.env.mu.Unlock()

	for c.pass != passDone {
		chain := c.pre
		if c.pass == passPost {
			chain = c.post
		}
		if !c.recalled {
			for c.pos < len(chain) {
				h := chain[c.pos]
				c.pos++
				if h.removed || h.paused {
					continue
				}
				return h.deleg
			}
		}
		c.pass++
		c.pos = 0
		return nil
	}
	return nil
}

func (c *loopContext) ShouldCallOrig() bool {
	return c.hasOrig && !c.recalled
}

func (c *loopContext) GetOrigRetPtr() any         { return c.origRet }
func (c *loopContext) GetOverrideRetPtr() any     { return c.overrideRet }
func (c *loopContext) GetIfacePtr() memory.Ptr    { return c.this }
func (c *loopContext) SetRes(res hook.MetaResult) { *c.curRes = res }
func (c *loopContext) Status() hook.MetaResult    { return *c.status }
func (c *loopContext) PrevRes() hook.MetaResult   { return *c.prevRes }

func (c *loopContext) DoRecall() {
	c.recalled = true
}
