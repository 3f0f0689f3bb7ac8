// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook_test

import (
	"testing"

	"github.com/mbeema/vhook/pkg/hook"
	"github.com/mbeema/vhook/pkg/hostenv"
	"github.com/mbeema/vhook/pkg/memory"
	"github.com/mbeema/vhook/pkg/passinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type (
	intArgs  = passinfo.Args1[int]
	voidArgs = passinfo.NoArgs
	void     = passinfo.Void
)

// fixture is a tiny host program: objects of one class whose vtable has
// Compute(int) int at index 0 and Tick() at index 1.
type fixture struct {
	space *memory.Space
	env   *hostenv.Env
	vt    memory.Ptr
	obj   memory.Ptr
	trace []string
	args  []int
}

func newFixture(t *testing.T, opts ...hostenv.Option) *fixture {
	t.Helper()
	space, err := memory.NewSpace(64*1024, 16*1024)
	require.NoError(t, err)
	t.Cleanup(func() { space.Close() })

	f := &fixture{space: space, env: hostenv.New(space, zap.NewNop(), opts...)}
	f.vt, err = space.NewVTable(
		func(this memory.Ptr, a intArgs) int {
			f.trace = append(f.trace, "orig")
			f.args = append(f.args, a.A1)
			return 3
		},
		func(this memory.Ptr, _ voidArgs) void {
			f.trace = append(f.trace, "orig")
			return void{}
		},
	)
	require.NoError(t, err)
	f.obj = f.newObject(t)
	return f
}

func (f *fixture) newObject(t *testing.T) memory.Ptr {
	t.Helper()
	obj, err := f.space.NewObject(16, memory.VPtr{Offset: 0, VTable: f.vt})
	require.NoError(t, err)
	return obj
}

func (f *fixture) computeManager(t *testing.T) *hook.Manager[int, intArgs] {
	t.Helper()
	m := hook.NewManager[int, intArgs](f.env, 1, zap.NewNop())
	m.Reconfigure(hook.MethodLocation{VTableIndex: 0})
	t.Cleanup(m.Close)
	return m
}

func (f *fixture) tickManager(t *testing.T) *hook.Manager[void, voidArgs] {
	t.Helper()
	m := hook.NewManager[void, voidArgs](f.env, 1, zap.NewNop())
	m.Reconfigure(hook.MethodLocation{VTableIndex: 1})
	t.Cleanup(m.Close)
	return m
}

func (f *fixture) compute(t *testing.T, obj memory.Ptr, x int) int {
	t.Helper()
	got, err := memory.CallVirtual[int, intArgs](f.space, obj, 0, 0, intArgs{A1: x})
	require.NoError(t, err)
	return got
}

func (f *fixture) tick(t *testing.T, obj memory.Ptr) {
	t.Helper()
	_, err := memory.CallVirtual[void, voidArgs](f.space, obj, 0, 1, voidArgs{})
	require.NoError(t, err)
}

// step returns a hook that records name and reports res with value v.
func (f *fixture) step(name string, res hook.MetaResult, v int) hook.TypedDelegate[int, intArgs] {
	return &recorder{f: f, name: name, res: res, value: v}
}

type recorder struct {
	f      *fixture
	name   string
	res    hook.MetaResult
	value  int
	status []hook.MetaResult
}

func (r *recorder) Call(ctx hook.HookContext, _ intArgs) int {
	r.f.trace = append(r.f.trace, r.name)
	r.status = append(r.status, ctx.Status())
	return hook.Return(ctx, r.res, r.value)
}

func (r *recorder) IsEqual(other hook.Delegate) bool { return other == hook.Delegate(r) }
func (r *recorder) DeleteThis()                      {}

func (f *fixture) add(t *testing.T, m *hook.Manager[int, intArgs], obj memory.Ptr, d hook.TypedDelegate[int, intArgs], post bool) int {
	t.Helper()
	id, err := m.Add(obj, d, post, hook.ModeNormal)
	require.NoError(t, err)
	return id
}

func TestUnhookedCallReachesOriginal(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 3, f.compute(t, f.obj, 1))
	assert.Equal(t, []string{"orig"}, f.trace)
}

func TestDispatchOrdering(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	f.add(t, m, f.obj, f.step("pre1", hook.ResIgnored, 0), false)
	f.add(t, m, f.obj, f.step("post1", hook.ResIgnored, 0), true)
	f.add(t, m, f.obj, f.step("pre2", hook.ResHandled, 0), false)
	f.add(t, m, f.obj, f.step("post2", hook.ResIgnored, 0), true)

	got := f.compute(t, f.obj, 5)

	assert.Equal(t, 3, got)
	assert.Equal(t, []string{"pre1", "pre2", "orig", "post1", "post2"}, f.trace)
	assert.Equal(t, []int{5}, f.args)
	assert.Zero(t, f.env.Depth(), "context must be released")
}

func TestStatusMonotonic(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	h1 := &recorder{f: f, name: "h1", res: hook.ResHandled}
	h2 := &recorder{f: f, name: "h2", res: hook.ResIgnored}
	h3 := &recorder{f: f, name: "h3", res: hook.ResOverride, value: 9}
	h4 := &recorder{f: f, name: "h4", res: hook.ResHandled}
	for _, h := range []*recorder{h1, h2, h3, h4} {
		f.add(t, m, f.obj, h, false)
	}

	assert.Equal(t, 9, f.compute(t, f.obj, 1))
	assert.Equal(t, []hook.MetaResult{hook.ResIgnored}, h1.status)
	assert.Equal(t, []hook.MetaResult{hook.ResHandled}, h2.status)
	assert.Equal(t, []hook.MetaResult{hook.ResHandled}, h3.status)
	assert.Equal(t, []hook.MetaResult{hook.ResOverride}, h4.status, "a lower result must not lower the status")
}

func TestPostOverrideWins(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	f.add(t, m, f.obj, f.step("H1", hook.ResHandled, 100), true)
	f.add(t, m, f.obj, f.step("H2", hook.ResOverride, 7), true)

	assert.Equal(t, 7, f.compute(t, f.obj, 1))
	assert.Equal(t, []string{"orig", "H1", "H2"}, f.trace, "original still runs")
}

func TestSupersedeBlocksOriginal(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	f.add(t, m, f.obj, f.step("pre", hook.ResSupersede, 42), false)
	f.add(t, m, f.obj, f.step("post", hook.ResIgnored, 0), true)

	assert.Equal(t, 42, f.compute(t, f.obj, 1))
	assert.Equal(t, []string{"pre", "post"}, f.trace)
}

func TestLastOverrideInPassWins(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	f.add(t, m, f.obj, f.step("a", hook.ResOverride, 10), false)
	f.add(t, m, f.obj, f.step("b", hook.ResOverride, 20), false)
	f.add(t, m, f.obj, f.step("c", hook.ResHandled, 30), false)

	assert.Equal(t, 20, f.compute(t, f.obj, 1))
}

func TestOrigRetVisibleToPostHooks(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	var seen int
	f.add(t, m, f.obj, hook.BindFunc(func(ctx hook.HookContext, a intArgs) int {
		seen = hook.OrigRet[int](ctx)
		return hook.Return(ctx, hook.ResOverride, seen*10)
	}), true)

	assert.Equal(t, 30, f.compute(t, f.obj, 1))
	assert.Equal(t, 3, seen)
}

func TestVoidSignature(t *testing.T) {
	f := newFixture(t)
	m := f.tickManager(t)

	var order []string
	pre := hook.BindFunc(func(ctx hook.HookContext, _ voidArgs) void {
		order = append(order, "pre")
		assert.Nil(t, ctx.GetOrigRetPtr())
		assert.Nil(t, ctx.GetOverrideRetPtr())
		return hook.Return(ctx, hook.ResHandled, void{})
	})
	post := hook.BindFunc(func(ctx hook.HookContext, _ voidArgs) void {
		order = append(order, "post")
		return void{}
	})
	_, err := m.Add(f.obj, pre, false, hook.ModeNormal)
	require.NoError(t, err)
	_, err = m.Add(f.obj, post, true, hook.ModeNormal)
	require.NoError(t, err)

	f.tick(t, f.obj)
	assert.Equal(t, []string{"pre", "post"}, order)
	assert.Equal(t, []string{"orig"}, f.trace)
	assert.True(t, m.Proto().Ret.IsVoid())
}

func TestVoidSupersede(t *testing.T) {
	f := newFixture(t)
	m := f.tickManager(t)

	_, err := m.Add(f.obj, hook.BindFunc(func(ctx hook.HookContext, _ voidArgs) void {
		return hook.Return(ctx, hook.ResSupersede, void{})
	}), false, hook.ModeNormal)
	require.NoError(t, err)

	f.tick(t, f.obj)
	assert.Empty(t, f.trace)
}

func TestRecallFromPreHook(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	f.add(t, m, f.obj, f.step("first", hook.ResIgnored, 0), false)
	f.add(t, m, f.obj, hook.BindFunc(func(ctx hook.HookContext, a intArgs) int {
		f.trace = append(f.trace, "recaller")
		return m.Recall(ctx, hook.ResIgnored, 0, intArgs{A1: a.A1 * 2})
	}), false)
	f.add(t, m, f.obj, f.step("later", hook.ResIgnored, 0), false)
	f.add(t, m, f.obj, f.step("post", hook.ResIgnored, 0), true)

	got := f.compute(t, f.obj, 4)

	assert.Equal(t, 3, got)
	assert.Equal(t, []string{"first", "recaller", "orig"}, f.trace)
	assert.Equal(t, []int{8}, f.args, "original runs once with the new arguments")
	assert.Zero(t, f.env.Depth())
}

func TestRecallWithOverrideValue(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	var override int
	f.add(t, m, f.obj, hook.BindFunc(func(ctx hook.HookContext, a intArgs) int {
		ret := m.Recall(ctx, hook.ResOverride, 55, intArgs{A1: 1})
		override = hook.OverrideRet[int](ctx)
		return ret
	}), false)

	assert.Equal(t, 3, f.compute(t, f.obj, 9))
	assert.Equal(t, 55, override, "value is stored before the direct call")
}

func TestRecallVoid(t *testing.T) {
	f := newFixture(t)
	m := f.tickManager(t)

	calls := 0
	_, err := m.Add(f.obj, hook.BindFunc(func(ctx hook.HookContext, a voidArgs) void {
		calls++
		return m.Recall(ctx, hook.ResHandled, void{}, a)
	}), false, hook.ModeNormal)
	require.NoError(t, err)

	f.tick(t, f.obj)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"orig"}, f.trace)
}

func TestCloseRestoresSlot(t *testing.T) {
	f := newFixture(t)
	m := hook.NewManager[int, intArgs](f.env, 1, zap.NewNop())
	m.Reconfigure(hook.MethodLocation{VTableIndex: 0})

	orig, err := f.space.LoadFunc(f.vt)
	require.NoError(t, err)

	f.add(t, m, f.obj, f.step("a", hook.ResSupersede, 1), false)
	f.add(t, m, f.obj, f.step("b", hook.ResIgnored, 0), true)
	patched, _ := f.space.LoadFunc(f.vt)
	assert.NotEqual(t, orig, patched)

	m.Close()
	m.Close()

	assert.Empty(t, f.env.Hooks())
	assert.Zero(t, f.env.PatchedSlots())
	restored, _ := f.space.LoadFunc(f.vt)
	assert.Equal(t, orig, restored)

	f.trace = nil
	assert.Equal(t, 3, f.compute(t, f.obj, 1))
	assert.Equal(t, []string{"orig"}, f.trace)

	_, err = m.Add(f.obj, f.step("late", hook.ResIgnored, 0), false, hook.ModeNormal)
	assert.ErrorIs(t, err, hook.ErrClosed)
}

func TestCloseWithoutHooks(t *testing.T) {
	f := newFixture(t)
	m := hook.NewManager[int, intArgs](f.env, 1, zap.NewNop())
	m.Close()
	assert.Zero(t, f.env.PatchedSlots())
}

func TestRemovePauseUnpause(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	id := f.add(t, m, f.obj, f.step("h", hook.ResSupersede, 1), false)

	assert.True(t, m.Pause(id))
	assert.False(t, m.Pause(id), "already paused")
	assert.Equal(t, 3, f.compute(t, f.obj, 1))

	assert.True(t, m.Unpause(id))
	assert.False(t, m.Unpause(id), "not paused")
	assert.Equal(t, 1, f.compute(t, f.obj, 1))

	assert.True(t, m.Remove(id))
	assert.False(t, m.Remove(id))
	assert.False(t, m.Pause(id))
	assert.False(t, m.Unpause(999))
	assert.Zero(t, f.env.PatchedSlots())
}

func TestRemoveDeletesDelegateOnce(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	d := &countingDelegate{}
	id, err := m.Add(f.obj, d, false, hook.ModeNormal)
	require.NoError(t, err)
	require.True(t, m.Remove(id))
	m.Close()

	assert.Equal(t, 1, d.deleted)
}

type countingDelegate struct {
	calls   int
	deleted int
}

func (d *countingDelegate) Call(ctx hook.HookContext, _ intArgs) int { d.calls++; return 0 }
func (d *countingDelegate) IsEqual(o hook.Delegate) bool             { return o == hook.Delegate(d) }
func (d *countingDelegate) DeleteThis()                              { d.deleted++ }

func TestAddRequiresConfiguration(t *testing.T) {
	f := newFixture(t)
	m := hook.NewManager[int, intArgs](f.env, 1, zap.NewNop())
	_, err := m.Add(f.obj, f.step("h", hook.ResIgnored, 0), false, hook.ModeNormal)
	assert.ErrorIs(t, err, hook.ErrNotConfigured)
}

func TestReconfigureDetaches(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)

	f.add(t, m, f.obj, f.step("h", hook.ResSupersede, 1), false)
	require.Equal(t, 1, f.compute(t, f.obj, 1))

	m.Reconfigure(hook.MethodLocation{VTableIndex: 0})
	assert.Empty(t, f.env.Hooks())
	assert.Equal(t, 3, f.compute(t, f.obj, 1))

	f.add(t, m, f.obj, f.step("h2", hook.ResSupersede, 2), false)
	assert.Equal(t, 2, f.compute(t, f.obj, 1))
}

func TestVersionMismatchFailsClosed(t *testing.T) {
	for _, tt := range []struct {
		name        string
		iface, impl int
	}{
		{"old interface", hook.IfaceVersion - 1, hook.ImplVersion},
		{"new interface", hook.IfaceVersion + 1, hook.ImplVersion},
		{"old implementation", hook.IfaceVersion, hook.ImplVersion - 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, hostenv.WithVersions(tt.iface, tt.impl))
			m := f.computeManager(t)

			d := &countingDelegate{}
			_, err := m.Add(f.obj, d, false, hook.ModeNormal)
			assert.ErrorIs(t, err, hook.ErrAddFailed)
			assert.Equal(t, 1, d.deleted)
			assert.Zero(t, f.env.PatchedSlots())
			assert.Equal(t, 1, m.Describe(false, nil))
		})
	}
}

func TestNewerImplementationAccepted(t *testing.T) {
	f := newFixture(t, hostenv.WithVersions(hook.IfaceVersion, hook.ImplVersion+3))
	m := f.computeManager(t)
	f.add(t, m, f.obj, f.step("h", hook.ResSupersede, 4), false)
	assert.Equal(t, 4, f.compute(t, f.obj, 1))
}

type infoSink struct {
	version, offs, idx int
	proto              *passinfo.Proto
	tramp              memory.RawFunc
}

func (s *infoSink) SetInfo(v, offs, idx int, p *passinfo.Proto, tr memory.RawFunc) {
	s.version, s.offs, s.idx, s.proto, s.tramp = v, offs, idx, p, tr
}

func TestDescribeReportsShape(t *testing.T) {
	f := newFixture(t)
	m := hook.NewManager[int, intArgs](f.env, 1, zap.NewNop())
	t.Cleanup(m.Close)
	m.Reconfigure(hook.MethodLocation{VTableIndex: 3, VTableOffset: 8, ThisPtrOffset: 16})

	var sink infoSink
	require.Equal(t, 0, m.Describe(false, &sink))
	assert.Equal(t, hook.HookManVersion, sink.version)
	assert.Equal(t, 8, sink.offs)
	assert.Equal(t, 3, sink.idx)
	assert.Same(t, m.Proto(), sink.proto)
	assert.NotZero(t, sink.tramp)

	var again infoSink
	m.Describe(true, &again)
	assert.Equal(t, sink.tramp, again.tramp, "trampoline is stable")
}

func TestNormalAndVPModes(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)
	other := f.newObject(t)

	_, err := m.Add(f.obj, f.step("normal", hook.ResOverride, 11), false, hook.ModeNormal)
	require.NoError(t, err)
	assert.Equal(t, 11, f.compute(t, f.obj, 1))
	assert.Equal(t, 3, f.compute(t, other, 1), "normal hooks only fire on their instance")

	_, err = m.Add(f.obj, f.step("vp", hook.ResOverride, 22), true, hook.ModeVP)
	require.NoError(t, err)
	assert.Equal(t, 22, f.compute(t, other, 1))
	assert.Equal(t, 22, f.compute(t, f.obj, 1))
}

func TestSecondaryBaseLocation(t *testing.T) {
	f := newFixture(t)

	secondary, err := f.space.NewVTable(func(this memory.Ptr, a intArgs) int { return a.A1 + 1000 })
	require.NoError(t, err)
	obj, err := f.space.NewObject(48, memory.VPtr{Offset: 0, VTable: f.vt}, memory.VPtr{Offset: 24, VTable: secondary})
	require.NoError(t, err)

	m := hook.NewManager[int, intArgs](f.env, 1, zap.NewNop())
	t.Cleanup(m.Close)
	m.Reconfigure(hook.MethodLocation{ThisPtrOffset: 16, VTableOffset: 8, VTableIndex: 0})

	var this memory.Ptr
	_, err = m.Add(obj, hook.BindFunc(func(ctx hook.HookContext, a intArgs) int {
		this = ctx.GetIfacePtr()
		return hook.Return(ctx, hook.ResOverride, hook.OrigRet[int](ctx)*2)
	}), true, hook.ModeNormal)
	require.NoError(t, err)

	got, err := m.CallVirtual(obj, intArgs{A1: 1})
	require.NoError(t, err)
	assert.Equal(t, 2002, got)
	assert.Equal(t, obj.Add(16), this)

	orig, err := m.CallOrig(obj, intArgs{A1: 1})
	require.NoError(t, err)
	assert.Equal(t, 1001, orig)

	assert.Equal(t, 3, f.compute(t, obj, 0), "primary vtable untouched")
}

func TestCallOrigBypassesHooks(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)
	f.add(t, m, f.obj, f.step("h", hook.ResSupersede, 99), false)

	got, err := m.CallOrig(f.obj, intArgs{A1: 6})
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, []string{"orig"}, f.trace)
}

func TestReentrantDispatch(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)
	other := f.newObject(t)

	var depths []int
	_, err := m.Add(f.obj, hook.BindFunc(func(ctx hook.HookContext, a intArgs) int {
		depths = append(depths, f.env.Depth())
		inner := f.compute(t, other, a.A1)
		return hook.Return(ctx, hook.ResOverride, inner+1)
	}), false, hook.ModeNormal)
	require.NoError(t, err)
	_, err = m.Add(other, hook.BindFunc(func(ctx hook.HookContext, a intArgs) int {
		depths = append(depths, f.env.Depth())
		return hook.Return(ctx, hook.ResSupersede, 40)
	}), false, hook.ModeNormal)
	require.NoError(t, err)

	assert.Equal(t, 41, f.compute(t, f.obj, 1))
	assert.Equal(t, []int{1, 2}, depths)
	assert.Zero(t, f.env.Depth())
}

func TestIncompatibleManagerOnSameSlot(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)
	f.add(t, m, f.obj, f.step("h", hook.ResIgnored, 0), false)

	wrong := hook.NewManager[string, intArgs](f.env, 2, zap.NewNop())
	t.Cleanup(wrong.Close)
	wrong.Reconfigure(hook.MethodLocation{VTableIndex: 0})

	_, err := wrong.Add(f.obj, hook.BindFunc(func(ctx hook.HookContext, a intArgs) string { return "" }), false, hook.ModeNormal)
	assert.ErrorIs(t, err, hook.ErrAddFailed)
}

func TestSameProtoDifferentTypeOnSameSlot(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)
	f.add(t, m, f.obj, f.step("first", hook.ResIgnored, 0), false)

	other := hook.NewManager[uint, intArgs](f.env, 1, zap.NewNop())
	t.Cleanup(other.Close)
	other.Reconfigure(hook.MethodLocation{VTableIndex: 0})
	require.True(t, other.Proto().Equal(m.Proto()))

	fired := false
	_, err := other.Add(f.obj, hook.BindFunc(func(ctx hook.HookContext, a intArgs) uint {
		fired = true
		return hook.Return(ctx, hook.ResSupersede, uint(99))
	}), false, hook.ModeNormal)
	assert.ErrorIs(t, err, hook.ErrAddFailed)

	assert.Equal(t, 3, f.compute(t, f.obj, 1))
	assert.False(t, fired)
	assert.Equal(t, []string{"first", "orig"}, f.trace)
}

func TestRemoveDelegateByEquality(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)
	other := f.newObject(t)

	keep := &countingDelegate{}
	drop := &countingDelegate{}
	f.add(t, m, f.obj, keep, false)
	f.add(t, m, f.obj, drop, false)
	f.add(t, m, other, drop, false)

	assert.False(t, m.RemoveDelegate(f.obj, drop, true), "wrong pass")
	assert.True(t, m.RemoveDelegate(f.obj, drop, false))
	assert.False(t, m.RemoveDelegate(f.obj, drop, false), "already removed")

	f.compute(t, f.obj, 1)
	f.compute(t, other, 1)
	assert.Equal(t, 1, keep.calls)
	assert.Equal(t, 1, drop.calls, "hook on the other instance stays")
	assert.Len(t, f.env.Hooks(), 2)
}

func TestDescribeAfterClose(t *testing.T) {
	f := newFixture(t)
	m := f.computeManager(t)
	f.add(t, m, f.obj, f.step("h", hook.ResIgnored, 0), false)
	m.Close()

	var sink infoSink
	assert.Equal(t, 1, m.Describe(true, &sink))
	assert.Zero(t, sink.tramp)
	assert.False(t, m.RemoveDelegate(f.obj, f.step("h", hook.ResIgnored, 0), false))
}

func TestSharedSlotHandover(t *testing.T) {
	f := newFixture(t)
	first := hook.NewManager[int, intArgs](f.env, 1, zap.NewNop())
	first.Reconfigure(hook.MethodLocation{VTableIndex: 0})
	second := f.computeManager(t)

	f.add(t, first, f.obj, f.step("first", hook.ResIgnored, 0), false)
	f.add(t, second, f.obj, f.step("second", hook.ResOverride, 5), false)

	first.Close()
	assert.Equal(t, 1, f.env.PatchedSlots())
	assert.Equal(t, 5, f.compute(t, f.obj, 1))
	assert.Equal(t, []string{"second", "orig"}, f.trace)
}
