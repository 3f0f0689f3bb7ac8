// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package plan_test

import (
	"testing"

	"github.com/mbeema/vhook/pkg/config"
	"github.com/mbeema/vhook/pkg/hostenv"
	"github.com/mbeema/vhook/pkg/memory"
	"github.com/mbeema/vhook/pkg/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*hostenv.Env, *plan.World, *plan.Plan) {
	t.Helper()
	space, err := memory.NewSpace(1<<16, 1<<14)
	require.NoError(t, err)
	t.Cleanup(func() { space.Close() })

	env := hostenv.New(space, zap.NewNop())
	w, err := plan.NewWorld(space)
	require.NoError(t, err)
	require.NoError(t, w.Sync([]config.EntitySpec{{Name: "hero", Health: 100}, {Name: "orc", Health: 50}}))

	p := plan.New(env, w, 1, zap.NewNop())
	t.Cleanup(p.Close)
	return env, w, p
}

func entity(t *testing.T, w *plan.World, name string) *plan.Entity {
	t.Helper()
	e, ok := w.Entity(name)
	require.True(t, ok, name)
	return e
}

func TestWorldUnhooked(t *testing.T) {
	_, w, _ := setup(t)
	hero := entity(t, w, "hero")

	h, err := hero.GetHealth()
	require.NoError(t, err)
	assert.Equal(t, 100, h)

	h, err = hero.TakeDamage(130)
	require.NoError(t, err)
	assert.Equal(t, 0, h, "health clamps at zero")

	require.NoError(t, hero.SetName("Aria"))
	assert.Equal(t, "Aria", hero.StoredName())

	require.NoError(t, hero.Think())
	assert.Equal(t, uint64(1), hero.Thinks())

	first, ok := w.Entity("")
	require.True(t, ok)
	assert.Equal(t, "hero", first.Name)
}

func TestWorldSync(t *testing.T) {
	_, w, _ := setup(t)
	hero := entity(t, w, "hero")
	_, err := hero.TakeDamage(10)
	require.NoError(t, err)

	require.NoError(t, w.Sync([]config.EntitySpec{{Name: "hero", Health: 100}, {Name: "mage", Health: 30}}))

	names := []string{}
	for _, e := range w.Entities() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"hero", "mage"}, names)
	assert.Equal(t, 90, hero.Health(), "existing entities keep state")
	_, ok := w.Entity("orc")
	assert.False(t, ok)

	_, err = w.Spawn("hero", 1)
	assert.Error(t, err)
}

func TestSupersedeGetHealth(t *testing.T) {
	_, w, p := setup(t)
	require.NoError(t, p.Apply([]config.HookSpec{
		{Name: "god", Entity: "hero", Method: "get_health", Action: "supersede", Value: "999"},
	}))

	hero := entity(t, w, "hero")
	h, err := hero.GetHealth()
	require.NoError(t, err)
	assert.Equal(t, 999, h)
	assert.Equal(t, 100, hero.Health())
	assert.Equal(t, int64(1), p.Installed()[0].Hits())
}

func TestRecallTakeDamage(t *testing.T) {
	_, w, p := setup(t)
	require.NoError(t, p.Apply([]config.HookSpec{
		{Entity: "hero", Method: "take_damage", Action: "recall", Arg: "5"},
	}))

	hero := entity(t, w, "hero")
	h, err := hero.TakeDamage(40)
	require.NoError(t, err)
	assert.Equal(t, 95, h)
	assert.Equal(t, 95, hero.Health())
}

func TestPostOverrideKeepsSideEffect(t *testing.T) {
	_, w, p := setup(t)
	require.NoError(t, p.Apply([]config.HookSpec{
		{Entity: "hero", Method: "take_damage", Post: true, Action: "override", Value: "1"},
	}))

	hero := entity(t, w, "hero")
	h, err := hero.TakeDamage(40)
	require.NoError(t, err)
	assert.Equal(t, 1, h)
	assert.Equal(t, 60, hero.Health())
}

func TestVoidMethods(t *testing.T) {
	_, w, p := setup(t)
	require.NoError(t, p.Apply([]config.HookSpec{
		{Entity: "hero", Method: "think", Action: "supersede"},
		{Entity: "hero", Method: "set_name", Action: "recall", Arg: "renamed"},
	}))

	hero := entity(t, w, "hero")
	require.NoError(t, hero.Think())
	assert.Equal(t, uint64(0), hero.Thinks())

	require.NoError(t, hero.SetName("ignored"))
	assert.Equal(t, "renamed", hero.StoredName())
}

func TestModes(t *testing.T) {
	_, w, p := setup(t)
	require.NoError(t, p.Apply([]config.HookSpec{
		{Name: "normal", Entity: "hero", Method: "get_health", Action: "supersede", Value: "1"},
		{Name: "vp", Entity: "hero", Method: "think", Action: "supersede", Mode: "vp"},
	}))

	orc := entity(t, w, "orc")
	h, err := orc.GetHealth()
	require.NoError(t, err)
	assert.Equal(t, 50, h, "normal hooks only fire for their instance")

	require.NoError(t, orc.Think())
	assert.Equal(t, uint64(0), orc.Thinks(), "vp hooks fire for every instance")
}

func TestPausedHook(t *testing.T) {
	env, w, p := setup(t)
	require.NoError(t, p.Apply([]config.HookSpec{
		{Entity: "hero", Method: "get_health", Action: "supersede", Value: "7", Paused: true},
	}))

	h, err := entity(t, w, "hero").GetHealth()
	require.NoError(t, err)
	assert.Equal(t, 100, h)
	assert.Equal(t, int64(0), p.Installed()[0].Hits())

	hooks := env.Hooks()
	require.Len(t, hooks, 1)
	assert.True(t, hooks[0].Paused)
}

func TestResetDetaches(t *testing.T) {
	env, w, p := setup(t)
	require.NoError(t, p.Apply([]config.HookSpec{
		{Method: "get_health", Action: "supersede", Value: "7"},
		{Method: "think", Action: "handled"},
	}))
	assert.Equal(t, 2, env.PatchedSlots())

	p.Reset()
	assert.Equal(t, 0, env.PatchedSlots())
	assert.Empty(t, env.Hooks())
	assert.Empty(t, p.Installed())

	h, err := entity(t, w, "hero").GetHealth()
	require.NoError(t, err)
	assert.Equal(t, 100, h)

	require.NoError(t, p.Apply([]config.HookSpec{{Method: "get_health", Action: "override", Value: "3"}}))
	h, err = entity(t, w, "hero").GetHealth()
	require.NoError(t, err)
	assert.Equal(t, 3, h)
}

func TestApplyErrors(t *testing.T) {
	tests := []struct {
		name string
		spec config.HookSpec
	}{
		{"missing value", config.HookSpec{Method: "get_health", Action: "override"}},
		{"bad value", config.HookSpec{Method: "get_health", Action: "supersede", Value: "lots"}},
		{"bad arg", config.HookSpec{Method: "take_damage", Action: "recall", Arg: "x"}},
		{"unknown entity", config.HookSpec{Entity: "ghost", Method: "think", Action: "ignore"}},
		{"post recall", config.HookSpec{Method: "think", Action: "recall", Post: true}},
		{"unknown action", config.HookSpec{Method: "think", Action: "explode"}},
		{"unknown method", config.HookSpec{Method: "fly", Action: "ignore"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _, p := setup(t)
			assert.Error(t, p.Apply([]config.HookSpec{tt.spec}))
			assert.Empty(t, env.Hooks())
		})
	}
}

func TestTick(t *testing.T) {
	_, w, p := setup(t)
	require.NoError(t, p.Apply([]config.HookSpec{
		{Entity: "orc", Method: "get_health", Post: true, Action: "override", Value: "-1"},
	}))

	frames, err := w.Tick()
	require.NoError(t, err)
	assert.Equal(t, []plan.Frame{{Entity: "hero", Health: 100}, {Entity: "orc", Health: -1}}, frames)
	assert.Equal(t, uint64(1), entity(t, w, "orc").Thinks())
}

func TestProtos(t *testing.T) {
	_, _, p := setup(t)
	protos := p.Protos()
	require.Len(t, protos, 4)
	assert.Equal(t, 1, protos["take_damage"].NumParams())
	assert.True(t, protos["think"].Ret.IsVoid())
	assert.False(t, protos["get_health"].Ret.IsVoid())
}
