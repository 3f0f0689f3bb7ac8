// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package plan applies declarative hook plans to the sample Entity class.
// Each Entity method has its own hook manager; a plan hook becomes one
// delegate registered through the manager of its method.
package plan

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/mbeema/vhook/pkg/config"
	"github.com/mbeema/vhook/pkg/hook"
	"github.com/mbeema/vhook/pkg/memory"
	"github.com/mbeema/vhook/pkg/passinfo"
	"go.uber.org/zap"
)

var ErrUnknownEntity = errors.New("unknown entity")

// Installed describes one applied plan hook.
type Installed struct {
	Name   string
	Method string
	Entity string
	ID     int
	hits   *atomic.Int64
}

// Hits returns how many times the hook ran.
func (i Installed) Hits() int64 { return i.hits.Load() }

// Plan owns one manager per Entity method.
type Plan struct {
	world  *World
	logger *zap.Logger

	getHealth  *hook.Manager[int, passinfo.NoArgs]
	takeDamage *hook.Manager[int, passinfo.Args1[int]]
	setName    *hook.Manager[passinfo.Void, passinfo.Args1[string]]
	think      *hook.Manager[passinfo.Void, passinfo.NoArgs]

	installed []Installed
}

// New creates the managers and binds them to the Entity vtable.
func New(env hook.Environment, world *World, plugin hook.PluginID, logger *zap.Logger) *Plan {
	p := &Plan{
		world:      world,
		logger:     logger,
		getHealth:  hook.NewManager[int, passinfo.NoArgs](env, plugin, logger),
		takeDamage: hook.NewManager[int, passinfo.Args1[int]](env, plugin, logger),
		setName:    hook.NewManager[passinfo.Void, passinfo.Args1[string]](env, plugin, logger),
		think:      hook.NewManager[passinfo.Void, passinfo.NoArgs](env, plugin, logger),
	}
	p.Reset()
	return p
}

// Reset detaches every manager, removing all installed hooks, and binds
// them again to their methods.
func (p *Plan) Reset() {
	p.getHealth.Reconfigure(hook.MethodLocation{VTableIndex: IdxGetHealth})
	p.takeDamage.Reconfigure(hook.MethodLocation{VTableIndex: IdxTakeDamage})
	p.setName.Reconfigure(hook.MethodLocation{VTableIndex: IdxSetName})
	p.think.Reconfigure(hook.MethodLocation{VTableIndex: IdxThink})
	p.installed = nil
}

// Close removes every hook and retires the managers.
func (p *Plan) Close() {
	p.getHealth.Close()
	p.takeDamage.Close()
	p.setName.Close()
	p.think.Close()
	p.installed = nil
}

// World returns the entity world the plan hooks into.
func (p *Plan) World() *World { return p.world }

// Installed returns the hooks applied since the last Reset.
func (p *Plan) Installed() []Installed {
	return append([]Installed(nil), p.installed...)
}

// Protos returns the type descriptor table of each Entity method.
func (p *Plan) Protos() map[string]*passinfo.Proto {
	return map[string]*passinfo.Proto{
		"get_health":  p.getHealth.Proto(),
		"take_damage": p.takeDamage.Proto(),
		"set_name":    p.setName.Proto(),
		"think":       p.think.Proto(),
	}
}

// Apply installs specs in order. On error, hooks installed by earlier specs
// stay in place.
func (p *Plan) Apply(specs []config.HookSpec) error {
	for i, spec := range specs {
		inst, err := p.apply(spec)
		if err != nil {
			name := spec.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return fmt.Errorf("hook %s: %w", name, err)
		}
		p.installed = append(p.installed, inst)
		p.logger.Info("hook installed",
			zap.String("name", inst.Name),
			zap.String("method", spec.Method),
			zap.String("entity", inst.Entity),
			zap.String("action", spec.Action),
			zap.Bool("post", spec.Post),
			zap.Int("id", inst.ID),
		)
	}
	return nil
}

func (p *Plan) apply(spec config.HookSpec) (Installed, error) {
	e, ok := p.world.Entity(spec.Entity)
	if !ok {
		return Installed{}, fmt.Errorf("%w: %q", ErrUnknownEntity, spec.Entity)
	}
	if spec.Action == "recall" && spec.Post {
		return Installed{}, errors.New("recall is only allowed in pre hooks")
	}
	mode := hook.ModeNormal
	if spec.Mode == "vp" {
		mode = hook.ModeVP
	}

	var (
		id   int
		hits *atomic.Int64
		err  error
	)
	switch spec.Method {
	case "get_health":
		var v int
		if v, err = parseValue(spec); err == nil {
			id, hits, err = install(p.getHealth, spec, e.This, mode, v, nil)
		}
	case "take_damage":
		var v int
		if v, err = parseValue(spec); err != nil {
			break
		}
		var args *passinfo.Args1[int]
		if spec.Arg != "" {
			n, perr := strconv.Atoi(spec.Arg)
			if perr != nil {
				return Installed{}, fmt.Errorf("arg: %w", perr)
			}
			args = &passinfo.Args1[int]{A1: n}
		}
		id, hits, err = install(p.takeDamage, spec, e.This, mode, v, args)
	case "set_name":
		var args *passinfo.Args1[string]
		if spec.Arg != "" {
			args = &passinfo.Args1[string]{A1: spec.Arg}
		}
		id, hits, err = install(p.setName, spec, e.This, mode, passinfo.Void{}, args)
	case "think":
		id, hits, err = install(p.think, spec, e.This, mode, passinfo.Void{}, nil)
	default:
		err = fmt.Errorf("unknown method %q", spec.Method)
	}
	if err != nil {
		return Installed{}, err
	}

	name := spec.Name
	if name == "" {
		name = spec.Method + "/" + spec.Action
	}
	return Installed{Name: name, Method: spec.Method, Entity: e.Name, ID: id, hits: hits}, nil
}

// parseValue reads the return value of override and supersede hooks on
// int-returning methods.
func parseValue(spec config.HookSpec) (int, error) {
	if spec.Value == "" {
		if spec.Action == "override" || spec.Action == "supersede" {
			return 0, fmt.Errorf("action %s needs a value", spec.Action)
		}
		return 0, nil
	}
	v, err := strconv.Atoi(spec.Value)
	if err != nil {
		return 0, fmt.Errorf("value: %w", err)
	}
	return v, nil
}

func install[R, A any](m *hook.Manager[R, A], spec config.HookSpec, this memory.Ptr, mode hook.AddHookMode, value R, args *A) (int, *atomic.Int64, error) {
	res, err := actionResult(spec.Action)
	if err != nil {
		return 0, nil, err
	}
	a := &action[R, A]{mgr: m, res: res, recall: spec.Action == "recall", value: value, args: args}
	id, err := m.Add(this, hook.Bind(a, (*action[R, A]).run), spec.Post, mode)
	if err != nil {
		return 0, nil, err
	}
	if spec.Paused {
		m.Pause(id)
	}
	return id, &a.hits, nil
}

func actionResult(name string) (hook.MetaResult, error) {
	switch name {
	case "recall", "ignore":
		return hook.ResIgnored, nil
	default:
		return hook.ParseMetaResult(name)
	}
}

// action is the delegate behind one plan hook.
type action[R, A any] struct {
	mgr    *hook.Manager[R, A]
	res    hook.MetaResult
	recall bool
	value  R
	args   *A
	hits   atomic.Int64
}

func (a *action[R, A]) run(ctx hook.HookContext, args A) R {
	a.hits.Add(1)
	if a.recall {
		if a.args != nil {
			args = *a.args
		}
		return a.mgr.Recall(ctx, a.res, a.value, args)
	}
	return hook.Return(ctx, a.res, a.value)
}
