// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package plan

import (
	"fmt"

	"github.com/mbeema/vhook/pkg/config"
	"github.com/mbeema/vhook/pkg/memory"
	"github.com/mbeema/vhook/pkg/passinfo"
)

// Entity vtable layout.
const (
	IdxGetHealth = iota
	IdxTakeDamage
	IdxSetName
	IdxThink
)

// Entity object layout, in bytes from the object base.
const (
	offHealth  = 8
	offNamePtr = 16
	offNameLen = 24
	offThinks  = 32
	entitySize = 40
)

// World owns the Entity class (its vtable and method implementations) and
// the live instances, all inside one address space.
type World struct {
	space  *memory.Space
	vtable memory.Ptr

	entities []*Entity
	byName   map[string]*Entity
}

// Entity is one instance of the sample class.
type Entity struct {
	Name  string
	This  memory.Ptr
	world *World
}

// NewWorld registers the Entity class in space.
func NewWorld(space *memory.Space) (*World, error) {
	w := &World{space: space, byName: make(map[string]*Entity)}

	vt, err := space.NewVTable(
		func(this memory.Ptr, _ passinfo.NoArgs) int { return w.health(this) },
		func(this memory.Ptr, a passinfo.Args1[int]) int { return w.takeDamage(this, a.A1) },
		func(this memory.Ptr, a passinfo.Args1[string]) passinfo.Void {
			w.setName(this, a.A1)
			return passinfo.Void{}
		},
		func(this memory.Ptr, _ passinfo.NoArgs) passinfo.Void {
			w.think(this)
			return passinfo.Void{}
		},
	)
	if err != nil {
		return nil, fmt.Errorf("entity vtable: %w", err)
	}
	w.vtable = vt
	return w, nil
}

// Space returns the world's address space.
func (w *World) Space() *memory.Space { return w.space }

// VTable returns the address of the Entity vtable.
func (w *World) VTable() memory.Ptr { return w.vtable }

// Spawn creates an entity with the given name and health.
func (w *World) Spawn(name string, health int) (*Entity, error) {
	if _, ok := w.byName[name]; ok {
		return nil, fmt.Errorf("entity %q already exists", name)
	}
	this, err := w.space.NewObject(entitySize, memory.VPtr{Offset: 0, VTable: w.vtable})
	if err != nil {
		return nil, fmt.Errorf("spawn %q: %w", name, err)
	}
	if err := w.space.StoreWord(this.Add(offHealth), uint64(int64(health))); err != nil {
		return nil, err
	}
	w.setName(this, name)

	e := &Entity{Name: name, This: this, world: w}
	w.entities = append(w.entities, e)
	w.byName[name] = e
	return e, nil
}

// Sync spawns entities listed in specs that do not exist yet. Existing
// entities keep their state; entities no longer listed leave the roster but
// their memory stays allocated.
func (w *World) Sync(specs []config.EntitySpec) error {
	keep := make(map[string]bool, len(specs))
	for _, s := range specs {
		keep[s.Name] = true
		if _, ok := w.byName[s.Name]; ok {
			continue
		}
		if _, err := w.Spawn(s.Name, s.Health); err != nil {
			return err
		}
	}

	var roster []*Entity
	for _, e := range w.entities {
		if keep[e.Name] {
			roster = append(roster, e)
		} else {
			delete(w.byName, e.Name)
		}
	}
	w.entities = roster
	return nil
}

// Entity returns the named entity, or the first one if name is empty.
func (w *World) Entity(name string) (*Entity, bool) {
	if name == "" {
		if len(w.entities) == 0 {
			return nil, false
		}
		return w.entities[0], true
	}
	e, ok := w.byName[name]
	return e, ok
}

// Entities returns the roster in spawn order.
func (w *World) Entities() []*Entity {
	return append([]*Entity(nil), w.entities...)
}

// Frame is one entity's state after a tick.
type Frame struct {
	Entity string
	Health int
}

// Tick runs one host frame: every entity thinks, then reports its health,
// both through the vtable.
func (w *World) Tick() ([]Frame, error) {
	frames := make([]Frame, 0, len(w.entities))
	for _, e := range w.entities {
		if err := e.Think(); err != nil {
			return frames, fmt.Errorf("%s think: %w", e.Name, err)
		}
		h, err := e.GetHealth()
		if err != nil {
			return frames, fmt.Errorf("%s get health: %w", e.Name, err)
		}
		frames = append(frames, Frame{Entity: e.Name, Health: h})
	}
	return frames, nil
}

func (w *World) health(this memory.Ptr) int {
	v, err := w.space.LoadWord(this.Add(offHealth))
	if err != nil {
		return 0
	}
	return int(int64(v))
}

func (w *World) takeDamage(this memory.Ptr, dmg int) int {
	h := w.health(this) - dmg
	if h < 0 {
		h = 0
	}
	w.space.StoreWord(this.Add(offHealth), uint64(int64(h)))
	return h
}

func (w *World) setName(this memory.Ptr, name string) {
	var p memory.Ptr
	if len(name) > 0 {
		var err error
		if p, err = w.space.Alloc(len(name)); err != nil {
			return
		}
		if err := w.space.Write(p, []byte(name)); err != nil {
			return
		}
	}
	w.space.StoreWord(this.Add(offNamePtr), uint64(p))
	w.space.StoreWord(this.Add(offNameLen), uint64(len(name)))
}

func (w *World) name(this memory.Ptr) string {
	n, err := w.space.LoadWord(this.Add(offNameLen))
	if err != nil || n == 0 {
		return ""
	}
	p, err := w.space.LoadWord(this.Add(offNamePtr))
	if err != nil {
		return ""
	}
	b, err := w.space.Read(memory.Ptr(p), int(n))
	if err != nil {
		return ""
	}
	return string(b)
}

func (w *World) think(this memory.Ptr) {
	n, _ := w.space.LoadWord(this.Add(offThinks))
	w.space.StoreWord(this.Add(offThinks), n+1)
}

// GetHealth calls Entity::GetHealth through the vtable.
func (e *Entity) GetHealth() (int, error) {
	return memory.CallVirtual[int, passinfo.NoArgs](e.world.space, e.This, 0, IdxGetHealth, passinfo.NoArgs{})
}

// TakeDamage calls Entity::TakeDamage through the vtable.
func (e *Entity) TakeDamage(dmg int) (int, error) {
	return memory.CallVirtual[int, passinfo.Args1[int]](e.world.space, e.This, 0, IdxTakeDamage, passinfo.Args1[int]{A1: dmg})
}

// SetName calls Entity::SetName through the vtable.
func (e *Entity) SetName(name string) error {
	_, err := memory.CallVirtual[passinfo.Void, passinfo.Args1[string]](e.world.space, e.This, 0, IdxSetName, passinfo.Args1[string]{A1: name})
	return err
}

// Think calls Entity::Think through the vtable.
func (e *Entity) Think() error {
	_, err := memory.CallVirtual[passinfo.Void, passinfo.NoArgs](e.world.space, e.This, 0, IdxThink, passinfo.NoArgs{})
	return err
}

// Health reads the health field directly, bypassing the vtable.
func (e *Entity) Health() int { return e.world.health(e.This) }

// StoredName reads the name field directly, bypassing the vtable.
func (e *Entity) StoredName() string { return e.world.name(e.This) }

// Thinks returns how many times the original Think ran.
func (e *Entity) Thinks() uint64 {
	n, _ := e.world.space.LoadWord(e.This.Add(offThinks))
	return n
}
