// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package passinfo derives binary-stable descriptions of a method
// signature: one PassInfo per parameter plus one for the return value.
// The host compares these tables to decide whether a hook manager's
// compiled expectations agree with the slot it wants to patch.
package passinfo

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Kind is the transfer category of a value.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindBasic
	KindFloat
	KindObject
	KindPointer
)

func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindBasic:
		return "basic"
	case KindFloat:
		return "float"
	case KindObject:
		return "object"
	case KindPointer:
		return "pointer"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Flags are auxiliary ABI hints.
type Flags uint32

const (
	FlagByVal    Flags = 1 << 0
	FlagByRef    Flags = 1 << 1
	FlagODtor    Flags = 1 << 2
	FlagOCtor    Flags = 1 << 3
	FlagAssignOp Flags = 1 << 4
	FlagCCtor    Flags = 1 << 5
	FlagRetMem   Flags = 1 << 6
	FlagRetReg   Flags = 1 << 7
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagByVal, "byval"},
	{FlagByRef, "byref"},
	{FlagODtor, "odtor"},
	{FlagOCtor, "octor"},
	{FlagAssignOp, "assignop"},
	{FlagCCtor, "cctor"},
	{FlagRetMem, "retmem"},
	{FlagRetReg, "retreg"},
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// PassInfo describes how one value crosses the call boundary.
type PassInfo struct {
	Size  uint32
	Kind  Kind
	Flags Flags
}

// IsVoid reports whether p is the void sentinel.
func (p PassInfo) IsVoid() bool {
	return p == PassInfo{}
}

func (p PassInfo) String() string {
	if p.IsVoid() {
		return "void"
	}
	return fmt.Sprintf("%s/%d[%s]", p.Kind, p.Size, p.Flags)
}

// Void is the return type of methods that return nothing.
type Void struct{}

// Copier marks object types with a user-defined copy. Such objects are
// passed with CCtor and AssignOp set.
type Copier interface {
	CopyObject() any
}

// Destroyer marks object types with a destructor.
type Destroyer interface {
	Destroy()
}

var (
	voidType      = reflect.TypeOf(Void{})
	copierType    = reflect.TypeOf((*Copier)(nil)).Elem()
	destroyerType = reflect.TypeOf((*Destroyer)(nil)).Elem()
)

const wordSize = 8

// Of describes a value of type t passed as a parameter.
func Of(t reflect.Type) PassInfo {
	if t == nil || t == voidType {
		return PassInfo{}
	}
	p := PassInfo{Size: uint32(t.Size()), Kind: kindOf(t), Flags: FlagByVal}
	if p.Kind == KindObject {
		p.Flags |= objectFlags(t)
	}
	return p
}

// ReturnOf describes a value of type t used as a return value.
func ReturnOf(t reflect.Type) PassInfo {
	p := Of(t)
	if p.IsVoid() {
		return p
	}
	if p.Kind == KindObject && (p.Flags&(FlagCCtor|FlagODtor) != 0 || p.Size > 2*wordSize) {
		p.Flags |= FlagRetMem
	} else {
		p.Flags |= FlagRetReg
	}
	return p
}

func kindOf(t reflect.Type) Kind {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return KindBasic
	case reflect.Float32, reflect.Float64:
		return KindFloat
	case reflect.Pointer, reflect.UnsafePointer, reflect.Func, reflect.Map, reflect.Chan:
		return KindPointer
	case reflect.Struct, reflect.Array, reflect.String, reflect.Slice, reflect.Interface,
		reflect.Complex64, reflect.Complex128:
		return KindObject
	default:
		return KindUnknown
	}
}

func objectFlags(t reflect.Type) Flags {
	var f Flags
	if t.Implements(copierType) || reflect.PointerTo(t).Implements(copierType) {
		f |= FlagCCtor | FlagAssignOp
	}
	if t.Implements(destroyerType) || reflect.PointerTo(t).Implements(destroyerType) {
		f |= FlagODtor
	}
	return f
}

// Convention identifies the calling convention a Proto assumes.
type Convention uint16

// ConventionThisCall passes the adjusted object pointer first.
const ConventionThisCall Convention = 0

// ProtoVersion is the layout version written by MarshalBinary.
const ProtoVersion uint16 = 2

// Proto is the type descriptor table of a signature. It is immutable once
// built; callers must not modify Params.
type Proto struct {
	Version    uint16
	Convention Convention
	Ret        PassInfo
	Params     []PassInfo
}

// NumParams returns the number of parameters.
func (p *Proto) NumParams() int {
	return len(p.Params)
}

// Equal reports whether two tables describe the same signature.
func (p *Proto) Equal(o *Proto) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Convention != o.Convention || p.Ret != o.Ret || len(p.Params) != len(o.Params) {
		return false
	}
	for i := range p.Params {
		if p.Params[i] != o.Params[i] {
			return false
		}
	}
	return true
}

func (p *Proto) String() string {
	params := make([]string, len(p.Params))
	for i, pi := range p.Params {
		params[i] = pi.String()
	}
	return fmt.Sprintf("(%s) %s", strings.Join(params, ", "), p.Ret)
}

var protoCache sync.Map // map[[2]reflect.Type]*Proto

// ProtoOf returns the table for return type R and argument list A. Tables
// are generated on first use and shared afterward.
func ProtoOf[R, A any]() *Proto {
	key := [2]reflect.Type{typeOf[R](), typeOf[A]()}
	if p, ok := protoCache.Load(key); ok {
		return p.(*Proto)
	}
	p := &Proto{
		Version:    ProtoVersion,
		Convention: ConventionThisCall,
		Ret:        ReturnOf(key[0]),
		Params:     paramsOf(key[1]),
	}
	actual, _ := protoCache.LoadOrStore(key, p)
	return actual.(*Proto)
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
