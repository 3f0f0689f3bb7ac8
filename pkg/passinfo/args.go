// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package passinfo

import "reflect"

// Argument lists are tuple structs. Each field is one parameter in call
// order. A type that is not a tuple is treated as a single parameter.

type argList interface {
	argList()
}

var argListType = reflect.TypeOf((*argList)(nil)).Elem()

type NoArgs struct{}

type Args1[T1 any] struct {
	A1 T1
}

type Args2[T1, T2 any] struct {
	A1 T1
	A2 T2
}

type Args3[T1, T2, T3 any] struct {
	A1 T1
	A2 T2
	A3 T3
}

type Args4[T1, T2, T3, T4 any] struct {
	A1 T1
	A2 T2
	A3 T3
	A4 T4
}

type Args5[T1, T2, T3, T4, T5 any] struct {
	A1 T1
	A2 T2
	A3 T3
	A4 T4
	A5 T5
}

type Args6[T1, T2, T3, T4, T5, T6 any] struct {
	A1 T1
	A2 T2
	A3 T3
	A4 T4
	A5 T5
	A6 T6
}

func (NoArgs) argList()                        {}
func (Args1[T1]) argList()                     {}
func (Args2[T1, T2]) argList()                 {}
func (Args3[T1, T2, T3]) argList()             {}
func (Args4[T1, T2, T3, T4]) argList()         {}
func (Args5[T1, T2, T3, T4, T5]) argList()     {}
func (Args6[T1, T2, T3, T4, T5, T6]) argList() {}

func paramsOf(t reflect.Type) []PassInfo {
	if t.Kind() == reflect.Struct && t.Implements(argListType) {
		if t.NumField() == 0 {
			return nil
		}
		params := make([]PassInfo, t.NumField())
		for i := range params {
			params[i] = Of(t.Field(i).Type)
		}
		return params
	}
	return []PassInfo{Of(t)}
}
