// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package passinfo

import (
	"encoding/binary"
	"fmt"
)

// Wire layout, little endian:
//
//	header (8 bytes):  version u16 | convention u16 | nparams u32
//	entry  (12 bytes): size u32 | kind u32 | flags u32
//
// The return value entry comes first, followed by the parameters.
const (
	HeaderSize = 8
	EntrySize  = 12
)

// MaxParams bounds the parameter count accepted by ParseProto.
const MaxParams = 64

// MarshalBinary encodes the table in its binary-stable form.
func (p *Proto) MarshalBinary() ([]byte, error) {
	if len(p.Params) > MaxParams {
		return nil, fmt.Errorf("too many parameters: %d > %d", len(p.Params), MaxParams)
	}
	buf := make([]byte, HeaderSize+EntrySize*(len(p.Params)+1))
	binary.LittleEndian.PutUint16(buf[0:2], p.Version)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(p.Convention))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(p.Params)))

	putEntry(buf[HeaderSize:], p.Ret)
	for i, pi := range p.Params {
		putEntry(buf[HeaderSize+EntrySize*(i+1):], pi)
	}
	return buf, nil
}

func putEntry(b []byte, pi PassInfo) {
	binary.LittleEndian.PutUint32(b[0:4], pi.Size)
	binary.LittleEndian.PutUint32(b[4:8], uint32(pi.Kind))
	binary.LittleEndian.PutUint32(b[8:12], uint32(pi.Flags))
}

func parseEntry(b []byte) PassInfo {
	return PassInfo{
		Size:  binary.LittleEndian.Uint32(b[0:4]),
		Kind:  Kind(binary.LittleEndian.Uint32(b[4:8])),
		Flags: Flags(binary.LittleEndian.Uint32(b[8:12])),
	}
}

// ParseProto decodes a table written by MarshalBinary.
func ParseProto(buf []byte) (*Proto, error) {
	if len(buf) < HeaderSize+EntrySize {
		return nil, fmt.Errorf("buffer too small: %d < %d", len(buf), HeaderSize+EntrySize)
	}

	n := binary.LittleEndian.Uint32(buf[4:8])
	if n > MaxParams {
		return nil, fmt.Errorf("too many parameters: %d > %d", n, MaxParams)
	}
	need := HeaderSize + EntrySize*(int(n)+1)
	if len(buf) < need {
		return nil, fmt.Errorf("table truncated: have %d, need %d", len(buf), need)
	}

	p := &Proto{
		Version:    binary.LittleEndian.Uint16(buf[0:2]),
		Convention: Convention(binary.LittleEndian.Uint16(buf[2:4])),
		Ret:        parseEntry(buf[HeaderSize:]),
	}
	if n > 0 {
		p.Params = make([]PassInfo, n)
		for i := range p.Params {
			p.Params[i] = parseEntry(buf[HeaderSize+EntrySize*(i+1):])
		}
	}
	return p, nil
}
