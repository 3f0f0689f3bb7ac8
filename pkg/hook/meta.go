// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "fmt"

// MetaResult is the outcome a hook reports for one call. The values are
// totally ordered; a dispatch keeps the maximum it has seen.
type MetaResult int

const (
	// ResUnset is never reported by a hook; it marks untouched storage.
	ResUnset MetaResult = iota
	// ResIgnored means the hook did nothing relevant.
	ResIgnored
	// ResHandled means the hook acted but the result stays the original's.
	ResHandled
	// ResOverride replaces the return value; the original still runs.
	ResOverride
	// ResSupersede replaces the return value and skips the original.
	ResSupersede
)

func (r MetaResult) String() string {
	switch r {
	case ResUnset:
		return "unset"
	case ResIgnored:
		return "ignored"
	case ResHandled:
		return "handled"
	case ResOverride:
		return "override"
	case ResSupersede:
		return "supersede"
	default:
		return fmt.Sprintf("MetaResult(%d)", int(r))
	}
}

// ParseMetaResult maps a name produced by String back to its value.
func ParseMetaResult(s string) (MetaResult, error) {
	for r := ResIgnored; r <= ResSupersede; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return ResUnset, fmt.Errorf("unknown meta result %q", s)
}
