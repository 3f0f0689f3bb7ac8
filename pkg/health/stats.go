// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/vhook/pkg/memory"
	"github.com/shirou/gopsutil/v3/process"
)

// Stats tracks self-monitoring counters for the agent. It implements
// hostenv.Observer so the host environment can report hook activity
// directly.
type Stats struct {
	startTime time.Time

	HooksAdded    atomic.Int64
	HooksRemoved  atomic.Int64
	Dispatches    atomic.Int64
	Recalls       atomic.Int64
	PlanTicks     atomic.Int64
	Reloads       atomic.Int64
	ReloadsFailed atomic.Int64
	ExportsSent   atomic.Int64
	ExportsFailed atomic.Int64

	mu    sync.Mutex
	slots map[memory.Ptr]int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
		slots:     make(map[memory.Ptr]int64),
	}
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

func (s *Stats) HookAdded(int)   { s.HooksAdded.Add(1) }
func (s *Stats) HookRemoved(int) { s.HooksRemoved.Add(1) }

func (s *Stats) Dispatched(slot memory.Ptr) {
	s.Dispatches.Add(1)
	s.mu.Lock()
	s.slots[slot]++
	s.mu.Unlock()
}

func (s *Stats) Recalled(memory.Ptr) { s.Recalls.Add(1) }

// SlotCount is the number of dispatches seen through one vtable slot.
type SlotCount struct {
	Slot  memory.Ptr
	Count int64
}

// Snapshot returns a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds  float64
	Goroutines     int
	MemoryRSSBytes uint64
	Threads        int32
	HooksActive    int64
	HooksAdded     int64
	HooksRemoved   int64
	Dispatches     int64
	Recalls        int64
	PlanTicks      int64
	Reloads        int64
	ReloadsFailed  int64
	ExportsSent    int64
	ExportsFailed  int64
	Slots          []SlotCount
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: s.Uptime().Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HooksAdded:    s.HooksAdded.Load(),
		HooksRemoved:  s.HooksRemoved.Load(),
		Dispatches:    s.Dispatches.Load(),
		Recalls:       s.Recalls.Load(),
		PlanTicks:     s.PlanTicks.Load(),
		Reloads:       s.Reloads.Load(),
		ReloadsFailed: s.ReloadsFailed.Load(),
		ExportsSent:   s.ExportsSent.Load(),
		ExportsFailed: s.ExportsFailed.Load(),
	}
	snap.HooksActive = snap.HooksAdded - snap.HooksRemoved
	snap.MemoryRSSBytes, snap.Threads = processUsage()

	s.mu.Lock()
	for slot, n := range s.slots {
		snap.Slots = append(snap.Slots, SlotCount{Slot: slot, Count: n})
	}
	s.mu.Unlock()
	sort.Slice(snap.Slots, func(i, j int) bool { return snap.Slots[i].Slot < snap.Slots[j].Slot })
	return snap
}

// processUsage reads RSS and thread count for this process, falling back
// to the Go runtime's view when /proc is unavailable.
func processUsage() (uint64, int32) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			threads, _ := proc.NumThreads()
			return mem.RSS, threads
		}
	}
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return memStats.Sys, 0
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()
	return prometheusFormat(snap)
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "vhook_agent_uptime_seconds", "gauge", "Agent uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "vhook_agent_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "vhook_agent_memory_rss_bytes", "gauge", "Resident memory in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "vhook_agent_threads", "gauge", "OS threads", float64(snap.Threads))
	b = appendMetric(b, "vhook_hooks_active", "gauge", "Hooks currently registered", float64(snap.HooksActive))
	b = appendMetric(b, "vhook_hooks_added_total", "counter", "Total hooks added", float64(snap.HooksAdded))
	b = appendMetric(b, "vhook_hooks_removed_total", "counter", "Total hooks removed", float64(snap.HooksRemoved))
	b = appendMetric(b, "vhook_dispatches_total", "counter", "Total hooked calls dispatched", float64(snap.Dispatches))
	b = appendMetric(b, "vhook_recalls_total", "counter", "Total dispatches that recalled", float64(snap.Recalls))
	b = appendMetric(b, "vhook_plan_ticks_total", "counter", "Total plan ticks", float64(snap.PlanTicks))
	b = appendMetric(b, "vhook_reloads_total", "counter", "Total config reloads applied", float64(snap.Reloads))
	b = appendMetric(b, "vhook_reloads_failed_total", "counter", "Total config reloads rejected", float64(snap.ReloadsFailed))
	b = appendMetric(b, "vhook_exports_sent_total", "counter", "Total metric exports sent", float64(snap.ExportsSent))
	b = appendMetric(b, "vhook_exports_failed_total", "counter", "Total metric exports failed", float64(snap.ExportsFailed))

	if len(snap.Slots) > 0 {
		const name = "vhook_slot_dispatches_total"
		b = append(b, "# HELP "+name+" Dispatches per vtable slot\n"...)
		b = append(b, "# TYPE "+name+" counter\n"...)
		for _, sc := range snap.Slots {
			b = append(b, name+`{slot="`+sc.Slot.String()+`"} `...)
			b = appendFloat(b, float64(sc.Count))
			b = append(b, '\n')
		}
	}
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendFloat(b []byte, f float64) []byte {
	// Use simple formatting; avoid importing strconv for this
	if f == float64(int64(f)) {
		return append(b, []byte(intToStr(int64(f)))...)
	}
	// Use fmt-free float formatting for common cases
	return append(b, []byte(floatToStr(f))...)
}

func intToStr(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	buf := [20]byte{}
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte(n%10) + '0'
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func floatToStr(f float64) string {
	// Simple 6 decimal place formatting
	neg := f < 0
	if neg {
		f = -f
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 1000000)
	if frac < 0 {
		frac = -frac
	}

	s := intToStr(whole) + "."
	fracStr := intToStr(frac)
	// Pad to 6 digits
	for len(fracStr) < 6 {
		fracStr = "0" + fracStr
	}
	s += fracStr

	// Trim trailing zeros after decimal
	for len(s) > 1 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}

	if neg {
		s = "-" + s
	}
	return s
}
