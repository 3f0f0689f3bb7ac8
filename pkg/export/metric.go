// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"time"

	"github.com/mbeema/vhook/pkg/health"
)

// Metric represents a metric data point for export.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	Timestamp   time.Time
	StartTime   time.Time // Start of the cumulative window for counters
	Labels      map[string]string
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	MetricGauge MetricType = iota
	MetricCounter
)

// Exporter sends metric batches to a backend.
type Exporter interface {
	ExportMetrics(ctx context.Context, metrics []*Metric) error
	Shutdown(ctx context.Context) error
}

// FromSnapshot converts agent stats into metrics. Counters are cumulative
// since start.
func FromSnapshot(snap health.Snapshot, start, now time.Time) []*Metric {
	gauge := func(name, unit, desc string, v float64) *Metric {
		return &Metric{Name: name, Unit: unit, Description: desc, Type: MetricGauge, Value: v, Timestamp: now}
	}
	counter := func(name, desc string, v int64) *Metric {
		return &Metric{Name: name, Unit: "{call}", Description: desc, Type: MetricCounter, Value: float64(v), Timestamp: now, StartTime: start}
	}

	metrics := []*Metric{
		gauge("process.memory.usage", "By", "Resident memory", float64(snap.MemoryRSSBytes)),
		gauge("process.thread.count", "{thread}", "OS threads", float64(snap.Threads)),
		gauge("vhook.hooks.active", "{hook}", "Hooks currently registered", float64(snap.HooksActive)),
		counter("vhook.hooks.added", "Hooks added", snap.HooksAdded),
		counter("vhook.hooks.removed", "Hooks removed", snap.HooksRemoved),
		counter("vhook.dispatches", "Hooked calls dispatched", snap.Dispatches),
		counter("vhook.recalls", "Dispatches that recalled", snap.Recalls),
		counter("vhook.plan.ticks", "Plan ticks", snap.PlanTicks),
	}
	for _, sc := range snap.Slots {
		m := counter("vhook.slot.dispatches", "Dispatches per vtable slot", sc.Count)
		m.Labels = map[string]string{"slot": sc.Slot.String()}
		metrics = append(metrics, m)
	}
	return metrics
}
