// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// StdoutExporter prints metrics for debugging.
type StdoutExporter struct {
	format string // "text" or "json"

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string) *StdoutExporter {
	return NewWriterExporter(os.Stdout, format)
}

// NewWriterExporter prints to w instead of stdout.
func NewWriterExporter(w io.Writer, format string) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{format: format, out: w}
}

// ExportMetrics prints one line per metric.
func (e *StdoutExporter) ExportMetrics(_ context.Context, metrics []*Metric) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range metrics {
		if e.format == "json" {
			b, err := json.Marshal(map[string]interface{}{
				"type":   "metric",
				"name":   m.Name,
				"value":  m.Value,
				"unit":   m.Unit,
				"labels": m.Labels,
				"time":   m.Timestamp.Format(time.RFC3339Nano),
			})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(e.out, string(b)); err != nil {
				return err
			}
			continue
		}

		if _, err := fmt.Fprintf(e.out, "[METRIC] %-28s %12g %s%s\n", m.Name, m.Value, m.Unit, formatLabels(m.Labels)); err != nil {
			return err
		}
	}
	return nil
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, labels[k])
	}
	return b.String()
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(_ context.Context) error {
	return nil
}
