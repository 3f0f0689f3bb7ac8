// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/mbeema/vhook/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor
	"google.golang.org/grpc/metadata"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

var errExporterClosed = errors.New("otlp exporter closed")

// OTLPExporter pushes hook metrics to a collector over OTLP gRPC. The
// client connection redials on its own after transient failures.
type OTLPExporter struct {
	logger   *zap.Logger
	endpoint string
	headers  metadata.MD
	resource *resourcepb.Resource

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client colmetricspb.MetricsServiceClient
}

// NewOTLPExporter creates the exporter. The connection is established
// lazily; an unreachable collector does not fail here.
func NewOTLPExporter(cfg *config.OTLPConfig, serviceName, serviceVersion string, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	conn, err := grpc.Dial(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial OTLP endpoint %s: %w", cfg.Endpoint, err)
	}

	logger.Info("otlp exporter configured", zap.String("endpoint", cfg.Endpoint))
	return &OTLPExporter{
		logger:   logger,
		endpoint: cfg.Endpoint,
		headers:  metadata.New(cfg.Headers),
		resource: agentResource(serviceName, serviceVersion),
		conn:     conn,
		client:   colmetricspb.NewMetricsServiceClient(conn),
	}, nil
}

func agentResource(name, version string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	attrs := []*commonpb.KeyValue{
		strAttr("service.name", name),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, os.Getpid())),
		strAttr("host.name", hostname),
	}
	if version != "" {
		attrs = append(attrs, strAttr("service.version", version))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

// ExportMetrics sends one batch as a single ResourceMetrics.
func (e *OTLPExporter) ExportMetrics(ctx context.Context, metrics []*Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return errExporterClosed
	}

	pms := make([]*metricspb.Metric, 0, len(metrics))
	for _, m := range metrics {
		pms = append(pms, convertMetric(m))
	}
	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: e.resource,
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Scope:   &commonpb.InstrumentationScope{Name: "vhook"},
				Metrics: pms,
			}},
		}},
	}

	if len(e.headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, e.headers)
	}
	if _, err := client.Export(ctx, req); err != nil {
		return fmt.Errorf("export to %s: %w", e.endpoint, err)
	}
	return nil
}

func convertMetric(m *Metric) *metricspb.Metric {
	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, strAttr(k, m.Labels[k]))
	}

	dp := &metricspb.NumberDataPoint{
		TimeUnixNano: uint64(m.Timestamp.UnixNano()),
		Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
		Attributes:   attrs,
	}

	pm := &metricspb.Metric{Name: m.Name, Description: m.Description, Unit: m.Unit}
	switch m.Type {
	case MetricGauge:
		pm.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{DataPoints: []*metricspb.NumberDataPoint{dp}}}
	case MetricCounter:
		if !m.StartTime.IsZero() {
			dp.StartTimeUnixNano = uint64(m.StartTime.UnixNano())
		}
		pm.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			IsMonotonic:            true,
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			DataPoints:             []*metricspb.NumberDataPoint{dp},
		}}
	}
	return pm
}

// Shutdown closes the gRPC connection. Later exports fail.
func (e *OTLPExporter) Shutdown(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn, e.client = nil, nil
	return err
}
