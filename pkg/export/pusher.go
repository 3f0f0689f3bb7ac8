// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0
	exportTimeout  = 10 * time.Second
)

type target struct {
	exp     Exporter
	breaker *CircuitBreaker
}

// Pusher periodically collects metrics and pushes them to every exporter,
// retrying with exponential backoff behind a per-exporter circuit breaker.
type Pusher struct {
	logger   *zap.Logger
	targets  []target
	collect  func() []*Metric
	interval time.Duration
	backoff  time.Duration
	onResult func(ok bool)

	sent    atomic.Int64
	dropped atomic.Int64

	wg      sync.WaitGroup
	started atomic.Bool
	stopCh  chan struct{}
	once    sync.Once
}

// NewPusher creates a pusher. collect is called once per interval.
func NewPusher(exporters []Exporter, collect func() []*Metric, interval time.Duration, logger *zap.Logger) *Pusher {
	p := &Pusher{
		logger:   logger,
		collect:  collect,
		interval: interval,
		backoff:  initialBackoff,
		onResult: func(bool) {},
		stopCh:   make(chan struct{}),
	}
	for _, e := range exporters {
		p.targets = append(p.targets, target{exp: e, breaker: NewCircuitBreaker(5, 30*time.Second)})
	}
	return p
}

// OnResult registers a callback invoked after every push attempt sequence
// with whether it succeeded. Must be called before Start.
func (p *Pusher) OnResult(fn func(ok bool)) {
	p.onResult = fn
}

// Start begins the push loop.
func (p *Pusher) Start(ctx context.Context) {
	p.started.Store(true)
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("metric pusher started",
		zap.Int("exporters", len(p.targets)),
		zap.Duration("interval", p.interval),
	)
}

// Stop pushes a final batch, then shuts the exporters down. The batch is
// pushed by the loop if Start ran and directly otherwise. Safe to call
// more than once.
func (p *Pusher) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
		if p.started.Load() {
			p.wg.Wait()
		} else {
			p.Flush(context.Background())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, t := range p.targets {
			if err := t.exp.Shutdown(ctx); err != nil {
				p.logger.Warn("exporter shutdown failed", zap.Error(err))
			}
		}
	})
}

func (p *Pusher) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Flush(ctx)
		case <-p.stopCh:
			p.Flush(context.Background())
			return
		case <-ctx.Done():
			p.Flush(context.Background())
			return
		}
	}
}

// Flush collects once and pushes to every exporter.
func (p *Pusher) Flush(ctx context.Context) {
	metrics := p.collect()
	if len(metrics) == 0 {
		return
	}
	for _, t := range p.targets {
		ok := p.retryExport(ctx, t, metrics)
		if ok {
			p.sent.Add(int64(len(metrics)))
		}
		p.onResult(ok)
	}
}

// retryExport attempts an export with exponential backoff and circuit breaker.
func (p *Pusher) retryExport(ctx context.Context, t target, metrics []*Metric) bool {
	if !t.breaker.Allow() {
		p.dropped.Add(1)
		p.logger.Debug("circuit breaker open, dropping export")
		return false
	}

	backoff := p.backoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		exportCtx, cancel := context.WithTimeout(ctx, exportTimeout)
		err := t.exp.ExportMetrics(exportCtx, metrics)
		cancel()

		if err == nil {
			t.breaker.RecordSuccess()
			return true
		}

		t.breaker.RecordFailure()

		if attempt == maxRetries || !t.breaker.Allow() {
			p.logger.Error("export failed",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			p.dropped.Add(1)
			return false
		}

		p.logger.Warn("export failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			p.dropped.Add(1)
			return false
		}

		// Exponential backoff with cap
		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

// Stats returns the number of metrics sent and batches dropped.
func (p *Pusher) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}
