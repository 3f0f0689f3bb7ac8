// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/vhook/pkg/config"
	"github.com/mbeema/vhook/pkg/export"
	"github.com/mbeema/vhook/pkg/health"
	"github.com/mbeema/vhook/pkg/hook"
	"github.com/mbeema/vhook/pkg/hostenv"
	"github.com/mbeema/vhook/pkg/memory"
	"github.com/mbeema/vhook/pkg/plan"
	"go.uber.org/zap"
)

// PluginID is the plugin identity the agent registers its hooks under.
const PluginID hook.PluginID = 1

// Agent wires the address space, host environment, hook plan and the
// self-monitoring surfaces together.
// Config is stored as atomic pointer, safe for concurrent access.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	version string

	space        *memory.Space
	env          *hostenv.Env
	world        *plan.World
	plan         *plan.Plan
	healthServer *health.Server
	healthStats  *health.Stats
	pusher       *export.Pusher

	// mu serializes plan changes with ticks.
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// New builds an agent from cfg. Hooks listed in an enabled plan are
// installed immediately; a hook the host rejects fails construction.
func New(cfg *config.Config, version string, logger *zap.Logger) (*Agent, error) {
	a := &Agent{logger: logger, version: version}
	a.cfg.Store(cfg)

	space, err := memory.NewSpace(cfg.Memory.HeapSize, cfg.Memory.RodataSize)
	if err != nil {
		return nil, fmt.Errorf("create address space: %w", err)
	}
	a.space = space

	a.healthStats = health.NewStats()
	a.env = hostenv.New(space, logger.Named("host"),
		hostenv.WithObserver(a.healthStats),
		hostenv.WithVersions(cfg.Host.IfaceVersion, cfg.Host.ImplVersion),
	)

	if a.world, err = plan.NewWorld(space); err != nil {
		a.teardown()
		return nil, err
	}
	if err := a.world.Sync(cfg.Plan.Entities); err != nil {
		a.teardown()
		return nil, err
	}
	a.plan = plan.New(a.env, a.world, PluginID, logger.Named("plan"))

	if cfg.Plan.Enabled {
		if err := a.plan.Apply(cfg.Plan.Hooks); err != nil {
			a.teardown()
			return nil, fmt.Errorf("apply plan: %w", err)
		}
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, version, a.healthStats, logger.Named("health"))
		a.healthServer.SetHookSource(a.env)
	}

	exporters, err := a.buildExporters(cfg)
	if err != nil {
		a.teardown()
		return nil, err
	}
	if len(exporters) > 0 {
		start := time.Now()
		a.pusher = export.NewPusher(exporters, func() []*export.Metric {
			return export.FromSnapshot(a.healthStats.Snapshot(), start, time.Now())
		}, cfg.Exporters.OTLP.Interval, logger.Named("export"))
		a.pusher.OnResult(func(ok bool) {
			if ok {
				a.healthStats.ExportsSent.Add(1)
			} else {
				a.healthStats.ExportsFailed.Add(1)
			}
		})
	}

	return a, nil
}

func (a *Agent) buildExporters(cfg *config.Config) ([]export.Exporter, error) {
	var exporters []export.Exporter
	if cfg.Exporters.OTLP.Enabled {
		e, err := export.NewOTLPExporter(&cfg.Exporters.OTLP, cfg.ServiceName, a.version, a.logger.Named("otlp"))
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		exporters = append(exporters, e)
	}
	if cfg.Exporters.Stdout.Enabled {
		exporters = append(exporters, export.NewStdoutExporter(cfg.Exporters.Stdout.Format))
	}
	return exporters, nil
}

// Start launches the health server, the exporter and the tick loop.
func (a *Agent) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.ctx = ctx
	a.cancel = cancel

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start health server: %w", err)
		}
	}

	if a.pusher != nil {
		a.pusher.Start(ctx)
	}

	a.wg.Add(1)
	go a.tickLoop(ctx)

	if a.healthServer != nil {
		a.healthServer.SetReady(true)
	}

	cfg := a.cfg.Load()
	a.logger.Info("agent started",
		zap.Int("entities", len(a.world.Entities())),
		zap.Int("hooks", len(a.plan.Installed())),
		zap.Int("patched_slots", a.env.PatchedSlots()),
		zap.Bool("plan", cfg.Plan.Enabled),
	)
	return nil
}

// tickLoop drives the host frame loop. The interval is re-read every
// frame so reloads take effect without a restart.
func (a *Agent) tickLoop(ctx context.Context) {
	defer a.wg.Done()

	timer := time.NewTimer(a.cfg.Load().Plan.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			cfg := a.cfg.Load()
			if cfg.Plan.Enabled {
				if _, err := a.Tick(); err != nil {
					a.logger.Warn("tick failed", zap.Error(err))
				}
			}
			timer.Reset(cfg.Plan.Interval)
		}
	}
}

// Tick runs one host frame and returns the entity states.
func (a *Agent) Tick() ([]plan.Frame, error) {
	a.mu.Lock()
	frames, err := a.world.Tick()
	a.mu.Unlock()

	a.healthStats.PlanTicks.Add(1)
	if ce := a.logger.Check(zap.DebugLevel, "tick"); ce != nil {
		fields := make([]zap.Field, 0, len(frames))
		for _, f := range frames {
			fields = append(fields, zap.Int(f.Entity, f.Health))
		}
		ce.Write(fields...)
	}
	return frames, err
}

// Stop shuts down all subsystems, removes every hook and unmaps the
// address space.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
	}

	if a.pusher != nil {
		a.pusher.Stop()
	}

	snap := a.healthStats.Snapshot()
	a.teardown()

	a.logger.Info("agent stopped",
		zap.Int64("dispatches", snap.Dispatches),
		zap.Int64("recalls", snap.Recalls),
		zap.Int64("hooks_added", snap.HooksAdded),
		zap.Int64("ticks", snap.PlanTicks),
	)
	return nil
}

// teardown releases the core in dependency order.
func (a *Agent) teardown() {
	if a.plan != nil {
		a.plan.Close()
	}
	if a.healthServer != nil {
		a.healthServer.SetHookSource(nil)
	}
	if a.env != nil {
		a.env.Close()
	}
	if a.space != nil {
		if err := a.space.Close(); err != nil {
			a.logger.Warn("unmap address space", zap.Error(err))
		}
	}
}

// Reload applies a new plan. Every manager is detached first, so hooks of
// the old plan never run alongside hooks of the new one. If the new plan
// fails to apply, the old plan is restored and the error returned.
// Memory and host settings only take effect on restart.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return fmt.Errorf("agent stopped")
	}

	oldCfg := a.cfg.Load()
	if cfg.Memory != oldCfg.Memory || cfg.Host != oldCfg.Host {
		a.logger.Warn("memory and host settings require a restart; keeping current values")
		next := *cfg
		next.Memory = oldCfg.Memory
		next.Host = oldCfg.Host
		cfg = &next
	}

	if err := a.world.Sync(cfg.Plan.Entities); err != nil {
		a.healthStats.ReloadsFailed.Add(1)
		return fmt.Errorf("sync entities: %w", err)
	}

	a.plan.Reset()
	if cfg.Plan.Enabled {
		if err := a.plan.Apply(cfg.Plan.Hooks); err != nil {
			a.healthStats.ReloadsFailed.Add(1)
			a.logger.Error("new plan rejected, restoring previous plan", zap.Error(err))
			a.plan.Reset()
			if err := a.world.Sync(oldCfg.Plan.Entities); err != nil {
				a.logger.Error("restore entities failed", zap.Error(err))
			}
			if oldCfg.Plan.Enabled {
				if rerr := a.plan.Apply(oldCfg.Plan.Hooks); rerr != nil {
					a.logger.Error("restore previous plan failed", zap.Error(rerr))
				}
			}
			return fmt.Errorf("apply plan: %w", err)
		}
	}

	a.cfg.Store(cfg)
	a.healthStats.Reloads.Add(1)

	a.logger.Info("configuration reloaded",
		zap.Bool("plan", cfg.Plan.Enabled),
		zap.Int("entities", len(a.world.Entities())),
		zap.Int("hooks", len(a.plan.Installed())),
		zap.Duration("interval", cfg.Plan.Interval),
	)
	return nil
}

// Config returns the active configuration.
func (a *Agent) Config() *config.Config { return a.cfg.Load() }

// Env returns the host environment.
func (a *Agent) Env() *hostenv.Env { return a.env }

// Plan returns the active hook plan.
func (a *Agent) Plan() *plan.Plan { return a.plan }

// Stats returns the agent's self-monitoring counters.
func (a *Agent) Stats() *health.Stats { return a.healthStats }
