package proactive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source is an external event poller (weather, news, calendar). Adapters
// implement this; the monitor owns scheduling and error isolation.
type Source interface {
	Name() string
	Poll(ctx context.Context) ([]ExternalEvent, error)
}

// SourceConfig enables a source and sets its poll interval.
type SourceConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Monitor polls enabled sources on their intervals and feeds events to the
// proactive engine. Source failures are logged, never propagated.
type Monitor struct {
	engine  *Engine
	sources []Source
	configs map[string]SourceConfig
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates an external event monitor.
func NewMonitor(engine *Engine, sources []Source, configs map[string]SourceConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{engine: engine, sources: sources, configs: configs, logger: logger}
}

// Start launches one poll loop per enabled source.
func (m *Monitor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	for _, src := range m.sources {
		cfg, ok := m.configs[src.Name()]
		if !ok || !cfg.Enabled {
			m.logger.Info("Event source disabled", zap.String("source", src.Name()))
			continue
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		m.wg.Add(1)
		go m.pollLoop(ctx, src, interval)
	}
}

// Stop halts all poll loops.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) pollLoop(ctx context.Context, src Source, interval time.Duration) {
	defer m.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in event source poll loop",
				zap.String("source", src.Name()),
				zap.Any("panic", r),
				zap.Stack("stacktrace"))
		}
	}()

	m.logger.Info("Event source polling",
		zap.String("source", src.Name()),
		zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := src.Poll(ctx)
			if err != nil {
				m.logger.Warn("Event source poll failed",
					zap.String("source", src.Name()), zap.Error(err))
				continue
			}
			for _, ev := range events {
				if ev.Source == "" {
					ev.Source = src.Name()
				}
				if err := m.engine.HandleExternalEvent(ctx, ev); err != nil {
					m.logger.Warn("Failed to handle external event",
						zap.String("source", src.Name()), zap.Error(err))
				}
			}
		}
	}
}
