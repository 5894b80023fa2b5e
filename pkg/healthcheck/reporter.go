package healthcheck

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink receives each aggregated result. The process wires it to the
// event bus's health topic; tests wire it to a capture function.
type Sink func(ctx context.Context, result *AggregatedResult) error

// Reporter periodically runs the engine's probes and forwards the
// aggregate to a sink.
type Reporter struct {
	engine   *Engine
	sink     Sink
	interval time.Duration
	logger   *zap.Logger
}

// NewReporter binds an engine to a sink. interval <= 0 defaults to one
// minute.
func NewReporter(engine *Engine, interval time.Duration, sink Sink, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		engine:   engine,
		sink:     sink,
		interval: interval,
		logger:   logger.With(zap.String("component", "health_reporter")),
	}
}

// Report runs every probe once and hands the aggregate to the sink.
func (r *Reporter) Report(ctx context.Context) error {
	result := r.engine.CheckAll(ctx)
	if r.sink != nil {
		if err := r.sink(ctx, result); err != nil {
			return err
		}
	}
	r.logger.Debug("health report delivered",
		zap.String("status", string(result.OverallStatus)),
		zap.Int("components", len(result.Components)))
	return nil
}

// Run reports on the configured interval until ctx is cancelled. A
// failed delivery is logged and the next tick tries again; the
// reporter never takes the process down over a bus hiccup.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Report(ctx); err != nil {
				r.logger.Warn("health report failed", zap.Error(err))
			}
		}
	}
}
