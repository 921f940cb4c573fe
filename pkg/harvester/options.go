package harvester

import (
	"time"

	"github.com/PentesterFlow/ParamHarvest/internal/aggregate"
	"github.com/PentesterFlow/ParamHarvest/internal/logger"
	"github.com/PentesterFlow/ParamHarvest/internal/metrics"
	"github.com/PentesterFlow/ParamHarvest/internal/scope"
	"github.com/PentesterFlow/ParamHarvest/internal/state"
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine) error

// WithWorkers sets the number of extraction workers.
func WithWorkers(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			n = 1
		}
		e.config.Workers = n
		return nil
	}
}

// WithQueueSize sets the job queue capacity.
func WithQueueSize(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			n = 1
		}
		e.config.QueueSize = n
		return nil
	}
}

// WithDequeueTimeout sets how long idle workers wait for a job.
func WithDequeueTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		e.config.DequeueTimeout = d
		return nil
	}
}

// WithTargetHosts adds target hosts to the scope. Entries may be bare hosts
// or URLs.
func WithTargetHosts(hosts ...string) Option {
	return func(e *Engine) error {
		extra := scope.NewRuleBuilder().WithTargetHosts(hosts...).Build()
		e.config.Scope.TargetHosts = append(e.config.Scope.TargetHosts, extra.TargetHosts...)
		return nil
	}
}

// WithStateDir sets the persistence directory.
func WithStateDir(dir string) Option {
	return func(e *Engine) error {
		e.config.State.Dir = dir
		return nil
	}
}

// WithAutoSave sets the auto-save interval. Zero disables it.
func WithAutoSave(d time.Duration) Option {
	return func(e *Engine) error {
		e.config.State.AutoSave = d
		return nil
	}
}

// WithAST enables or disables the jsluice producer.
func WithAST(enabled bool) Option {
	return func(e *Engine) error {
		e.config.AST.Enabled = enabled
		return nil
	}
}

// WithDeriveQueryParams toggles derived query parameters.
func WithDeriveQueryParams(enabled bool) Option {
	return func(e *Engine) error {
		e.config.DeriveQueryParams = enabled
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) error {
		if l != nil {
			e.logger = l
		}
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) error {
		if m != nil {
			e.metrics = m
		}
		return nil
	}
}

// WithStore replaces the aggregation store.
func WithStore(s *aggregate.Store) Option {
	return func(e *Engine) error {
		if s != nil {
			e.store = s
		}
		return nil
	}
}

// WithSnapshotStore replaces the persistence backend chosen from the config.
func WithSnapshotStore(s state.SnapshotStore) Option {
	return func(e *Engine) error {
		e.snapshots = s
		return nil
	}
}
