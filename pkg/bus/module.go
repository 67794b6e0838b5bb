// Package bus assembles a bus process with fx: logger, metrics, process
// lifecycle, topic registry and the optional cross-host bridge.
package bus

import (
	"context"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/bridge"
	"github.com/DeBrosOfficial/shmbus/pkg/config"
	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/lifecycle"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
	"github.com/DeBrosOfficial/shmbus/pkg/metrics"
	"github.com/DeBrosOfficial/shmbus/pkg/registry"
)

// Module returns the fx module for cfg. Invalid configurations fail the app
// with every validation error.
func Module(cfg *config.Config) fx.Option {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return fx.Error(errors.Wrap(multierr.Combine(errs...), "invalid bus configuration"))
	}

	return fx.Module("shmbus",
		fx.Supply(cfg),
		fx.Provide(
			ProvideLogger,
			ProvideMetrics,
			ProvideProcess,
			ProvideRegistry,
			ProvideBridge,
		),
		fx.WithLogger(func(l *logging.ColoredLogger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		// The bridge only exists when enabled, but must be built eagerly.
		fx.Invoke(func(*bridge.Bridge) {}),
	)
}

// ProvideLogger builds the process logger from cfg.Logging.
func ProvideLogger(cfg *config.Config) (*logging.ColoredLogger, error) {
	return logging.NewLogger(logging.Options{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		OutputFile:   cfg.Logging.OutputFile,
		EnableColors: cfg.Logging.Colors,
	})
}

// MetricsInput lets applications supply their own registerer.
type MetricsInput struct {
	fx.In

	Registerer prometheus.Registerer `optional:"true"`
}

// ProvideMetrics creates bus metrics, registered only when a registerer is supplied.
func ProvideMetrics(in MetricsInput) (*metrics.Metrics, error) {
	return metrics.New(in.Registerer)
}

// ProvideProcess initializes the process lifecycle and shuts it down when the app stops.
func ProvideProcess(lc fx.Lifecycle, cfg *config.Config, logger *logging.ColoredLogger) (*lifecycle.Process, error) {
	proc, err := lifecycle.Initialize(cfg.Process.Name, lifecycle.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return proc.Shutdown() },
	})
	return proc, nil
}

// ProvideRegistry creates the topic registry for proc.
func ProvideRegistry(cfg *config.Config, proc *lifecycle.Process, logger *logging.ColoredLogger, m *metrics.Metrics) *registry.Registry {
	return registry.New(proc,
		registry.WithLogger(logger),
		registry.WithMetrics(m),
		registry.WithMaxNameLength(cfg.Topics.MaxNameLength),
	)
}

// BridgeInput are the dependencies of the bridge.
type BridgeInput struct {
	fx.In

	LC       fx.Lifecycle
	Config   *config.Config
	Process  *lifecycle.Process
	Registry *registry.Registry
	Logger   *logging.ColoredLogger
	Metrics  *metrics.Metrics
	// Host replaces the host built from cfg.Bridge.ListenAddresses.
	Host host.Host `optional:"true"`
}

// ProvideBridge starts the bridge when cfg.Bridge.Enabled and returns nil
// otherwise. The bridge closes with the process or on stop, whichever comes
// first. A host created here is closed after the bridge on stop.
func ProvideBridge(in BridgeInput) (*bridge.Bridge, error) {
	if !in.Config.Bridge.Enabled {
		return nil, nil
	}

	h := in.Host
	ownsHost := h == nil
	if ownsHost {
		var err error
		if h, err = bridge.NewHost(in.Config.Bridge); err != nil {
			return nil, err
		}
	}

	b, err := bridge.New(context.Background(), in.Registry, h, in.Config.Bridge,
		bridge.WithLogger(in.Logger),
		bridge.WithMetrics(in.Metrics),
	)
	if err != nil {
		if ownsHost {
			_ = h.Close()
		}
		return nil, err
	}
	if err := in.Process.OnShutdown(b.Close); err != nil {
		_ = b.Close()
		if ownsHost {
			_ = h.Close()
		}
		return nil, err
	}

	in.LC.Append(fx.Hook{
		OnStop: func(context.Context) error {
			err := b.Close()
			if ownsHost {
				err = multierr.Append(err, h.Close())
			}
			return err
		},
	})
	return b, nil
}
