package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/taskbroker/broker"
	"github.com/vinayprograms/taskbroker/bus"
	"github.com/vinayprograms/taskbroker/config"
	"github.com/vinayprograms/taskbroker/logging"
	"github.com/vinayprograms/taskbroker/shutdown"
	"github.com/vinayprograms/taskbroker/state"
	"github.com/vinayprograms/taskbroker/store"
	"github.com/vinayprograms/taskbroker/store/postgres"
	"github.com/vinayprograms/taskbroker/telemetry"
)

// runtime is the broker and everything it was built on, for one command.
type runtime struct {
	store  store.Store
	broker *broker.Broker

	// tracer is nil when telemetry is disabled.
	tracer *telemetry.Tracer

	// closers run in reverse order after the broker closes.
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

func (rt *runtime) onClose(name string, fn func() error) {
	rt.closers = append(rt.closers, closer{name: name, fn: fn})
}

// closeStorage releases everything under the broker, newest first.
func (rt *runtime) closeStorage() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].fn(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", rt.closers[i].name, err)
		}
	}
	rt.closers = nil
	return first
}

// Close shuts the broker and its storage down outside a coordinator.
func (rt *runtime) Close() error {
	if rt.broker != nil {
		rt.broker.Close()
	}
	return rt.closeStorage()
}

// register hands the broker and storage to coord.
func (rt *runtime) register(coord *shutdown.Coordinator) {
	coord.RegisterFunc("broker", shutdown.PhaseBroker, func(context.Context) error {
		return rt.broker.Close()
	})
	coord.RegisterFunc("storage", shutdown.PhaseStorage, func(context.Context) error {
		return rt.closeStorage()
	})
}

// openRuntime builds the store selected by cfg, an optional NATS bus and a
// broker over both.
func openRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*runtime, error) {
	rt := &runtime{}

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			Headers:        cfg.Telemetry.Headers,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, err
		}
		rt.tracer = provider.Tracer()
		rt.onClose("telemetry", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return provider.Shutdown(ctx)
		})
	}

	var conn *nats.Conn
	if cfg.Store.Backend == config.BackendNATS || cfg.Bus.Enabled {
		c, err := bus.Connect(natsConfig(cfg.NATS, logger))
		if err != nil {
			rt.closeStorage()
			return nil, err
		}
		conn = c
		rt.onClose("nats", func() error {
			conn.Close()
			return nil
		})
	}

	st, err := openStore(ctx, rt, cfg, conn, logger)
	if err != nil {
		rt.closeStorage()
		return nil, err
	}
	rt.store = st

	opts := []broker.Option{
		broker.WithClaimInterval(cfg.Broker.ClaimInterval.Duration),
		broker.WithObserveInterval(cfg.Broker.ObserveInterval.Duration),
		broker.WithHeartbeatInterval(cfg.Broker.HeartbeatInterval.Duration),
		broker.WithLogger(logger),
		broker.WithTracer(rt.tracer),
	}
	if cfg.Bus.Enabled {
		b := bus.NewNATSBusFromConn(conn, natsConfig(cfg.NATS, logger))
		rt.onClose("bus", b.Close)
		opts = append(opts, broker.WithBus(b, cfg.Bus.Subject))
	}

	brk, err := broker.New(st, opts...)
	if err != nil {
		rt.closeStorage()
		return nil, err
	}
	rt.broker = brk
	return rt, nil
}

func openStore(ctx context.Context, rt *runtime, cfg *config.Config, conn *nats.Conn, logger *logging.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		st := store.NewMemoryStore()
		rt.onClose("store", st.Close)
		return st, nil

	case config.BackendNATS:
		kv, err := state.NewNATSStore(state.NATSStoreConfig{
			Conn:   conn,
			Bucket: cfg.Store.Bucket,
		})
		if err != nil {
			return nil, err
		}
		rt.onClose("kv", kv.Close)
		st := store.NewKVStore(kv)
		rt.onClose("store", st.Close)
		return st, nil

	case config.BackendPostgres:
		pg, err := postgres.New(ctx, postgres.Config{
			URL:      cfg.Store.PostgresURL,
			MaxConns: cfg.Store.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		rt.onClose("store", pg.Close)
		if cfg.Store.Migrate {
			if err := pg.Migrate(); err != nil {
				return nil, err
			}
			logger.Debug("migrations applied")
		}
		return pg, nil
	}
	return nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalidConfig, cfg.Store.Backend)
}

// natsConfig maps the config file section onto the connection settings
// shared by the bus and the KV store.
func natsConfig(cfg config.NATSConfig, logger *logging.Logger) bus.NATSConfig {
	ncfg := bus.DefaultNATSConfig()
	ncfg.URL = cfg.URL
	if cfg.Name != "" {
		ncfg.Name = cfg.Name
	}
	ncfg.Token = cfg.Token
	ncfg.User = cfg.User
	ncfg.Password = cfg.Password
	ncfg.Logger = logger
	return ncfg
}
