// Package tricortex wires the decision-coordination fabric: event bus,
// decision coordinator, soldier failover core, learning stack and data
// store behind one lifecycle.
//
// Users embedding single pieces should import the specific packages:
//   - github.com/tricortex/tricortex/bus - priority event bus
//   - github.com/tricortex/tricortex/coordinator - decision coordination
//   - github.com/tricortex/tricortex/soldier - tactical failover core
//   - github.com/tricortex/tricortex/learning - meta-learner, router, blender
//   - github.com/tricortex/tricortex/store - learning data store
package tricortex

import (
	"context"
	"fmt"

	"github.com/tricortex/tricortex/bus"
	"github.com/tricortex/tricortex/coordinator"
	"github.com/tricortex/tricortex/core"
	"github.com/tricortex/tricortex/learning"
	"github.com/tricortex/tricortex/logging"
	"github.com/tricortex/tricortex/soldier"
	"github.com/tricortex/tricortex/store"
	"github.com/tricortex/tricortex/telemetry"
)

// Re-export the shared model so embedders can depend on the root package
// alone for common wiring.
type (
	Config        = core.Config
	Option        = core.Option
	Logger        = core.Logger
	Telemetry     = core.Telemetry
	BrainName     = core.BrainName
	BrainDecision = core.BrainDecision
	MarketContext = core.MarketContext
)

var (
	NewConfig      = core.NewConfig
	DefaultConfig  = core.DefaultConfig
	LoadConfigFile = core.LoadConfigFile

	WithName            = core.WithName
	WithRedisURL        = core.WithRedisURL
	WithBatching        = core.WithBatching
	WithDataDir         = core.WithDataDir
	WithExecutionMode   = core.WithExecutionMode
	WithCoordinatorMode = core.WithCoordinatorMode
)

// FabricOptions carries the external collaborators the fabric cannot
// construct itself: inference backends and risk architectures.
type FabricOptions struct {
	Config *core.Config

	// LocalInference and RemoteInference back the soldier failover
	// core. LocalInference is required for the soldier to start.
	LocalInference  soldier.InferenceClient
	RemoteInference soldier.InferenceClient

	// Engines overrides the default registry. When nil the fabric
	// builds one around the soldier core; commander and scholar stay
	// unregistered and are reached over the bus in event mode.
	Engines core.EngineRegistry

	// ArchA and ArchB enable the dual-architecture runner.
	ArchA learning.RiskArchitecture
	ArchB learning.RiskArchitecture

	// Logger overrides the configured zap logger.
	Logger core.Logger
}

// Fabric is the assembled decision-coordination stack.
type Fabric struct {
	Config      *core.Config
	Logger      core.Logger
	Telemetry   core.Telemetry
	Redis       *core.RedisClient
	Bus         *bus.EventBus
	Soldier     *soldier.Soldier
	Coordinator *coordinator.Coordinator
	MetaLearner *learning.MetaLearner
	Router      *learning.Router
	Blender     *learning.Blender
	Runner      *learning.DualRunner
	Store       *store.DataStore

	zapLogger *logging.ZapLogger
	otel      *telemetry.OTelProvider
}

// New assembles a fabric from configuration and collaborators. Nothing
// starts running until Start.
func New(opts FabricOptions) (*Fabric, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = core.NewConfig()
		if err != nil {
			return nil, err
		}
	}

	f := &Fabric{Config: cfg}

	if opts.Logger != nil {
		f.Logger = opts.Logger
	} else {
		zl, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logging setup: %w", err)
		}
		f.zapLogger = zl
		f.Logger = zl
	}

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewProvider(cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("telemetry setup: %w", err)
		}
		f.otel = provider
		f.Telemetry = provider
	} else {
		f.Telemetry = &core.NoOpTelemetry{}
	}

	var kv core.KVStore
	if cfg.Redis.Enabled {
		redisClient, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Redis.URL,
			Namespace: cfg.Redis.Namespace,
			Logger:    f.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("redis setup: %w", err)
		}
		f.Redis = redisClient
		kv = redisClient
	}

	f.Bus = bus.New(bus.Options{
		Config:    cfg.Bus,
		Logger:    f.Logger,
		Telemetry: f.Telemetry,
		KV:        kv,
	})

	if opts.LocalInference != nil {
		s, err := soldier.New(soldier.Options{
			Config:    cfg.Soldier,
			Local:     opts.LocalInference,
			Remote:    opts.RemoteInference,
			Bus:       f.Bus,
			KV:        kv,
			Logger:    f.Logger,
			Telemetry: f.Telemetry,
		})
		if err != nil {
			return nil, fmt.Errorf("soldier setup: %w", err)
		}
		f.Soldier = s
	}

	engines := opts.Engines
	if engines == nil && f.Soldier != nil {
		engines = &core.StaticRegistry{SoldierImpl: &soldierEngine{core: f.Soldier}}
	}

	coordOpts := coordinator.Options{
		Config:    cfg.Coordinator,
		Engines:   engines,
		Bus:       f.Bus,
		Logger:    f.Logger,
		Telemetry: f.Telemetry,
	}
	if f.Soldier != nil {
		coordOpts.SoldierMode = f.Soldier.Mode
	}
	coord, err := coordinator.New(coordOpts)
	if err != nil {
		return nil, fmt.Errorf("coordinator setup: %w", err)
	}
	f.Coordinator = coord

	f.MetaLearner = learning.NewMetaLearner(learning.MetaLearnerOptions{
		Config:    cfg.Learning,
		Bus:       f.Bus,
		Logger:    f.Logger,
		Telemetry: f.Telemetry,
	})
	router, err := learning.NewRouter(learning.RouterOptions{
		Config:    cfg.Learning,
		Predictor: f.MetaLearner,
		Logger:    f.Logger,
		Telemetry: f.Telemetry,
	})
	if err != nil {
		return nil, fmt.Errorf("router setup: %w", err)
	}
	f.Router = router

	blender, err := learning.NewBlender(nil, f.Logger, f.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("blender setup: %w", err)
	}
	f.Blender = blender

	if opts.ArchA != nil && opts.ArchB != nil {
		runner, err := learning.NewDualRunner(opts.ArchA, opts.ArchB,
			cfg.Learning.ExecutionMode, f.MetaLearner, f.Logger, f.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("runner setup: %w", err)
		}
		f.Runner = runner
	}

	dataStore, err := store.New(store.Options{
		Config:    cfg.Store,
		Logger:    f.Logger,
		Telemetry: f.Telemetry,
	})
	if err != nil {
		return nil, fmt.Errorf("store setup: %w", err)
	}
	f.Store = dataStore

	return f, nil
}

// Start brings the fabric up: bus dispatcher first, then the soldier
// health loop, then the coordinator's subscriptions.
func (f *Fabric) Start(ctx context.Context) error {
	if err := f.Bus.Initialize(ctx); err != nil {
		return err
	}
	if f.Soldier != nil {
		if err := f.Soldier.Initialize(ctx); err != nil {
			return err
		}
	}
	if err := f.Coordinator.Initialize(ctx); err != nil {
		return err
	}
	f.Logger.Info("Fabric started", map[string]interface{}{
		"name":    f.Config.Name,
		"version": Version,
	})
	return nil
}

// Stop shuts the fabric down in reverse start order.
func (f *Fabric) Stop(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(f.Coordinator.Shutdown(ctx))
	if f.Soldier != nil {
		record(f.Soldier.Shutdown(ctx))
	}
	record(f.Bus.Shutdown(ctx))
	if f.Redis != nil {
		record(f.Redis.Close())
	}
	if f.otel != nil {
		record(f.otel.Shutdown(ctx))
	}
	if f.zapLogger != nil {
		_ = f.zapLogger.Sync()
	}
	return firstErr
}

// soldierEngine adapts the failover core to the coordinator's typed
// engine interface.
type soldierEngine struct {
	core *soldier.Soldier
}

func (e *soldierEngine) Decide(ctx context.Context, mc core.MarketContext) (*core.EngineDecision, error) {
	decision, err := e.core.MakeDecision(ctx, "portfolio", map[string]float64{
		"volatility":              mc.Volatility,
		"liquidity":               mc.Liquidity,
		"trend_strength":          mc.TrendStrength,
		"aum":                     mc.AUM,
		"portfolio_concentration": mc.PortfolioConcentration,
		"recent_drawdown":         mc.RecentDrawdown,
	})
	if err != nil {
		return nil, err
	}
	return &core.EngineDecision{
		Action:         decision.Action,
		Confidence:     decision.Confidence,
		Reasoning:      decision.Reasoning,
		SignalStrength: decision.SignalStrength,
		RiskLevel:      decision.RiskLevel,
		Metadata: map[string]interface{}{
			"source_mode": string(decision.SourceMode),
			"latency_ms":  decision.LatencyMs,
		},
	}, nil
}
