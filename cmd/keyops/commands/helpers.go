package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/systmms/keyops/internal/config"
	internalkeystore "github.com/systmms/keyops/internal/keystore"
	"github.com/systmms/keyops/internal/logging"
	"github.com/systmms/keyops/internal/rotation/health"
	"github.com/systmms/keyops/internal/rotation/storage"
	"github.com/systmms/keyops/internal/secure"
	"github.com/systmms/keyops/pkg/engine"
	"github.com/systmms/keyops/pkg/keymanager"
	"github.com/systmms/keyops/pkg/rotation"
)

// runtime bundles the wired subsystems a command works against: the loaded
// configuration, the key manager over the configured keystore backend, the
// encryption engine, and the migrator with its re-encryption targets
// registered.
type runtime struct {
	Config   *config.Config
	Manager  *keymanager.Manager
	Engine   *engine.Engine
	Migrator *rotation.Migrator

	logger  *logging.Logger
	master  *secure.SecureBuffer
	targets []*rotation.SQLTarget
	metrics *health.MetricsServer
}

// newRuntime loads the configuration and stands the subsystems up in
// dependency order: master key, keystore, key manager, engine, migrator,
// SQL targets. Callers must Close the runtime when done.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	if err := cfg.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	rt := &runtime{Config: cfg, logger: cfg.Logger}

	master, err := secure.LoadMasterKey(ctx, cfg.Definition.MasterKey, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
	rt.master = master

	store, err := internalkeystore.Open(ctx, cfg.Definition.Keystore, master, cfg.Logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	manager, err := keymanager.New(ctx, store, cfg.Policies(), cfg.Logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to start key manager: %w", err)
	}
	rt.Manager = manager
	rt.Engine = engine.New(manager, cfg.Logger)

	var opts []rotation.Option
	if cfg.Definition.Metrics.Enabled {
		health.InitMetrics()
		opts = append(opts, rotation.WithMetrics(health.NewRotationMetrics()))
		rt.metrics = health.NewMetricsServer(cfg.Definition.Metrics.ServerConfig(), cfg.Logger)
	}
	rt.Migrator = rotation.New(manager, rt.Engine, storage.NewFileStore(storage.DefaultDir()), cfg.Logger, opts...)

	for _, tc := range cfg.Definition.Targets {
		target, err := rotation.OpenSQLTarget(tc)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to open target %q: %w", tc.Table, err)
		}
		if err := rt.Migrator.RegisterTarget(target); err != nil {
			_ = target.Close()
			rt.Close()
			return nil, fmt.Errorf("failed to register target %q: %w", target.Name(), err)
		}
		rt.targets = append(rt.targets, target)
	}

	return rt, nil
}

// StartMetrics starts the metrics endpoint when the configuration enables it
// and returns a stop function. Long-running commands call this; one-shot
// commands don't serve metrics. The stop function uses its own deadline so a
// cancelled job context still gets a graceful shutdown.
func (rt *runtime) StartMetrics() func() {
	if rt.metrics == nil {
		return func() {}
	}
	if err := rt.metrics.Start(); err != nil {
		rt.logger.Warn("Metrics endpoint failed to start: %v", err)
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.metrics.Stop(ctx); err != nil {
			rt.logger.Warn("Metrics endpoint shutdown: %v", err)
		}
	}
}

// Close tears the runtime down in reverse of construction: targets first,
// then the manager's enclaves, and the master key buffer last because the
// keystore sealer reads from it until the manager is closed.
func (rt *runtime) Close() {
	for _, t := range rt.targets {
		if err := t.Close(); err != nil {
			rt.logger.Warn("Closing target %s: %v", t.Name(), err)
		}
	}
	if rt.Manager != nil {
		rt.Manager.Close()
	}
	if rt.master != nil {
		rt.master.Destroy()
	}
}

// outputJSON writes v to stdout as indented JSON for --json modes.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
