package control

import (
	"context"
	"fmt"
	"sort"

	"github.com/openfroyo/epm/pkg/backends/archive"
	"github.com/openfroyo/epm/pkg/backends/native"
	"github.com/openfroyo/epm/pkg/channels"
	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/stores"
	"github.com/openfroyo/epm/pkg/telemetry"
)

func (c *Control) registerBackends() error {
	c.backends = engine.NewBackendRegistry()

	archiveFactory := archive.NewFactory(archive.Config{
		Root:      c.cfg.Root,
		ScriptDir: c.scriptDir(),
	}, c.store, c.scripts, c.logger)
	if err := c.backends.Register(engine.BackendArchive, 0, c.recorded(engine.BackendArchive, archiveFactory)); err != nil {
		return err
	}

	if c.cfg.Backends.Native.Enabled {
		for i, m := range []native.Manager{native.Dpkg, native.RPM} {
			if !c.executorSet && !native.Available(m) {
				c.logger.Warn().Str("backend", string(m.Kind())).Msg("Package tool not found, backend disabled")
				continue
			}
			factory := native.NewFactory(m, c.executor, c.logger)
			if err := c.backends.Register(m.Kind(), i+1, c.recorded(m.Kind(), factory)); err != nil {
				return err
			}
		}
	}

	order := make([]engine.BackendKind, 0, len(c.cfg.Backends.Priority))
	for _, name := range c.cfg.Backends.Priority {
		order = append(order, engine.BackendKind(name))
	}
	c.backends.SetPriorities(order)
	return nil
}

// recorded wraps factory so every partition is traced, measured and, once
// applied, written to the installed database.
func (c *Control) recorded(kind engine.BackendKind, factory engine.BackendFactory) engine.BackendFactory {
	return func() engine.Backend {
		return &recordingBackend{
			kind:    kind,
			backend: factory(),
			store:   c.store,
			tel:     c.tel,
			txID:    c.activeTransaction,
		}
	}
}

type recordingBackend struct {
	kind    engine.BackendKind
	backend engine.Backend
	store   stores.Store
	tel     *telemetry.Telemetry
	txID    func() string
}

func (b *recordingBackend) SetProgress(p engine.Progress) {
	b.backend.SetProgress(p)
}

func (b *recordingBackend) Commit(ctx context.Context, ops map[*engine.Package]engine.Action, artifacts map[*engine.Package]string) error {
	txID := b.txID()

	err := telemetry.RecordBackendOperation(ctx, string(b.kind), len(ops), func(ctx context.Context) error {
		return b.backend.Commit(ctx, ops, artifacts)
	})
	_ = b.tel.Events.PublishBackendCommitted(txID, string(b.kind), len(ops), err)
	if err != nil {
		return err
	}

	installs, removals := installedChanges(ops, txID)
	if err := b.store.ApplyChanges(ctx, txID, installs, removals); err != nil {
		return fmt.Errorf("failed to record %s changes: %w", b.kind, err)
	}
	return nil
}

// installedChanges converts a committed partition into installed database
// rows, sorted by key.
func installedChanges(ops map[*engine.Package]engine.Action, txID string) ([]*stores.InstalledPackage, []stores.PackageRef) {
	var (
		installs []*stores.InstalledPackage
		removals []stores.PackageRef
	)
	for pkg, action := range ops {
		switch {
		case action == engine.ActionRemove:
			removals = append(removals, channels.RefFromPackage(pkg))
		case action.IsInstallLike():
			installs = append(installs, channels.InstalledFromPackage(pkg, txID))
		}
	}
	sort.Slice(installs, func(i, j int) bool { return installs[i].Key() < installs[j].Key() })
	sort.Slice(removals, func(i, j int) bool { return removals[i].Key() < removals[j].Key() })
	return installs, removals
}

func (c *Control) activeTransaction() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTx
}

func (c *Control) setActiveTransaction(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTx = id
}
