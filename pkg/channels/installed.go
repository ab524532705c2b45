package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/epm/pkg/config"
	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/stores"
)

// InstalledName is the name of the implicit installed channel.
const InstalledName = "installed"

// installedChannel reads the installed package database.
type installedChannel struct {
	cfg   config.ChannelConfig
	store stores.Store
}

func newInstalledChannel(cfg config.ChannelConfig, env Env) (Channel, error) {
	if env.Store == nil {
		return nil, fmt.Errorf("installed channels need a store")
	}
	return &installedChannel{cfg: cfg, store: env.Store}, nil
}

// NewInstalledChannel creates the installed channel over store.
func NewInstalledChannel(store stores.Store) Channel {
	return &installedChannel{
		cfg:   config.ChannelConfig{Name: InstalledName, Type: config.ChannelInstalled},
		store: store,
	}
}

func (c *installedChannel) Name() string          { return c.cfg.Name }
func (c *installedChannel) Type() string          { return config.ChannelInstalled }
func (c *installedChannel) Priority() int         { return c.cfg.Priority }
func (c *installedChannel) Loader() engine.Loader { return c }
func (c *installedChannel) Installed() bool       { return true }

func (c *installedChannel) Refresh(ctx context.Context, fetcher engine.Fetcher) error {
	return nil
}

func (c *installedChannel) Packages(ctx context.Context) ([]engine.PackageSpec, error) {
	rows, err := c.store.ListInstalled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %w", err)
	}

	specs := make([]engine.PackageSpec, 0, len(rows))
	for _, row := range rows {
		spec, err := SpecFromInstalled(row)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Info fails: installed packages have no artifact.
func (c *installedChannel) Info(pkg *engine.Package) (engine.PackageInfo, error) {
	return engine.PackageInfo{}, fmt.Errorf("package %s is installed and has no artifact", pkg)
}

// SpecFromInstalled converts an installed database row.
func SpecFromInstalled(row *stores.InstalledPackage) (engine.PackageSpec, error) {
	spec := engine.PackageSpec{
		Name:    row.Name,
		Version: row.Version,
		Arch:    row.Arch,
		Backend: engine.BackendKind(row.Backend),
		Summary: row.Summary,
	}

	var err error
	fields := []struct {
		dst *[]engine.Capability
		src []string
	}{
		{&spec.Requires, row.Requires},
		{&spec.Provides, row.Provides},
		{&spec.Conflicts, row.Conflicts},
		{&spec.Upgrades, row.Upgrades},
	}
	for _, f := range fields {
		if *f.dst, err = engine.ParseCapabilities(f.src); err != nil {
			return engine.PackageSpec{}, fmt.Errorf("installed package %s: %w", row.Key(), err)
		}
	}
	return spec, nil
}

// InstalledFromPackage builds the database row recorded after pkg is installed.
func InstalledFromPackage(pkg *engine.Package, txID string) *stores.InstalledPackage {
	spec := pkg.Spec()
	row := &stores.InstalledPackage{
		PackageRef:  RefFromPackage(pkg),
		Summary:     spec.Summary,
		Requires:    engine.CapabilityStrings(spec.Requires),
		Provides:    engine.CapabilityStrings(spec.Provides),
		Conflicts:   engine.CapabilityStrings(spec.Conflicts),
		Upgrades:    engine.CapabilityStrings(spec.Upgrades),
		InstalledAt: time.Now().UTC(),
	}
	if loader, ok := pkg.SourceLoader(); ok {
		row.Channel = loader.Name()
	}
	if txID != "" {
		row.TransactionID = &txID
	}
	return row
}

// RefFromPackage returns the database identity of pkg.
func RefFromPackage(pkg *engine.Package) stores.PackageRef {
	return stores.PackageRef{
		Name:    pkg.Name,
		Version: pkg.Version,
		Arch:    pkg.Arch,
		Backend: string(pkg.Backend),
	}
}
