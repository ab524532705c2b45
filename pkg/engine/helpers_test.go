package engine

import (
	"context"
	"fmt"
	"testing"
)

// fakeLoader is an in-memory Loader.
type fakeLoader struct {
	name      string
	installed bool
	specs     []PackageSpec
	noInfo    bool
}

func (l *fakeLoader) Name() string    { return l.name }
func (l *fakeLoader) Installed() bool { return l.installed }

func (l *fakeLoader) Packages(ctx context.Context) ([]PackageSpec, error) {
	return l.specs, nil
}

func (l *fakeLoader) Info(pkg *Package) (PackageInfo, error) {
	if l.noInfo {
		return PackageInfo{}, fmt.Errorf("no info for %s", pkg)
	}
	return PackageInfo{URL: fmt.Sprintf("https://%s.example/%s.epk", l.name, pkg)}, nil
}

type specOption func(*PackageSpec)

func requires(caps ...string) specOption {
	return func(s *PackageSpec) {
		for _, c := range caps {
			s.Requires = append(s.Requires, MustParseCapability(c))
		}
	}
}

func provides(caps ...string) specOption {
	return func(s *PackageSpec) {
		for _, c := range caps {
			s.Provides = append(s.Provides, MustParseCapability(c))
		}
	}
}

func conflicts(caps ...string) specOption {
	return func(s *PackageSpec) {
		for _, c := range caps {
			s.Conflicts = append(s.Conflicts, MustParseCapability(c))
		}
	}
}

func upgrades(caps ...string) specOption {
	return func(s *PackageSpec) {
		for _, c := range caps {
			s.Upgrades = append(s.Upgrades, MustParseCapability(c))
		}
	}
}

func backend(kind BackendKind) specOption {
	return func(s *PackageSpec) {
		s.Backend = kind
	}
}

func spec(name, version string, opts ...specOption) PackageSpec {
	s := PackageSpec{Name: name, Version: version, Arch: "noarch", Backend: BackendArchive}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// setupTestCache loads a cache from an available channel and an installed
// database.
func setupTestCache(t *testing.T, available, installed []PackageSpec) *Cache {
	t.Helper()
	loaders := []Loader{
		&fakeLoader{name: "channel", specs: available},
		&fakeLoader{name: "installed", installed: true, specs: installed},
	}
	cache := NewCache(loaders)
	if err := cache.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load cache: %v", err)
	}
	return cache
}

func mustFind(t *testing.T, cache *Cache, name, version string) *Package {
	t.Helper()
	for _, pkg := range cache.Lookup(name) {
		if pkg.Version == version {
			return pkg
		}
	}
	t.Fatalf("Package %s-%s not found in cache", name, version)
	return nil
}

func changeSetString(cs *ChangeSet) map[string]Action {
	out := make(map[string]Action)
	for _, e := range cs.Entries() {
		out[e.Package.String()] = e.Action
	}
	return out
}

func assertChangeSet(t *testing.T, cs *ChangeSet, want map[string]Action) {
	t.Helper()
	got := changeSetString(cs)
	if len(got) != len(want) {
		t.Fatalf("Expected change set %v, got %v", want, got)
	}
	for name, action := range want {
		if got[name] != action {
			t.Errorf("Expected %s to be %s, got change set %v", name, action, got)
		}
	}
}
