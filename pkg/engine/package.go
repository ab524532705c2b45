package engine

import (
	"fmt"
	"strings"
)

// BackendKind identifies the packaging ecosystem responsible for a package.
type BackendKind string

const (
	// BackendArchive is the built-in tarball backend.
	BackendArchive BackendKind = "archive"

	// BackendDeb installs through dpkg.
	BackendDeb BackendKind = "deb"

	// BackendRPM installs through rpm.
	BackendRPM BackendKind = "rpm"
)

// Validate checks if the backend kind is one of the known variants.
func (k BackendKind) Validate() error {
	switch k {
	case BackendArchive, BackendDeb, BackendRPM:
		return nil
	default:
		return fmt.Errorf("invalid backend kind: %q", k)
	}
}

// PackageSpec is the metadata a loader reports for one package.
type PackageSpec struct {
	Name      string       `json:"name" yaml:"name"`
	Version   string       `json:"version" yaml:"version"`
	Arch      string       `json:"arch" yaml:"arch"`
	Backend   BackendKind  `json:"backend" yaml:"backend"`
	Summary   string       `json:"summary,omitempty" yaml:"summary,omitempty"`
	Requires  []Capability `json:"requires,omitempty" yaml:"requires,omitempty"`
	Provides  []Capability `json:"provides,omitempty" yaml:"provides,omitempty"`
	Conflicts []Capability `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Upgrades  []Capability `json:"upgrades,omitempty" yaml:"upgrades,omitempty"`
}

// Key returns the identity of the package described by the spec.
func (s PackageSpec) Key() string {
	return packageKey(s.Name, s.Version, s.Arch, s.Backend)
}

// Validate checks the fields every loader must fill in.
func (s PackageSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("package name is required")
	}
	if s.Version == "" {
		return fmt.Errorf("package %s: version is required", s.Name)
	}
	if err := s.Backend.Validate(); err != nil {
		return fmt.Errorf("package %s: %w", s.Name, err)
	}
	return nil
}

// LoaderRef records one loader that discovered a package.
type LoaderRef struct {
	Loader    Loader
	Installed bool
}

// Package is an immutable package in the graph. The same identity reported by
// several loaders is a single Package with several LoaderRefs.
type Package struct {
	Name      string
	Version   string
	Arch      string
	Backend   BackendKind
	Summary   string
	Requires  []Capability
	Provides  []Capability
	Conflicts []Capability
	Upgrades  []Capability

	loaders []LoaderRef
}

func newPackage(spec PackageSpec) *Package {
	return &Package{
		Name:      spec.Name,
		Version:   spec.Version,
		Arch:      spec.Arch,
		Backend:   spec.Backend,
		Summary:   spec.Summary,
		Requires:  append([]Capability(nil), spec.Requires...),
		Provides:  append([]Capability(nil), spec.Provides...),
		Conflicts: append([]Capability(nil), spec.Conflicts...),
		Upgrades:  append([]Capability(nil), spec.Upgrades...),
	}
}

// String returns "name-version.arch", or "name-version" without an arch.
func (p *Package) String() string {
	if p.Arch == "" {
		return p.Name + "-" + p.Version
	}
	return p.Name + "-" + p.Version + "." + p.Arch
}

// Key returns the identity used to merge loaders and compare change sets.
func (p *Package) Key() string {
	return packageKey(p.Name, p.Version, p.Arch, p.Backend)
}

// Spec returns the metadata the package was built from.
func (p *Package) Spec() PackageSpec {
	return PackageSpec{
		Name:      p.Name,
		Version:   p.Version,
		Arch:      p.Arch,
		Backend:   p.Backend,
		Summary:   p.Summary,
		Requires:  append([]Capability(nil), p.Requires...),
		Provides:  append([]Capability(nil), p.Provides...),
		Conflicts: append([]Capability(nil), p.Conflicts...),
		Upgrades:  append([]Capability(nil), p.Upgrades...),
	}
}

func packageKey(name, version, arch string, backend BackendKind) string {
	return fmt.Sprintf("%s-%s.%s@%s", name, version, arch, backend)
}

// Installed returns true if any loader reports the package on the system.
func (p *Package) Installed() bool {
	for _, ref := range p.loaders {
		if ref.Installed {
			return true
		}
	}
	return false
}

// Loaders returns the loaders that discovered the package.
func (p *Package) Loaders() []LoaderRef {
	return append([]LoaderRef(nil), p.loaders...)
}

// SourceLoader returns the first loader whose entry is not an installed copy.
func (p *Package) SourceLoader() (Loader, bool) {
	for _, ref := range p.loaders {
		if !ref.Installed {
			return ref.Loader, true
		}
	}
	return nil, false
}

// Provisions returns the capabilities the package satisfies, itself included.
func (p *Package) Provisions() []Capability {
	caps := make([]Capability, 0, len(p.Provides)+1)
	caps = append(caps, Capability{Name: p.Name, Relation: RelationEQ, Version: p.Version})
	caps = append(caps, p.Provides...)
	return caps
}

// Satisfies reports whether one of the package provisions satisfies req.
func (p *Package) Satisfies(req Capability) bool {
	for _, prov := range p.Provisions() {
		if req.SatisfiedBy(prov) {
			return true
		}
	}
	return false
}

// ConflictsWith reports whether either package declares a conflict the other satisfies.
func (p *Package) ConflictsWith(other *Package) bool {
	if p == other {
		return false
	}
	for _, c := range p.Conflicts {
		if other.Satisfies(c) {
			return true
		}
	}
	for _, c := range other.Conflicts {
		if p.Satisfies(c) {
			return true
		}
	}
	return false
}

// Upgrade reports whether p replaces other: a newer version of the same name,
// or a declared upgrade relation that other satisfies.
func (p *Package) Upgrade(other *Package) bool {
	if p == other {
		return false
	}
	if p.Name == other.Name {
		return compareFull(p.Version, other.Version) > 0
	}
	for _, u := range p.Upgrades {
		if other.Satisfies(u) {
			return true
		}
	}
	return false
}

// MatchName reports whether the package matches a user-supplied name, which may
// be "name", "name-version" or "name-version-release".
func (p *Package) MatchName(s string) bool {
	if s == p.Name || s == p.String() {
		return true
	}
	if !strings.HasPrefix(s, p.Name+"-") {
		return false
	}
	v := strings.TrimPrefix(s, p.Name+"-")
	return v == p.Version || CompareVersions(p.Version, v) == 0 && strings.Count(v, "-") <= strings.Count(p.Version, "-")
}

// comparePackages is the total order used wherever packages are listed:
// name ascending, version descending, then arch, backend and raw version.
func comparePackages(a, b *Package) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := compareFull(a.Version, b.Version); c != 0 {
		return -c
	}
	if c := strings.Compare(a.Arch, b.Arch); c != 0 {
		return c
	}
	if c := strings.Compare(string(a.Backend), string(b.Backend)); c != 0 {
		return c
	}
	return strings.Compare(a.Version, b.Version)
}

// SortUpgrades orders packages best upgrade first: highest version, then the
// same total order as package listings.
func SortUpgrades(pkgs []*Package) {
	sortPackages(pkgs, func(a, b *Package) int {
		if c := compareFull(a.Version, b.Version); c != 0 {
			return -c
		}
		return comparePackages(a, b)
	})
}
