package engine

import (
	"fmt"
)

// ChangeSet maps packages to the action a transaction applies to them.
// Each package appears at most once.
type ChangeSet struct {
	actions map[*Package]Action
}

// ChangeEntry is one (package, action) pair of a ChangeSet.
type ChangeEntry struct {
	Package *Package
	Action  Action
}

// NewChangeSet creates an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{actions: make(map[*Package]Action)}
}

// Get returns the action recorded for pkg.
func (cs *ChangeSet) Get(pkg *Package) (Action, bool) {
	a, ok := cs.actions[pkg]
	return a, ok
}

// Set records action for pkg, replacing any previous action.
func (cs *ChangeSet) Set(pkg *Package, action Action) {
	cs.actions[pkg] = action
}

// Delete removes pkg from the change set.
func (cs *ChangeSet) Delete(pkg *Package) {
	delete(cs.actions, pkg)
}

// Len returns the number of entries.
func (cs *ChangeSet) Len() int {
	return len(cs.actions)
}

// IsEmpty returns true when the change set has no entries.
func (cs *ChangeSet) IsEmpty() bool {
	return len(cs.actions) == 0
}

// IsInstalling returns true if pkg is marked with an install-like action.
func (cs *ChangeSet) IsInstalling(pkg *Package) bool {
	a, ok := cs.actions[pkg]
	return ok && a.IsInstallLike()
}

// IsRemoving returns true if pkg is marked for removal.
func (cs *ChangeSet) IsRemoving(pkg *Package) bool {
	a, ok := cs.actions[pkg]
	return ok && a == ActionRemove
}

// Packages returns the packages of the change set in listing order.
func (cs *ChangeSet) Packages() []*Package {
	pkgs := make([]*Package, 0, len(cs.actions))
	for pkg := range cs.actions {
		pkgs = append(pkgs, pkg)
	}
	sortPackages(pkgs, comparePackages)
	return pkgs
}

// Entries returns every (package, action) pair in listing order.
func (cs *ChangeSet) Entries() []ChangeEntry {
	pkgs := cs.Packages()
	entries := make([]ChangeEntry, 0, len(pkgs))
	for _, pkg := range pkgs {
		entries = append(entries, ChangeEntry{Package: pkg, Action: cs.actions[pkg]})
	}
	return entries
}

// Installs returns the packages marked with an install-like action.
func (cs *ChangeSet) Installs() []*Package {
	var out []*Package
	for _, e := range cs.Entries() {
		if e.Action.IsInstallLike() {
			out = append(out, e.Package)
		}
	}
	return out
}

// Removals returns the packages marked for removal.
func (cs *ChangeSet) Removals() []*Package {
	var out []*Package
	for _, e := range cs.Entries() {
		if e.Action == ActionRemove {
			out = append(out, e.Package)
		}
	}
	return out
}

// InstallingName returns the package of the given name marked install-like, if any.
func (cs *ChangeSet) InstallingName(name string) (*Package, bool) {
	for pkg, a := range cs.actions {
		if pkg.Name == name && a.IsInstallLike() {
			return pkg, true
		}
	}
	return nil, false
}

// Summary counts entries per action.
func (cs *ChangeSet) Summary() map[Action]int {
	counts := make(map[Action]int)
	for _, a := range cs.actions {
		counts[a]++
	}
	return counts
}

// Map returns a copy of the underlying mapping.
func (cs *ChangeSet) Map() map[*Package]Action {
	out := make(map[*Package]Action, len(cs.actions))
	for pkg, a := range cs.actions {
		out[pkg] = a
	}
	return out
}

// Copy returns an independent copy of the change set.
func (cs *ChangeSet) Copy() *ChangeSet {
	return &ChangeSet{actions: cs.Map()}
}

// Equal compares two change sets by package identity and action.
func (cs *ChangeSet) Equal(other *ChangeSet) bool {
	if cs.Len() != other.Len() {
		return false
	}
	keyed := make(map[string]Action, cs.Len())
	for pkg, a := range cs.actions {
		keyed[pkg.Key()] = a
	}
	for pkg, a := range other.actions {
		if b, ok := keyed[pkg.Key()]; !ok || a != b {
			return false
		}
	}
	return true
}

// Validate checks that no two packages with the same name are both install-like.
func (cs *ChangeSet) Validate() error {
	seen := make(map[string]*Package)
	for _, pkg := range cs.Installs() {
		if prev, ok := seen[pkg.Name]; ok {
			return fmt.Errorf("both %s and %s are marked for installation", prev, pkg)
		}
		seen[pkg.Name] = pkg
	}
	return nil
}

// InstallOrder returns the install-like packages with providers before the
// packages that require them. A requirement cycle falls back to listing order.
func (cs *ChangeSet) InstallOrder() []*Package {
	installs := cs.Installs()
	if len(installs) < 2 {
		return installs
	}
	byKey := make(map[string]*Package, len(installs))
	builder := NewDAGBuilder()
	for _, pkg := range installs {
		byKey[pkg.Key()] = pkg
		builder.AddNode(pkg.Key())
	}
	for _, pkg := range installs {
		for _, req := range pkg.Requires {
			for _, dep := range installs {
				if dep != pkg && dep.Satisfies(req) {
					builder.AddEdge(dep.Key(), pkg.Key())
				}
			}
		}
	}
	if err := builder.Build(); err != nil {
		return installs
	}
	out := make([]*Package, 0, len(installs))
	for _, level := range builder.Levels() {
		pkgs := make([]*Package, 0, len(level))
		for _, key := range level {
			pkgs = append(pkgs, byKey[key])
		}
		sortPackages(pkgs, comparePackages)
		out = append(out, pkgs...)
	}
	return out
}
