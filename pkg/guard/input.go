package guard

import (
	"sort"

	"github.com/openfroyo/epm/pkg/engine"
)

// Options holds the configuration rules see besides the change set.
type Options struct {
	Architecture   string
	Protected      []string
	AllowDowngrade bool
	MaxRemovals    int
}

// BuildInput converts a resolved change set into a rule input.
func BuildInput(policy string, cs *engine.ChangeSet, opts Options) *Input {
	removed := make(map[string]string)
	for _, pkg := range cs.Removals() {
		removed[pkg.Name] = pkg.Version
	}

	input := &Input{
		Policy:         policy,
		Architecture:   opts.Architecture,
		Protected:      append([]string{}, opts.Protected...),
		AllowDowngrade: opts.AllowDowngrade,
		MaxRemovals:    opts.MaxRemovals,
		Changes:        []ChangeInput{},
	}
	for _, entry := range cs.Entries() {
		change := ChangeInput{
			Name:    entry.Package.Name,
			Version: entry.Package.Version,
			Arch:    entry.Package.Arch,
			Backend: string(entry.Package.Backend),
			Action:  string(entry.Action),
		}
		if entry.Action.IsInstallLike() {
			change.Replaces = removed[entry.Package.Name]
		}
		input.Changes = append(input.Changes, change)
	}
	sort.SliceStable(input.Changes, func(i, j int) bool {
		a, b := input.Changes[i], input.Changes[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
	return input
}
