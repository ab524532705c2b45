package engine

import (
	"fmt"
	"slices"
	"strings"
)

// Policy is the resolution strategy a command hands to a Transaction.
type Policy interface {
	// Name identifies the policy in logs and history.
	Name() string

	// Rank orders the candidates for req, best first. The order must be
	// total so that resolution is deterministic.
	Rank(req Capability, requirer *Package, candidates []*Package) []*Package

	// KeepDependents reports whether installed dependents of a removed
	// package are kept by rerouting their requirements (true) or removed
	// along with it (false).
	KeepDependents() bool

	// ResolveConflict returns the package to drop from a conflicting pair,
	// or an error when the conflict cannot be resolved.
	ResolveConflict(c Conflict) (*Package, error)
}

// Conflict describes a conflicting pair found during resolution.
type Conflict struct {
	A, B *Package

	// AIntent and BIntent are true for packages enqueued by the caller.
	AIntent, BIntent bool

	// AInstalled and BInstalled are true for packages already on the system
	// that the change set does not touch.
	AInstalled, BInstalled bool

	// ARequired and BRequired count the change set requirements each side satisfies.
	ARequired, BRequired int

	// AReplaceable and BReplaceable are true for a pulled-in side whose
	// requirement another provider, free of this conflict, can satisfy.
	AReplaceable, BReplaceable bool
}

// RankCandidates sorts candidates by the resolution tie-break order: exact
// name match, highest version, installed first, the prefer function, and
// finally the package listing order.
func RankCandidates(req Capability, candidates []*Package, prefer func(a, b *Package) int) []*Package {
	ranked := append([]*Package(nil), candidates...)
	slices.SortStableFunc(ranked, func(a, b *Package) int {
		if ea, eb := a.Name == req.Name, b.Name == req.Name; ea != eb {
			if ea {
				return -1
			}
			return 1
		}
		if c := compareFull(a.Version, b.Version); c != 0 {
			return -c
		}
		if ia, ib := a.Installed(), b.Installed(); ia != ib {
			if ia {
				return -1
			}
			return 1
		}
		if prefer != nil {
			if c := prefer(a, b); c != 0 {
				return c
			}
		}
		return comparePackages(a, b)
	})
	return ranked
}

// sameBackend prefers candidates built for the requirer's backend.
func sameBackend(requirer *Package) func(a, b *Package) int {
	return func(a, b *Package) int {
		if requirer == nil {
			return 0
		}
		sa, sb := a.Backend == requirer.Backend, b.Backend == requirer.Backend
		switch {
		case sa == sb:
			return 0
		case sa:
			return -1
		default:
			return 1
		}
	}
}

// keepMoreUseful drops the side that is not an intent, then a pulled-in side
// that another provider can replace, then an installed side, then the side
// satisfying fewer requirements.
func keepMoreUseful(c Conflict) (*Package, error) {
	switch {
	case c.AIntent && c.BIntent:
		return nil, fmt.Errorf("requested packages %s and %s conflict", c.A, c.B)
	case c.AIntent:
		return c.B, nil
	case c.BIntent:
		return c.A, nil
	case c.AReplaceable && !c.BReplaceable:
		return c.A, nil
	case c.BReplaceable && !c.AReplaceable:
		return c.B, nil
	case c.BInstalled && !c.AInstalled:
		return c.B, nil
	case c.AInstalled && !c.BInstalled:
		return c.A, nil
	case c.ARequired > c.BRequired:
		return c.B, nil
	case c.BRequired > c.ARequired:
		return c.A, nil
	case comparePackages(c.A, c.B) <= 0:
		return c.B, nil
	default:
		return c.A, nil
	}
}

// PolicyInstall keeps installed dependents and replaces conflicting installed
// packages with the requested ones.
type PolicyInstall struct{}

func (PolicyInstall) Name() string { return "install" }

func (PolicyInstall) Rank(req Capability, requirer *Package, candidates []*Package) []*Package {
	return RankCandidates(req, candidates, sameBackend(requirer))
}

func (PolicyInstall) KeepDependents() bool { return true }

func (PolicyInstall) ResolveConflict(c Conflict) (*Package, error) {
	return keepMoreUseful(c)
}

// PolicyRemove cascades removals to dependents and never installs to resolve
// a conflict.
type PolicyRemove struct{}

func (PolicyRemove) Name() string { return "remove" }

func (PolicyRemove) Rank(req Capability, requirer *Package, candidates []*Package) []*Package {
	return RankCandidates(req, candidates, sameBackend(requirer))
}

func (PolicyRemove) KeepDependents() bool { return false }

func (PolicyRemove) ResolveConflict(c Conflict) (*Package, error) {
	return nil, fmt.Errorf("%s conflicts with %s", c.A, c.B)
}

// PolicyUpgrade behaves like PolicyInstall but, among equally ranked
// virtual providers, prefers packages that replace an installed package.
type PolicyUpgrade struct{}

func (PolicyUpgrade) Name() string { return "upgrade" }

func (PolicyUpgrade) Rank(req Capability, requirer *Package, candidates []*Package) []*Package {
	backend := sameBackend(requirer)
	return RankCandidates(req, candidates, func(a, b *Package) int {
		if c := backend(a, b); c != 0 {
			return c
		}
		ua, ub := len(a.Upgrades) > 0, len(b.Upgrades) > 0
		switch {
		case ua == ub:
			return 0
		case ua:
			return -1
		default:
			return 1
		}
	})
}

func (PolicyUpgrade) KeepDependents() bool { return true }

func (PolicyUpgrade) ResolveConflict(c Conflict) (*Package, error) {
	return keepMoreUseful(c)
}

// PolicyByName returns the shipped policy with the given name.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "install":
		return PolicyInstall{}, nil
	case "remove":
		return PolicyRemove{}, nil
	case "upgrade":
		return PolicyUpgrade{}, nil
	default:
		return nil, NewPermanentError(fmt.Sprintf("unknown policy %q", name), nil).
			WithCode(ErrCodeValidation)
	}
}
