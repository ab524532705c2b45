package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestTransaction_InstalledProviderSatisfiesRequirement(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{
			spec("A", "1.0", requires("libX")),
			spec("B", "1.0", provides("libX")),
		},
		[]PackageSpec{
			spec("C", "1.0", provides("libX")),
		},
	)

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "A", "1.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"A-1.0.noarch": ActionInstall,
	})
}

func TestTransaction_SingleCandidateIsPulledIn(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{
			spec("A", "1.0", requires("libX")),
			spec("B", "1.0", provides("libX")),
		},
		nil,
	)

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "A", "1.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"A-1.0.noarch": ActionInstall,
		"B-1.0.noarch": ActionInstall,
	})
}

func TestTransaction_TransitiveRequirements(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{
			spec("app", "2.0", requires("libfoo >= 1.2")),
			spec("libfoo", "1.1"),
			spec("libfoo", "1.3", requires("libbar")),
			spec("libbar", "0.9"),
		},
		nil,
	)

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "app", "2.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"app-2.0.noarch":    ActionInstall,
		"libfoo-1.3.noarch": ActionInstall,
		"libbar-0.9.noarch": ActionInstall,
	})
}

func TestTransaction_UnsatisfiableRequirement(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{
			spec("A", "1.0", requires("B")),
			spec("B", "1.0", requires("libZ")),
		},
		nil,
	)

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "A", "1.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	err := tx.Run(context.Background())
	if err == nil {
		t.Fatal("Expected Run to fail")
	}
	if !IsUnsatisfiable(err) {
		t.Fatalf("Expected unsatisfiable error, got: %v", err)
	}
	if IsConflictUnresolved(err) {
		t.Error("Expected a missing requirement, not a conflict")
	}
	if !strings.Contains(err.Error(), "libZ") {
		t.Errorf("Expected error to name libZ, got: %v", err)
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected *EngineError, got %T", err)
	}
	chain := engErr.Chain()
	if len(chain) != 2 || chain[0] != "A-1.0.noarch requires B" || chain[1] != "B-1.0.noarch requires libZ" {
		t.Errorf("Unexpected chain: %v", chain)
	}

	if tx.State() != StateFailed {
		t.Errorf("Expected state %s, got %s", StateFailed, tx.State())
	}
	if !tx.ChangeSet().IsEmpty() {
		t.Error("Expected empty change set after failure")
	}
}

func TestTransaction_TieBreakOrder(t *testing.T) {
	tests := []struct {
		name      string
		available []PackageSpec
		want      string
	}{
		{
			name: "exact name over virtual provision",
			available: []PackageSpec{
				spec("A", "1.0", requires("libX")),
				spec("libX", "1.0"),
				spec("other", "9.0", provides("libX")),
			},
			want: "libX-1.0.noarch",
		},
		{
			name: "highest version",
			available: []PackageSpec{
				spec("A", "1.0", requires("libX")),
				spec("p1", "1.0", provides("libX")),
				spec("p2", "2.0", provides("libX")),
			},
			want: "p2-2.0.noarch",
		},
		{
			name: "policy prefers requirer backend",
			available: []PackageSpec{
				spec("A", "1.0", requires("libX"), backend(BackendDeb)),
				spec("p1", "1.0", provides("libX")),
				spec("p2", "1.0", provides("libX"), backend(BackendDeb)),
			},
			want: "p2-1.0.noarch",
		},
		{
			name: "name order as last resort",
			available: []PackageSpec{
				spec("A", "1.0", requires("libX")),
				spec("zeta", "1.0", provides("libX")),
				spec("alpha", "1.0", provides("libX")),
			},
			want: "alpha-1.0.noarch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := setupTestCache(t, tt.available, nil)
			tx := NewTransaction(cache, PolicyInstall{})
			if err := tx.Enqueue(mustFind(t, cache, "A", "1.0"), ActionInstall); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if err := tx.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			got := changeSetString(tx.ChangeSet())
			if len(got) != 2 {
				t.Fatalf("Expected 2 entries, got %v", got)
			}
			if got[tt.want] != ActionInstall {
				t.Errorf("Expected %s to be selected, got %v", tt.want, got)
			}
		})
	}
}

func TestRankCandidates_InstalledBeforeNotInstalled(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{spec("p1", "1.0", provides("libX"))},
		[]PackageSpec{spec("p2", "1.0", provides("libX"))},
	)
	candidates := []*Package{mustFind(t, cache, "p1", "1.0"), mustFind(t, cache, "p2", "1.0")}

	ranked := RankCandidates(MustParseCapability("libX"), candidates, nil)
	if ranked[0].Name != "p2" {
		t.Errorf("Expected installed p2 first, got %s", ranked[0])
	}
}

func TestTransaction_Deterministic(t *testing.T) {
	available := []PackageSpec{
		spec("app", "1.0", requires("http", "tls", "log")),
		spec("curl", "7.0", provides("http")),
		spec("wget", "7.0", provides("http")),
		spec("openssl", "3.0", provides("tls")),
		spec("libressl", "3.0", provides("tls")),
		spec("syslog", "1.0", provides("log")),
		spec("journald", "1.0", provides("log")),
	}
	cache := setupTestCache(t, available, nil)

	var first *ChangeSet
	for i := 0; i < 10; i++ {
		tx := NewTransaction(cache, PolicyInstall{})
		if err := tx.Enqueue(mustFind(t, cache, "app", "1.0"), ActionInstall); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if err := tx.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		cs := tx.ChangeSet()

		// A second Run without new intents returns the cached result.
		if err := tx.Run(context.Background()); err != nil {
			t.Fatalf("Second Run failed: %v", err)
		}
		if !tx.ChangeSet().Equal(cs) {
			t.Fatal("Expected repeated Run to return the same change set")
		}

		if first == nil {
			first = cs
			continue
		}
		if !first.Equal(cs) {
			t.Fatalf("Run %d produced %v, expected %v", i, changeSetString(cs), changeSetString(first))
		}
	}

	assertChangeSet(t, first, map[string]Action{
		"app-1.0.noarch":      ActionInstall,
		"curl-7.0.noarch":     ActionInstall,
		"journald-1.0.noarch": ActionInstall,
		"libressl-3.0.noarch": ActionInstall,
	})
}

func TestTransaction_OneVersionPerName(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{
			spec("foo", "1.0"),
			spec("foo", "2.0"),
			spec("bar", "1.0", requires("foo")),
		},
		nil,
	)

	tx := NewTransaction(cache, PolicyInstall{})
	for _, pkg := range []*Package{
		mustFind(t, cache, "foo", "1.0"),
		mustFind(t, cache, "foo", "2.0"),
		mustFind(t, cache, "bar", "1.0"),
	} {
		if err := tx.Enqueue(pkg, ActionInstall); err != nil {
			t.Fatalf("Enqueue %s failed: %v", pkg, err)
		}
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"foo-2.0.noarch": ActionInstall,
		"bar-1.0.noarch": ActionInstall,
	})
	if err := tx.ChangeSet().Validate(); err != nil {
		t.Errorf("Expected valid change set: %v", err)
	}
}

func TestTransaction_EnqueueIsIdempotent(t *testing.T) {
	cache := setupTestCache(t, []PackageSpec{spec("A", "1.0")}, nil)
	pkg := mustFind(t, cache, "A", "1.0")

	tx := NewTransaction(cache, PolicyInstall{})
	for i := 0; i < 3; i++ {
		if err := tx.Enqueue(pkg, ActionInstall); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if len(tx.Intents()) != 1 {
		t.Errorf("Expected 1 intent, got %d", len(tx.Intents()))
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if tx.ChangeSet().Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", tx.ChangeSet().Len())
	}
}

func TestTransaction_AlreadySatisfied(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{spec("new", "1.0")},
		[]PackageSpec{spec("old", "1.0")},
	)

	tests := []struct {
		name    string
		pkg     *Package
		action  Action
		wantErr func(error) bool
	}{
		{"install installed", mustFind(t, cache, "old", "1.0"), ActionInstall, IsAlreadySatisfied},
		{"remove not installed", mustFind(t, cache, "new", "1.0"), ActionRemove, IsAlreadySatisfied},
		{"reinstall not installed", mustFind(t, cache, "new", "1.0"), ActionReinstall, func(err error) bool {
			return err != nil && !IsAlreadySatisfied(err)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := NewTransaction(cache, PolicyInstall{})
			err := tx.Enqueue(tt.pkg, tt.action)
			if !tt.wantErr(err) {
				t.Errorf("Unexpected error: %v", err)
			}
			if tx.State() != StateEmpty {
				t.Errorf("Expected state to remain %s, got %s", StateEmpty, tx.State())
			}
		})
	}

	err := NewTransaction(cache, PolicyInstall{}).Enqueue(mustFind(t, cache, "old", "1.0"), ActionInstall)
	if !errors.Is(err, &EngineError{Class: ErrorClassExpected, Code: ErrCodeAlreadySatisfied}) {
		t.Errorf("Expected errors.Is to match already satisfied, got: %v", err)
	}
}

func TestTransaction_Upgrade(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{spec("foo", "2.0"), spec("foo", "0.5")},
		[]PackageSpec{spec("foo", "1.0")},
	)

	tests := []struct {
		version string
		want    map[string]Action
	}{
		{"2.0", map[string]Action{"foo-2.0.noarch": ActionUpgrade, "foo-1.0.noarch": ActionRemove}},
		{"0.5", map[string]Action{"foo-0.5.noarch": ActionDowngrade, "foo-1.0.noarch": ActionRemove}},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			tx := NewTransaction(cache, PolicyUpgrade{})
			if err := tx.Enqueue(mustFind(t, cache, "foo", tt.version), ActionInstall); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if err := tx.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			assertChangeSet(t, tx.ChangeSet(), tt.want)
		})
	}
}

func TestTransaction_UpgradeKeepsDependentsSatisfied(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{
			spec("libfoo", "2.0"),
			spec("libfoo-compat", "1.0", provides("libfoo.so.1")),
		},
		[]PackageSpec{
			spec("libfoo", "1.0", provides("libfoo.so.1")),
			spec("app", "1.0", requires("libfoo.so.1")),
		},
	)

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "libfoo", "2.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"libfoo-2.0.noarch":        ActionUpgrade,
		"libfoo-1.0.noarch":        ActionRemove,
		"libfoo-compat-1.0.noarch": ActionInstall,
	})
}

func TestTransaction_RemoveCascades(t *testing.T) {
	cache := setupTestCache(t, nil, []PackageSpec{
		spec("lib", "1.0"),
		spec("app", "1.0", requires("lib")),
		spec("tool", "1.0", requires("app")),
		spec("unrelated", "1.0"),
	})

	tx := NewTransaction(cache, PolicyRemove{})
	if err := tx.Enqueue(mustFind(t, cache, "lib", "1.0"), ActionRemove); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"lib-1.0.noarch":  ActionRemove,
		"app-1.0.noarch":  ActionRemove,
		"tool-1.0.noarch": ActionRemove,
	})
}

func TestTransaction_RemoveKeepsDependentsWithAlternative(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{spec("mawk", "1.3", provides("awk"))},
		[]PackageSpec{
			spec("gawk", "5.0", provides("awk")),
			spec("scripts", "1.0", requires("awk")),
		},
	)

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "gawk", "5.0"), ActionRemove); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"gawk-5.0.noarch": ActionRemove,
		"mawk-1.3.noarch": ActionInstall,
	})
}

func TestTransaction_RemoveBlockedWhenDependentsKept(t *testing.T) {
	cache := setupTestCache(t, nil, []PackageSpec{
		spec("lib", "1.0"),
		spec("app", "1.0", requires("lib")),
	})

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "lib", "1.0"), ActionRemove); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	err := tx.Run(context.Background())
	if !IsUnsatisfiable(err) {
		t.Fatalf("Expected unsatisfiable error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "app-1.0.noarch") {
		t.Errorf("Expected error to name the dependent, got: %v", err)
	}
}

func TestTransaction_ConflictWithInstalledRemovesIt(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{spec("postfix", "3.0", conflicts("mta"), provides("mail"))},
		[]PackageSpec{spec("sendmail", "8.0", provides("mta", "mail"))},
	)

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "postfix", "3.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"postfix-3.0.noarch":  ActionInstall,
		"sendmail-8.0.noarch": ActionRemove,
	})
}

func TestTransaction_ConflictPrefersReplacingPulledProvider(t *testing.T) {
	tests := []struct {
		name      string
		available []PackageSpec
		want      map[string]Action
	}{
		{
			name: "alternative provider",
			available: []PackageSpec{
				spec("A", "1.0", requires("cap")),
				spec("P1", "2.0", provides("cap"), conflicts("Z")),
				spec("P2", "1.0", provides("cap")),
			},
			want: map[string]Action{
				"A-1.0.noarch":  ActionInstall,
				"P2-1.0.noarch": ActionInstall,
			},
		},
		{
			name: "alternative conflicts too",
			available: []PackageSpec{
				spec("A", "1.0", requires("cap")),
				spec("P1", "2.0", provides("cap"), conflicts("Z")),
				spec("P2", "1.0", provides("cap"), conflicts("Z")),
			},
			want: map[string]Action{
				"A-1.0.noarch":  ActionInstall,
				"P1-2.0.noarch": ActionInstall,
				"Z-1.0.noarch":  ActionRemove,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := setupTestCache(t, tt.available, []PackageSpec{spec("Z", "1.0")})

			tx := NewTransaction(cache, PolicyInstall{})
			if err := tx.Enqueue(mustFind(t, cache, "A", "1.0"), ActionInstall); err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if err := tx.Run(context.Background()); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			assertChangeSet(t, tx.ChangeSet(), tt.want)
		})
	}
}

func TestTransaction_ConflictBetweenIntents(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{
			spec("a", "1.0", conflicts("b")),
			spec("b", "1.0"),
		},
		nil,
	)

	tx := NewTransaction(cache, PolicyInstall{})
	for _, name := range []string{"a", "b"} {
		if err := tx.Enqueue(mustFind(t, cache, name, "1.0"), ActionInstall); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	err := tx.Run(context.Background())
	if !IsConflictUnresolved(err) {
		t.Fatalf("Expected unresolved conflict, got: %v", err)
	}
	if !IsUnsatisfiable(err) {
		t.Error("Expected an unresolved conflict to also be unsatisfiable")
	}
}

func TestTransaction_ConflictReroutesRequirement(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{
			spec("A", "1.0", requires("cap")),
			spec("C", "1.0"),
			spec("P1", "2.0", provides("cap"), conflicts("C")),
			spec("P2", "1.0", provides("cap")),
		},
		nil,
	)

	tx := NewTransaction(cache, PolicyInstall{})
	for _, name := range []string{"A", "C"} {
		if err := tx.Enqueue(mustFind(t, cache, name, "1.0"), ActionInstall); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"A-1.0.noarch":  ActionInstall,
		"C-1.0.noarch":  ActionInstall,
		"P2-1.0.noarch": ActionInstall,
	})
}

func TestTransaction_RemovePolicyRejectsConflicts(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{spec("a", "1.0", conflicts("b"))},
		[]PackageSpec{spec("b", "1.0")},
	)

	tx := NewTransaction(cache, PolicyRemove{})
	if err := tx.Enqueue(mustFind(t, cache, "a", "1.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); !IsConflictUnresolved(err) {
		t.Fatalf("Expected unresolved conflict, got: %v", err)
	}
}

func TestTransaction_StateMachine(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{spec("a", "1.0"), spec("b", "1.0", requires("missing"))},
		nil,
	)
	tx := NewTransaction(cache, PolicyInstall{})

	if tx.State() != StateEmpty {
		t.Fatalf("Expected %s, got %s", StateEmpty, tx.State())
	}
	if !tx.ChangeSet().IsEmpty() {
		t.Error("Expected empty change set before Run")
	}

	if err := tx.Enqueue(mustFind(t, cache, "a", "1.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if tx.State() != StateEnqueuing {
		t.Fatalf("Expected %s, got %s", StateEnqueuing, tx.State())
	}
	if !tx.ChangeSet().IsEmpty() {
		t.Error("Expected empty change set before Run")
	}

	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if tx.State() != StateResolved {
		t.Fatalf("Expected %s, got %s", StateResolved, tx.State())
	}

	// New intents re-resolve from every intent.
	if err := tx.Enqueue(mustFind(t, cache, "b", "1.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if tx.State() != StateEnqueuing {
		t.Fatalf("Expected %s, got %s", StateEnqueuing, tx.State())
	}
	if err := tx.Run(context.Background()); !IsUnsatisfiable(err) {
		t.Fatalf("Expected unsatisfiable error, got: %v", err)
	}
	if tx.State() != StateFailed {
		t.Fatalf("Expected %s, got %s", StateFailed, tx.State())
	}

	if err := tx.Enqueue(mustFind(t, cache, "b", "1.0"), ActionFix); err == nil {
		t.Fatal("Expected fix of a package that is not installed to fail")
	}
	tx2 := NewTransaction(cache, PolicyInstall{})
	if err := tx2.Run(context.Background()); err != nil {
		t.Fatalf("Run of empty transaction failed: %v", err)
	}
	if tx2.State() != StateResolved || !tx2.ChangeSet().IsEmpty() {
		t.Errorf("Expected empty resolved transaction, got %s with %d entries", tx2.State(), tx2.ChangeSet().Len())
	}
}

func TestTransaction_StaleAfterReload(t *testing.T) {
	cache := setupTestCache(t, []PackageSpec{spec("a", "1.0")}, nil)
	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "a", "1.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := cache.Load(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	err := tx.Run(context.Background())
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeStaleTransaction {
		t.Fatalf("Expected stale transaction error, got: %v", err)
	}
}

func TestTransaction_RunDoesNotMutateCache(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{spec("A", "1.0", requires("libX")), spec("B", "1.0", provides("libX"))},
		nil,
	)
	before := len(cache.Packages())
	gen := cache.Generation()

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "A", "1.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(cache.Packages()) != before || cache.Generation() != gen {
		t.Error("Expected Run to leave the cache untouched")
	}
	if mustFind(t, cache, "B", "1.0").Installed() {
		t.Error("Expected B to remain not installed")
	}
}

func TestTransaction_ObsoletedPackageIsRemoved(t *testing.T) {
	cache := setupTestCache(t,
		[]PackageSpec{spec("newmail", "1.0", upgrades("oldmail"))},
		[]PackageSpec{spec("oldmail", "3.0")},
	)

	tx := NewTransaction(cache, PolicyInstall{})
	if err := tx.Enqueue(mustFind(t, cache, "newmail", "1.0"), ActionInstall); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := tx.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	assertChangeSet(t, tx.ChangeSet(), map[string]Action{
		"newmail-1.0.noarch": ActionInstall,
		"oldmail-3.0.noarch": ActionRemove,
	})
}
