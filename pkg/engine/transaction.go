package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxResolveSteps bounds the work queue. Every step either settles an item or
// grows the excluded set, so a healthy run stays far below it.
const maxResolveSteps = 1 << 20

// Transaction resolves a set of intents against one Cache snapshot.
type Transaction struct {
	id         string
	cache      *Cache
	policy     Policy
	generation string
	logger     zerolog.Logger

	intents   []ChangeEntry
	state     TransactionState
	changeSet *ChangeSet
	err       error
}

// TransactionOption configures a Transaction.
type TransactionOption func(*Transaction)

// WithTransactionLogger sets the transaction logger.
func WithTransactionLogger(logger zerolog.Logger) TransactionOption {
	return func(t *Transaction) {
		t.logger = logger
	}
}

// WithTransactionID overrides the generated transaction ID.
func WithTransactionID(id string) TransactionOption {
	return func(t *Transaction) {
		t.id = id
	}
}

// NewTransaction creates an empty transaction bound to the current cache generation.
func NewTransaction(cache *Cache, policy Policy, opts ...TransactionOption) *Transaction {
	t := &Transaction{
		id:         uuid.New().String(),
		cache:      cache,
		policy:     policy,
		generation: cache.Generation(),
		logger:     zerolog.Nop(),
		state:      StateEmpty,
		changeSet:  NewChangeSet(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With().Str("transaction_id", t.id).Str("policy", policy.Name()).Logger()
	return t
}

// ID returns the transaction ID.
func (t *Transaction) ID() string {
	return t.id
}

// Policy returns the resolution policy.
func (t *Transaction) Policy() Policy {
	return t.policy
}

// Generation returns the cache generation the transaction is bound to.
func (t *Transaction) Generation() string {
	return t.generation
}

// Cache returns the package graph the transaction resolves against.
func (t *Transaction) Cache() *Cache {
	return t.cache
}

// State returns the lifecycle state.
func (t *Transaction) State() TransactionState {
	return t.state
}

// Err returns the error of the last failed Run.
func (t *Transaction) Err() error {
	return t.err
}

// Intents returns the enqueued intents in enqueue order.
func (t *Transaction) Intents() []ChangeEntry {
	return append([]ChangeEntry(nil), t.intents...)
}

// Enqueue records an intent. It returns an AlreadySatisfied error when pkg
// is already in the requested end state. Enqueueing the same intent twice is
// a no-op; a new action for a package replaces the previous one.
func (t *Transaction) Enqueue(pkg *Package, action Action) error {
	if err := action.Validate(); err != nil {
		return NewPermanentError("invalid intent", err).WithCode(ErrCodeValidation)
	}

	switch action {
	case ActionInstall, ActionUpgrade, ActionDowngrade, ActionRemove:
		if pkg.Installed() == (action != ActionRemove) {
			return NewAlreadySatisfiedError(pkg, action)
		}
	case ActionReinstall, ActionFix:
		if !pkg.Installed() {
			return NewPermanentError(fmt.Sprintf("%s is not installed", pkg), nil).
				WithCode(ErrCodeValidation).
				WithPackage(pkg.String()).
				WithOperation(string(action))
		}
	}

	for i, in := range t.intents {
		if in.Package != pkg {
			continue
		}
		if in.Action == action {
			return nil
		}
		t.intents = slices.Delete(t.intents, i, i+1)
		break
	}
	t.intents = append(t.intents, ChangeEntry{Package: pkg, Action: action})
	t.state = StateEnqueuing
	return nil
}

// Run resolves the accumulated intents. After a successful Run, calling it
// again without new intents returns the cached result. New intents cause a
// full re-resolution from every intent.
func (t *Transaction) Run(ctx context.Context) error {
	switch t.state {
	case StateResolved:
		return nil
	case StateFailed:
		return t.err
	case StateEmpty:
		t.changeSet = NewChangeSet()
		t.state = StateResolved
		return nil
	}

	if gen := t.cache.Generation(); gen != t.generation {
		t.fail(NewPermanentError("package cache was reloaded after the transaction was created", nil).
			WithCode(ErrCodeStaleTransaction).
			WithDetail("transaction_generation", t.generation).
			WithDetail("cache_generation", gen))
		return t.err
	}

	r := newResolver(t.cache, t.policy, t.logger)
	cs, err := r.resolve(ctx, t.intents)
	if err != nil {
		t.fail(err)
		return err
	}

	t.changeSet = cs
	t.state = StateResolved
	t.err = nil
	t.logger.Debug().Int("changes", cs.Len()).Int("steps", r.steps).Msg("Transaction resolved")
	return nil
}

func (t *Transaction) fail(err error) {
	t.changeSet = NewChangeSet()
	t.state = StateFailed
	t.err = err
	t.logger.Debug().Err(err).Msg("Transaction failed")
}

// ChangeSet returns a copy of the resolved change set. It is empty unless the
// transaction is resolved.
func (t *Transaction) ChangeSet() *ChangeSet {
	if t.state != StateResolved {
		return NewChangeSet()
	}
	return t.changeSet.Copy()
}

type workKind int

const (
	workRequire workKind = iota
	workRemove
	workConflict
)

type workItem struct {
	kind workKind
	pkg  *Package
	req  Capability
}

func (w workItem) key() string {
	return fmt.Sprintf("%d|%s|%s", w.kind, w.pkg.Key(), w.req)
}

// pullReason records which requirement pulled a package into the change set.
type pullReason struct {
	requirer *Package
	req      Capability
}

type resolver struct {
	cache  *Cache
	policy Policy
	logger zerolog.Logger

	cs       *ChangeSet
	intents  map[*Package]Action
	excluded map[*Package]bool
	reasons  map[*Package]pullReason
	replaces map[*Package][]*Package

	queue   []workItem
	pending map[string]bool
	steps   int
}

func newResolver(cache *Cache, policy Policy, logger zerolog.Logger) *resolver {
	return &resolver{
		cache:    cache,
		policy:   policy,
		logger:   logger,
		cs:       NewChangeSet(),
		intents:  make(map[*Package]Action),
		excluded: make(map[*Package]bool),
		reasons:  make(map[*Package]pullReason),
		replaces: make(map[*Package][]*Package),
		pending:  make(map[string]bool),
	}
}

func (r *resolver) resolve(ctx context.Context, intents []ChangeEntry) (*ChangeSet, error) {
	r.seed(intents)

	for len(r.queue) > 0 {
		r.steps++
		if r.steps > maxResolveSteps {
			return nil, NewInternalError("resolution did not converge", nil).
				WithDetail("steps", r.steps)
		}
		if r.steps%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		item := r.queue[0]
		r.queue = r.queue[1:]
		delete(r.pending, item.key())

		var err error
		switch item.kind {
		case workRequire:
			err = r.processRequire(item.pkg, item.req)
		case workRemove:
			r.processRemove(item.pkg)
		case workConflict:
			err = r.processConflict(item.pkg)
		}
		if err != nil {
			return nil, err
		}
	}

	r.prune()

	if err := r.cs.Validate(); err != nil {
		return nil, NewInternalError("resolved change set is inconsistent", err)
	}
	return r.cs, nil
}

// seed marks every intent, keeping one install-like intent per name.
func (r *resolver) seed(intents []ChangeEntry) {
	byName := make(map[string][]*Package)
	actions := make(map[*Package]Action)
	var names []string
	for _, in := range intents {
		if !in.Action.IsInstallLike() {
			continue
		}
		if _, ok := byName[in.Package.Name]; !ok {
			names = append(names, in.Package.Name)
		}
		byName[in.Package.Name] = append(byName[in.Package.Name], in.Package)
		actions[in.Package] = in.Action
	}
	slices.Sort(names)

	for _, name := range names {
		candidates := byName[name]
		chosen := candidates[0]
		if len(candidates) > 1 {
			chosen = r.policy.Rank(Capability{Name: name}, nil, candidates)[0]
			for _, pkg := range candidates {
				if pkg != chosen {
					r.logger.Debug().Str("package", pkg.String()).Str("chosen", chosen.String()).
						Msg("Skipping intent for another version of the same package")
				}
			}
		}
		r.intents[chosen] = actions[chosen]
		r.install(chosen, actions[chosen])
	}

	for _, in := range intents {
		switch in.Action {
		case ActionRemove:
			r.intents[in.Package] = ActionRemove
			r.cs.Set(in.Package, ActionRemove)
			r.push(workItem{kind: workRemove, pkg: in.Package})
		case ActionFix:
			if r.cs.IsRemoving(in.Package) {
				continue
			}
			r.intents[in.Package] = ActionFix
			r.cs.Set(in.Package, ActionFix)
			for _, req := range in.Package.Requires {
				r.push(workItem{kind: workRequire, pkg: in.Package, req: req})
			}
		}
	}
}

// install marks pkg and every installed package it replaces.
func (r *resolver) install(pkg *Package, action Action) {
	final := action
	if action != ActionReinstall {
		var newest *Package
		for _, old := range r.cache.Installed() {
			if old == pkg || (old.Name != pkg.Name && !pkg.Upgrade(old)) {
				continue
			}
			if _, intended := r.intents[old]; intended {
				continue
			}
			if old.Name == pkg.Name && (newest == nil || compareFull(old.Version, newest.Version) > 0) {
				newest = old
			}
			r.cs.Set(old, ActionRemove)
			r.replaces[pkg] = append(r.replaces[pkg], old)
			r.push(workItem{kind: workRemove, pkg: old})
		}
		switch {
		case newest == nil:
			final = ActionInstall
		case compareFull(pkg.Version, newest.Version) >= 0:
			final = ActionUpgrade
		default:
			final = ActionDowngrade
		}
	}

	r.cs.Set(pkg, final)
	for _, req := range pkg.Requires {
		r.push(workItem{kind: workRequire, pkg: pkg, req: req})
	}
	r.push(workItem{kind: workConflict, pkg: pkg})
}

func (r *resolver) push(item workItem) {
	key := item.key()
	if r.pending[key] {
		return
	}
	r.pending[key] = true
	r.queue = append(r.queue, item)
}

func (r *resolver) isIntent(pkg *Package) bool {
	_, ok := r.intents[pkg]
	return ok
}

// isActive reports whether pkg will be on the system after the change set:
// marked install-like or fix, or installed and left alone.
func (r *resolver) isActive(pkg *Package) bool {
	if a, ok := r.cs.Get(pkg); ok {
		return a.IsInstallLike() || a == ActionFix
	}
	return pkg.Installed()
}

// satisfied reports whether an active package provides req.
func (r *resolver) satisfied(req Capability) bool {
	for _, p := range r.cache.Providers(req) {
		if r.isActive(p) {
			return true
		}
	}
	return false
}

// candidates returns the packages that could be added to provide req.
func (r *resolver) candidates(req Capability) []*Package {
	var out []*Package
	for _, p := range r.cache.Providers(req) {
		if r.excluded[p] || p.Installed() {
			continue
		}
		if _, ok := r.cs.Get(p); ok {
			continue
		}
		if other, ok := r.cs.InstallingName(p.Name); ok && other != p {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *resolver) pick(req Capability, requirer *Package, candidates []*Package) *Package {
	if len(candidates) == 1 {
		return candidates[0]
	}
	return r.policy.Rank(req, requirer, candidates)[0]
}

func (r *resolver) processRequire(pkg *Package, req Capability) error {
	if !r.isActive(pkg) {
		return nil
	}
	if r.satisfied(req) {
		return nil
	}

	_, inChangeSet := r.cs.Get(pkg)
	if !inChangeSet && !r.policy.KeepDependents() {
		r.logger.Debug().Str("package", pkg.String()).Str("requires", req.String()).
			Msg("Removing dependent of removed package")
		r.cs.Set(pkg, ActionRemove)
		r.push(workItem{kind: workRemove, pkg: pkg})
		return nil
	}

	candidates := r.candidates(req)
	if len(candidates) == 0 {
		if !inChangeSet {
			return NewUnsatisfiableError(
				fmt.Sprintf("%s requires %s, which is only provided by packages being removed", pkg, req),
				r.removalChain(pkg, req),
			).WithPackage(pkg.String())
		}
		return NewUnsatisfiableError(
			fmt.Sprintf("%s requires %s, which no available package provides", pkg, req),
			r.chain(pkg, req),
		).WithPackage(pkg.String())
	}

	chosen := r.pick(req, pkg, candidates)
	r.reasons[chosen] = pullReason{requirer: pkg, req: req}
	r.logger.Debug().Str("package", chosen.String()).Str("for", pkg.String()).Str("requires", req.String()).
		Int("candidates", len(candidates)).Msg("Selected provider")
	r.install(chosen, ActionInstall)
	return nil
}

// processRemove re-checks every requirement the removed package satisfied.
func (r *resolver) processRemove(pkg *Package) {
	if !r.cs.IsRemoving(pkg) {
		return
	}
	for _, dep := range r.cache.Requirers(pkg) {
		if !r.isActive(dep) {
			continue
		}
		for _, req := range dep.Requires {
			if pkg.Satisfies(req) {
				r.push(workItem{kind: workRequire, pkg: dep, req: req})
			}
		}
	}
}

func (r *resolver) processConflict(pkg *Package) error {
	for _, other := range r.cache.ConflictsOf(pkg) {
		if !r.cs.IsInstalling(pkg) {
			return nil
		}
		otherInstalling := r.cs.IsInstalling(other)
		otherKept := !otherInstalling && r.isActive(other)
		if !otherInstalling && !otherKept {
			continue
		}

		c := Conflict{
			A:          pkg,
			B:          other,
			AIntent:    r.isIntent(pkg),
			BIntent:    r.isIntent(other),
			BInstalled: otherKept,
			ARequired:  r.requiredCount(pkg),
			BRequired:  r.requiredCount(other),

			AReplaceable: r.replaceable(pkg, other),
			BReplaceable: otherInstalling && r.replaceable(other, pkg),
		}
		chain := append(r.chain(pkg, Capability{}), fmt.Sprintf("%s conflicts with %s", pkg, other))

		drop, err := r.policy.ResolveConflict(c)
		if err != nil {
			return NewConflictError(fmt.Sprintf("%s conflicts with %s", pkg, other), chain, err).
				WithPackage(pkg.String())
		}
		if drop != pkg && drop != other {
			return NewInternalError(fmt.Sprintf("policy %s dropped a package outside the conflict", r.policy.Name()), nil).
				WithPackage(pkg.String())
		}
		if r.isIntent(drop) {
			return NewConflictError(
				fmt.Sprintf("resolving the conflict between %s and %s would drop requested package %s", pkg, other, drop),
				chain, nil,
			).WithPackage(drop.String())
		}
		r.logger.Debug().Str("package", pkg.String()).Str("conflicts", other.String()).
			Str("dropped", drop.String()).Msg("Resolved conflict")
		r.drop(drop)
	}
	return nil
}

// replaceable reports whether pkg was pulled in for a requirement that
// another provider not conflicting with rival could satisfy instead.
func (r *resolver) replaceable(pkg, rival *Package) bool {
	if r.isIntent(pkg) {
		return false
	}
	reason, ok := r.reasons[pkg]
	if !ok {
		return false
	}
	for _, p := range r.cache.Providers(reason.req) {
		if p == pkg || r.excluded[p] || p.Installed() || r.cs.IsRemoving(p) {
			continue
		}
		if other, ok := r.cs.InstallingName(p.Name); ok && other != p && other != pkg {
			continue
		}
		if p.ConflictsWith(rival) {
			continue
		}
		return true
	}
	return false
}

// drop takes pkg out of the final system state. A package marked install-like
// is excluded from further candidacy; an installed package is removed.
func (r *resolver) drop(pkg *Package) {
	if !r.cs.IsInstalling(pkg) {
		r.cs.Set(pkg, ActionRemove)
		r.push(workItem{kind: workRemove, pkg: pkg})
		return
	}

	r.cs.Delete(pkg)
	r.excluded[pkg] = true
	r.restoreReplaced(pkg)
	delete(r.reasons, pkg)

	for _, dep := range r.cache.Requirers(pkg) {
		if !r.isActive(dep) {
			continue
		}
		for _, req := range dep.Requires {
			if pkg.Satisfies(req) {
				r.push(workItem{kind: workRequire, pkg: dep, req: req})
			}
		}
	}
}

func (r *resolver) restoreReplaced(pkg *Package) {
	for _, old := range r.replaces[pkg] {
		if r.cs.IsRemoving(old) && !r.isIntent(old) {
			r.cs.Delete(old)
		}
	}
	delete(r.replaces, pkg)
}

// requiredCount counts requirements of active packages that pkg satisfies.
func (r *resolver) requiredCount(pkg *Package) int {
	n := 0
	for _, dep := range r.cache.Requirers(pkg) {
		if !r.isActive(dep) {
			continue
		}
		for _, req := range dep.Requires {
			if pkg.Satisfies(req) {
				n++
			}
		}
	}
	return n
}

// prune drops packages that were pulled in for a requirer no longer present.
func (r *resolver) prune() {
	for changed := true; changed; {
		changed = false
		for _, pkg := range r.cs.Installs() {
			if r.isIntent(pkg) {
				continue
			}
			if _, pulled := r.reasons[pkg]; !pulled {
				continue
			}
			if r.requiredCount(pkg) > 0 {
				continue
			}
			r.logger.Debug().Str("package", pkg.String()).Msg("Pruning unneeded package")
			r.cs.Delete(pkg)
			r.restoreReplaced(pkg)
			delete(r.reasons, pkg)
			changed = true
		}
	}
}

// chain renders the requirement path from an intent down to pkg requiring req.
func (r *resolver) chain(pkg *Package, req Capability) []string {
	var links []string
	seen := make(map[*Package]bool)
	for p := pkg; p != nil && !seen[p]; {
		seen[p] = true
		reason, ok := r.reasons[p]
		if !ok {
			break
		}
		links = append(links, fmt.Sprintf("%s requires %s", reason.requirer, reason.req))
		p = reason.requirer
	}
	slices.Reverse(links)
	if req.Name != "" {
		links = append(links, fmt.Sprintf("%s requires %s", pkg, req))
	}
	return links
}

// removalChain explains which removed packages provided req.
func (r *resolver) removalChain(pkg *Package, req Capability) []string {
	links := []string{fmt.Sprintf("%s requires %s", pkg, req)}
	for _, p := range r.cache.Providers(req) {
		if r.cs.IsRemoving(p) {
			links = append(links, fmt.Sprintf("%s is being removed", p))
		}
	}
	return links
}
