package scripted

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/epm/pkg/engine"
)

// DefaultTimeout bounds a single score call.
const DefaultTimeout = time.Second

// Ranker scores packages with a user script.
type Ranker struct {
	name    string
	score   starlark.Callable
	timeout time.Duration
	logger  zerolog.Logger

	// mu serializes score calls and guards scores.
	mu     sync.Mutex
	scores map[string]scoreResult
}

type scoreResult struct {
	value int64
	err   error
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithTimeout sets the limit of a single score call.
func WithTimeout(d time.Duration) Option {
	return func(r *Ranker) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Ranker) {
		r.logger = logger.With().Str("component", "scripted").Logger()
	}
}

// LoadFile compiles the ranking script at path.
func LoadFile(path string, opts ...Option) (*Ranker, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ranking script: %w", err)
	}
	return Compile(path, string(src), opts...)
}

// Compile executes src and keeps its score function.
func Compile(name, src string, opts ...Option) (*Ranker, error) {
	r := &Ranker{
		name:    name,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
		scores:  make(map[string]scoreResult),
	}
	for _, opt := range opts {
		opt(r)
	}

	predeclared := starlark.StringDict{
		"struct":          starlark.NewBuiltin("struct", starlarkstruct.Make),
		"version_compare": starlark.NewBuiltin("version_compare", builtinVersionCompare),
	}

	thread := r.newThread()
	stop := time.AfterFunc(r.timeout, func() { thread.Cancel("ranking script timed out") })
	globals, err := starlark.ExecFile(thread, name, src, predeclared)
	stop.Stop()
	if err != nil {
		return nil, fmt.Errorf("failed to execute ranking script: %w", err)
	}

	score, ok := globals["score"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("ranking script %s must define score(pkg)", name)
	}
	r.score = score
	return r, nil
}

func (r *Ranker) newThread() *starlark.Thread {
	return &starlark.Thread{
		Name: "epm-ranking",
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.Debug().Str("script", r.name).Msg(msg)
		},
	}
}

// Score returns the script's score for pkg. Results are cached per package
// key, failures included, so a package scores the same for the lifetime of
// the Ranker.
func (r *Ranker) Score(pkg *engine.Package) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.scores[pkg.Key()]; ok {
		return res.value, res.err
	}
	s, err := r.eval(pkg)
	if err != nil {
		s = 0
	}
	r.scores[pkg.Key()] = scoreResult{value: s, err: err}
	return s, err
}

func (r *Ranker) eval(pkg *engine.Package) (int64, error) {
	arg, err := packageValue(pkg)
	if err != nil {
		return 0, err
	}

	thread := r.newThread()
	stop := time.AfterFunc(r.timeout, func() { thread.Cancel("score timed out") })
	v, err := starlark.Call(thread, r.score, starlark.Tuple{arg}, nil)
	stop.Stop()
	if err != nil {
		return 0, fmt.Errorf("score(%s) failed: %w", pkg, err)
	}

	i, ok := v.(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("score(%s) returned %s, want int", pkg, v.Type())
	}
	s, ok := i.Int64()
	if !ok {
		return 0, fmt.Errorf("score(%s) is out of range", pkg)
	}
	return s, nil
}

// Wrap returns a policy that ranks candidates by score before falling back
// to base.
func (r *Ranker) Wrap(base engine.Policy) engine.Policy {
	return &rankedPolicy{Policy: base, ranker: r}
}

type rankedPolicy struct {
	engine.Policy
	ranker *Ranker
}

func (p *rankedPolicy) Rank(req engine.Capability, requirer *engine.Package, candidates []*engine.Package) []*engine.Package {
	ranked := p.Policy.Rank(req, requirer, candidates)

	scores := make(map[*engine.Package]int64, len(ranked))
	for _, pkg := range ranked {
		s, err := p.ranker.Score(pkg)
		if err != nil {
			p.ranker.logger.Warn().Err(err).Str("package", pkg.String()).Msg("Scoring failed")
		}
		scores[pkg] = s
	}

	slices.SortStableFunc(ranked, func(a, b *engine.Package) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		default:
			return 0
		}
	})
	return ranked
}
