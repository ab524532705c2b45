package guard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates compiled rules against change sets.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]*compiledRule
	logger zerolog.Logger
}

type compiledRule struct {
	rule *Rule
	deny rego.PreparedEvalQuery
	warn rego.PreparedEvalQuery
}

// NewEngine creates an engine loaded with the built-in rules.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		rules:  make(map[string]*compiledRule),
		logger: logger.With().Str("component", "guard").Logger(),
	}

	builtins := BuiltinRules()
	for i := range builtins {
		cr, err := compileRule(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in rule %s: %w", builtins[i].Name, err)
		}
		e.rules[builtins[i].Name] = cr
	}

	return e, nil
}

// compileRule prepares the deny and warn queries of a rule.
func compileRule(ctx context.Context, rule *Rule) (*compiledRule, error) {
	module, err := ast.ParseModule(rule.Name, rule.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	path := module.Package.Path.String()

	prepare := func(set string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.Module(rule.Name, rule.Rego),
			rego.Query(path+"."+set),
		).PrepareForEval(ctx)
	}

	deny, err := prepare("deny")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare deny query: %w", err)
	}
	warn, err := prepare("warn")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare warn query: %w", err)
	}

	return &compiledRule{rule: rule, deny: deny, warn: warn}, nil
}

// SetRules replaces the custom rules. Built-in rules are kept. Nothing is
// replaced if any rule fails to compile.
func (e *Engine) SetRules(ctx context.Context, rules []Rule) error {
	compiled := make(map[string]*compiledRule, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.Builtin = false
		cr, err := compileRule(ctx, &rule)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		compiled[rule.Name] = cr
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.rules[name]; ok && existing.rule.Builtin {
			return fmt.Errorf("rule %s shadows a built-in rule", name)
		}
	}
	for name, cr := range e.rules {
		if !cr.rule.Builtin {
			delete(e.rules, name)
		}
	}
	for name, cr := range compiled {
		e.rules[name] = cr
	}

	e.logger.Debug().Int("count", len(compiled)).Msg("Custom rules loaded")
	return nil
}

// LoadRules reads the .rego files in dir and installs them as custom rules.
func (e *Engine) LoadRules(ctx context.Context, dir string) error {
	rules, err := NewLoader(e.logger).LoadDir(dir)
	if err != nil {
		return err
	}
	return e.SetRules(ctx, rules)
}

// ListRules returns the loaded rules sorted by name.
func (e *Engine) ListRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]Rule, 0, len(e.rules))
	for _, cr := range e.rules {
		rules = append(rules, *cr.rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// Evaluate runs every rule against input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()

	e.mu.RLock()
	rules := make([]*compiledRule, 0, len(e.rules))
	for _, cr := range e.rules {
		rules = append(rules, cr)
	}
	e.mu.RUnlock()
	sort.Slice(rules, func(i, j int) bool { return rules[i].rule.Name < rules[j].rule.Name })

	result := &Result{Allowed: true, Rules: make([]string, 0, len(rules))}
	for _, cr := range rules {
		result.Rules = append(result.Rules, cr.rule.Name)

		denials, err := evaluateSet(ctx, cr.deny, cr.rule.Name, SeverityError, input)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", cr.rule.Name, err)
		}
		warnings, err := evaluateSet(ctx, cr.warn, cr.rule.Name, SeverityWarning, input)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", cr.rule.Name, err)
		}

		result.Denials = append(result.Denials, denials...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	result.Allowed = len(result.Denials) == 0
	result.Duration = time.Since(start)

	e.logger.Debug().
		Int("rules", len(rules)).
		Int("denials", len(result.Denials)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Change set evaluated")

	return result, nil
}

// evaluateSet collects the elements of a deny or warn set.
func evaluateSet(ctx context.Context, query rego.PreparedEvalQuery, rule string, severity Severity, input *Input) ([]Violation, error) {
	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		set, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, elem := range set {
			violations = append(violations, newViolation(rule, severity, elem))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Package != violations[j].Package {
			return violations[i].Package < violations[j].Package
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

func newViolation(rule string, severity Severity, value interface{}) Violation {
	v := Violation{Rule: rule, Severity: severity}
	switch val := value.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if pkg, ok := val["package"].(string); ok {
			v.Package = pkg
		}
	default:
		v.Message = fmt.Sprintf("%v", value)
	}
	return v
}
