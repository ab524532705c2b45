package guard

import (
	"time"
)

// Severity is the level of a rule violation.
type Severity string

const (
	// SeverityWarning is reported but does not block the commit.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the commit.
	SeverityError Severity = "error"
)

// Rule is a Rego module with deny and warn sets.
type Rule struct {
	// Name is the unique rule name, the file name for rules read from disk.
	Name string `json:"name"`

	// Description is taken from the leading comment of the module.
	Description string `json:"description"`

	// Rego is the module source.
	Rego string `json:"rego"`

	// Builtin marks rules compiled into epm.
	Builtin bool `json:"builtin"`

	// Source is the file the rule was read from.
	Source string `json:"source,omitempty"`
}

// Violation is one deny or warn result.
type Violation struct {
	Rule     string   `json:"rule"`
	Package  string   `json:"package,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// String formats the violation for display.
func (v Violation) String() string {
	if v.Package != "" {
		return v.Rule + ": " + v.Package + ": " + v.Message
	}
	return v.Rule + ": " + v.Message
}

// Result is the outcome of evaluating every rule.
type Result struct {
	// Allowed is false when any rule denied the change set.
	Allowed bool `json:"allowed"`

	Denials  []Violation `json:"denials,omitempty"`
	Warnings []Violation `json:"warnings,omitempty"`

	// Rules lists the evaluated rule names.
	Rules []string `json:"rules"`

	Duration time.Duration `json:"duration"`
}

// Input is the document rules evaluate.
type Input struct {
	Policy         string        `json:"policy"`
	Architecture   string        `json:"architecture,omitempty"`
	Protected      []string      `json:"protected"`
	AllowDowngrade bool          `json:"allow_downgrade"`
	MaxRemovals    int           `json:"max_removals"`
	Changes        []ChangeInput `json:"changes"`
}

// ChangeInput is one change set entry.
type ChangeInput struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Arch    string `json:"arch"`
	Backend string `json:"backend"`
	Action  string `json:"action"`

	// Replaces is the version removed by the same transaction under the same
	// name, if any.
	Replaces string `json:"replaces,omitempty"`
}
