package engine

import (
	"fmt"
	"strings"
)

// Relation is the version operator of a Capability.
type Relation string

const (
	RelationAny Relation = ""
	RelationEQ  Relation = "="
	RelationLT  Relation = "<"
	RelationLE  Relation = "<="
	RelationGT  Relation = ">"
	RelationGE  Relation = ">="
)

// Validate checks if the relation is valid.
func (r Relation) Validate() error {
	switch r {
	case RelationAny, RelationEQ, RelationLT, RelationLE, RelationGT, RelationGE:
		return nil
	default:
		return fmt.Errorf("invalid relation: %s", r)
	}
}

// Capability is a (name, relation, version) expression. It is used both for
// requirements and for provisions.
type Capability struct {
	Name     string   `json:"name"`
	Relation Relation `json:"relation,omitempty"`
	Version  string   `json:"version,omitempty"`
}

// String renders the capability in the form accepted by ParseCapability.
func (c Capability) String() string {
	if c.Relation == RelationAny || c.Version == "" {
		return c.Name
	}
	return fmt.Sprintf("%s %s %s", c.Name, c.Relation, c.Version)
}

// MarshalText implements encoding.TextMarshaler so capabilities are written
// in their string form.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(text []byte) error {
	parsed, err := ParseCapability(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// CapabilityStrings renders a list of capabilities.
func CapabilityStrings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.String()
	}
	return out
}

// ParseCapability parses "name", "name=1.0" or "name >= 1.0-2".
func ParseCapability(s string) (Capability, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Capability{}, fmt.Errorf("empty capability")
	}
	i := strings.IndexAny(s, "<>=")
	if i < 0 {
		if strings.ContainsAny(s, " \t") {
			return Capability{}, fmt.Errorf("invalid capability %q", s)
		}
		return Capability{Name: s}, nil
	}
	name := strings.TrimSpace(s[:i])
	rest := s[i:]
	j := 0
	for j < len(rest) && strings.ContainsRune("<>=", rune(rest[j])) {
		j++
	}
	rel := Relation(rest[:j])
	if rel == "==" {
		rel = RelationEQ
	}
	version := strings.TrimSpace(rest[j:])
	if name == "" || version == "" {
		return Capability{}, fmt.Errorf("invalid capability %q", s)
	}
	if err := rel.Validate(); err != nil {
		return Capability{}, fmt.Errorf("invalid capability %q: %w", s, err)
	}
	return Capability{Name: name, Relation: rel, Version: version}, nil
}

// MustParseCapability is like ParseCapability but panics on error.
func MustParseCapability(s string) Capability {
	c, err := ParseCapability(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCapabilities parses a list of capability strings.
func ParseCapabilities(items []string) ([]Capability, error) {
	caps := make([]Capability, 0, len(items))
	for _, item := range items {
		c, err := ParseCapability(item)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}

// SatisfiedBy reports whether the provision p satisfies the requirement c.
// An unversioned requirement matches any provision of the same name. A
// versioned requirement needs a versioned provision.
func (c Capability) SatisfiedBy(p Capability) bool {
	if c.Name != p.Name {
		return false
	}
	if c.Relation == RelationAny || c.Version == "" {
		return true
	}
	if p.Version == "" {
		return false
	}
	// Provisions are exact versions.
	cmp := CompareVersions(p.Version, c.Version)
	switch c.Relation {
	case RelationEQ:
		return cmp == 0
	case RelationLT:
		return cmp < 0
	case RelationLE:
		return cmp <= 0
	case RelationGT:
		return cmp > 0
	case RelationGE:
		return cmp >= 0
	}
	return false
}
