package guard

// BuiltinRules returns the rules compiled into epm.
func BuiltinRules() []Rule {
	return []Rule{
		protectedRule(),
		downgradeRule(),
		architectureRule(),
		removalCountRule(),
	}
}

func protectedRule() Rule {
	return Rule{
		Name:        "protected",
		Description: "Protected packages cannot be removed unless replaced in the same transaction",
		Builtin:     true,
		Rego: `package epm.guard.protected

import rego.v1

install_like := {"install", "reinstall", "upgrade", "downgrade"}

replaced(name) if {
	some c in input.changes
	c.name == name
	c.action in install_like
}

deny contains violation if {
	some c in input.changes
	c.action == "remove"
	c.name in input.protected
	not replaced(c.name)
	violation := {
		"message": sprintf("%s-%s is protected and cannot be removed", [c.name, c.version]),
		"package": c.name,
	}
}
`,
	}
}

func downgradeRule() Rule {
	return Rule{
		Name:        "downgrade",
		Description: "Downgrades are denied unless allow_downgrade is set",
		Builtin:     true,
		Rego: `package epm.guard.downgrade

import rego.v1

deny contains violation if {
	not input.allow_downgrade
	some c in input.changes
	c.action == "downgrade"
	violation := {
		"message": sprintf("downgrade from %s to %s is not allowed", [c.replaces, c.version]),
		"package": c.name,
	}
}

warn contains violation if {
	input.allow_downgrade
	some c in input.changes
	c.action == "downgrade"
	violation := {
		"message": sprintf("downgrading from %s to %s", [c.replaces, c.version]),
		"package": c.name,
	}
}
`,
	}
}

func architectureRule() Rule {
	return Rule{
		Name:        "architecture",
		Description: "Installed packages must match the machine architecture or be noarch",
		Builtin:     true,
		Rego: `package epm.guard.architecture

import rego.v1

install_like := {"install", "reinstall", "upgrade", "downgrade"}

compatible(arch) if arch == "noarch"

compatible(arch) if arch == input.architecture

deny contains violation if {
	input.architecture != ""
	some c in input.changes
	c.action in install_like
	not compatible(c.arch)
	violation := {
		"message": sprintf("architecture %s does not match %s", [c.arch, input.architecture]),
		"package": c.name,
	}
}
`,
	}
}

func removalCountRule() Rule {
	return Rule{
		Name:        "removal-count",
		Description: "Warns when a transaction removes more packages than max_removals",
		Builtin:     true,
		Rego: `package epm.guard.removals

import rego.v1

install_like := {"install", "reinstall", "upgrade", "downgrade"}

replaced(name) if {
	some c in input.changes
	c.name == name
	c.action in install_like
}

removed := {c.name | some c in input.changes; c.action == "remove"; not replaced(c.name)}

warn contains msg if {
	input.max_removals > 0
	count(removed) > input.max_removals
	msg := sprintf("transaction removes %d packages", [count(removed)])
}
`,
	}
}
