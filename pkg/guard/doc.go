// Package guard evaluates Rego rules over a resolved change set before it is
// committed.
//
// Rules are Rego modules defining deny and warn sets. Each element is a
// message string or an object with "message" and "package" keys:
//
//	package epm.guard.custom
//
//	import rego.v1
//
//	deny contains {"message": msg, "package": c.name} if {
//		some c in input.changes
//		c.action == "remove"
//		startswith(c.name, "linux-image")
//		msg := sprintf("refusing to remove kernel %s", [c.version])
//	}
//
// Any deny blocks the transaction; warnings are reported and the commit
// proceeds. Built-in rules protect configured packages from removal, reject
// downgrades unless allowed, reject packages for another architecture and
// warn about large removals.
//
// Input documents have the shape of Input:
//
//	{
//	  "policy": "install",
//	  "architecture": "x86_64",
//	  "protected": ["libc6"],
//	  "allow_downgrade": false,
//	  "changes": [
//	    {"name": "hello", "version": "2.12", "arch": "x86_64",
//	     "backend": "archive", "action": "upgrade", "replaces": "2.10"}
//	  ]
//	}
//
// Custom rules are read from a directory of .rego files. Watch reloads them
// when the directory changes.
package guard
