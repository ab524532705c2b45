// Package scripted lets users rank resolution candidates with a Starlark
// script.
//
// The script defines score(pkg) returning an int. Higher scores rank first;
// candidates with equal scores keep the order of the wrapped policy:
//
//	def score(pkg):
//	    if pkg.channel == "internal":
//	        return 10
//	    if "-dbg" in pkg.name:
//	        return -1
//	    return 0
//
// pkg is a struct with name, version, arch, backend, summary, channel,
// installed, requires, provides, conflicts and upgrades. version_compare(a, b)
// compares two version strings and returns -1, 0 or 1.
package scripted
