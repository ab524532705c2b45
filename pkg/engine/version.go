package engine

import (
	"strconv"
	"strings"
)

// CompareVersions compares two "[epoch:]version[-release]" strings using
// rpm/dpkg segment ordering. It returns -1, 0 or 1.
//
// A missing release on either side is treated as a wildcard, so "1.0" equals
// "1.0-3". Use compareFull when both releases must participate.
func CompareVersions(a, b string) int {
	ea, va, ra := splitVersion(a)
	eb, vb, rb := splitVersion(b)
	if ea != eb {
		if ea < eb {
			return -1
		}
		return 1
	}
	if c := compareSegments(va, vb); c != 0 {
		return c
	}
	if ra == "" || rb == "" {
		return 0
	}
	return compareSegments(ra, rb)
}

// compareFull orders versions with a missing release sorting first.
func compareFull(a, b string) int {
	if c := CompareVersions(a, b); c != 0 {
		return c
	}
	_, _, ra := splitVersion(a)
	_, _, rb := splitVersion(b)
	switch {
	case ra == rb:
		return 0
	case ra == "":
		return -1
	case rb == "":
		return 1
	}
	return 0
}

func splitVersion(s string) (epoch int, version, release string) {
	if i := strings.IndexByte(s, ':'); i > 0 {
		if n, err := strconv.Atoi(s[:i]); err == nil {
			epoch = n
			s = s[i+1:]
		}
	}
	if i := strings.LastIndexByte(s, '-'); i >= 0 {
		return epoch, s[:i], s[i+1:]
	}
	return epoch, s, ""
}

func compareSegments(a, b string) int {
	if a == b {
		return 0
	}
	for {
		a = strings.TrimLeftFunc(a, isVersionSeparator)
		b = strings.TrimLeftFunc(b, isVersionSeparator)

		// "~" sorts before anything, even the end of the string.
		if strings.HasPrefix(a, "~") || strings.HasPrefix(b, "~") {
			if !strings.HasPrefix(a, "~") {
				return 1
			}
			if !strings.HasPrefix(b, "~") {
				return -1
			}
			a, b = a[1:], b[1:]
			continue
		}

		if a == "" || b == "" {
			break
		}

		numeric := isDigit(rune(a[0]))
		var sa, sb string
		if numeric {
			sa, a = splitRun(a, isDigit)
			sb, b = splitRun(b, isDigit)
		} else {
			sa, a = splitRun(a, isAlpha)
			sb, b = splitRun(b, isAlpha)
		}

		// Segments of different types: numeric is newer.
		if sb == "" {
			if numeric {
				return 1
			}
			return -1
		}

		if numeric {
			sa = strings.TrimLeft(sa, "0")
			sb = strings.TrimLeft(sb, "0")
			if len(sa) != len(sb) {
				if len(sa) < len(sb) {
					return -1
				}
				return 1
			}
		}
		if c := strings.Compare(sa, sb); c != 0 {
			return c
		}
	}

	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	default:
		return 1
	}
}

func splitRun(s string, pred func(rune) bool) (string, string) {
	i := 0
	for i < len(s) && pred(rune(s[i])) {
		i++
	}
	return s[:i], s[i:]
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isVersionSeparator(r rune) bool {
	return !isDigit(r) && !isAlpha(r) && r != '~'
}
