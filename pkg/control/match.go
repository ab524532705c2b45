package control

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/openfroyo/epm/pkg/engine"
)

// matcher selects packages by a user argument: a glob such as "*kgna*", or
// "name", "name-version" or "name-version-release".
type matcher struct {
	arg  string
	glob glob.Glob
}

func newMatcher(arg string) (*matcher, error) {
	m := &matcher{arg: arg}
	if strings.ContainsAny(arg, "*?[{") {
		g, err := glob.Compile(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", arg, err)
		}
		m.glob = g
	}
	return m, nil
}

func (m *matcher) match(pkg *engine.Package) bool {
	if m.glob == nil {
		return pkg.MatchName(m.arg)
	}
	return m.glob.Match(pkg.Name) || m.glob.Match(pkg.Name+"-"+pkg.Version)
}

// filter returns the packages matched by m, keeping their order.
func (m *matcher) filter(pkgs []*engine.Package) []*engine.Package {
	var out []*engine.Package
	for _, pkg := range pkgs {
		if m.match(pkg) {
			out = append(out, pkg)
		}
	}
	return out
}

// Query returns the cached packages matching any of args, or every package
// when args is empty. installedOnly restricts the result to installed
// packages.
func (c *Control) Query(args []string, installedOnly bool) ([]*engine.Package, error) {
	var matchers []*matcher
	for _, arg := range args {
		m, err := newMatcher(arg)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}

	var out []*engine.Package
	for _, pkg := range c.cache.Packages() {
		if installedOnly && !pkg.Installed() {
			continue
		}
		if len(matchers) == 0 {
			out = append(out, pkg)
			continue
		}
		for _, m := range matchers {
			if m.match(pkg) {
				out = append(out, pkg)
				break
			}
		}
	}
	return out, nil
}
