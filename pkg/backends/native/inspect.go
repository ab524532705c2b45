package native

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/epm/pkg/engine"
)

const debFormat = "${Package}\\n${Version}\\n${Architecture}\\n${binary:Summary}\\n" +
	"${Depends}\\n${Pre-Depends}\\n${Provides}\\n${Conflicts}\\n${Breaks}\\n${Replaces}\\n"

func inspectDeb(ctx context.Context, exec Executor, path string) (engine.PackageSpec, error) {
	out, err := exec.Run(ctx, "dpkg-deb", "--show", "--showformat="+debFormat, path)
	if err != nil {
		return engine.PackageSpec{}, err
	}
	return parseDebFields(string(out))
}

// parseDebFields parses the output of dpkg-deb --show with debFormat.
func parseDebFields(out string) (engine.PackageSpec, error) {
	fields := strings.Split(out, "\n")
	if len(fields) < 10 {
		return engine.PackageSpec{}, fmt.Errorf("unexpected dpkg-deb output: %d fields", len(fields))
	}

	spec := engine.PackageSpec{
		Name:    strings.TrimSpace(fields[0]),
		Version: strings.TrimSpace(fields[1]),
		Arch:    normalizeArch(strings.TrimSpace(fields[2])),
		Backend: engine.BackendDeb,
		Summary: strings.TrimSpace(fields[3]),
	}

	var err error
	parse := func(dst *[]engine.Capability, values ...string) {
		for _, v := range values {
			if err != nil {
				return
			}
			var caps []engine.Capability
			caps, err = parseDebRelations(v)
			*dst = append(*dst, caps...)
		}
	}
	parse(&spec.Requires, fields[4], fields[5])
	parse(&spec.Provides, fields[6])
	parse(&spec.Conflicts, fields[7], fields[8])
	parse(&spec.Upgrades, fields[9])
	if err != nil {
		return engine.PackageSpec{}, fmt.Errorf("package %s: %w", spec.Name, err)
	}

	if err := spec.Validate(); err != nil {
		return engine.PackageSpec{}, err
	}
	return spec, nil
}

// parseDebRelations parses a Debian relationship field such as
// "libc6 (>= 2.34), libssl3 | libssl1.1". Only the first alternative of an
// or-group is kept.
func parseDebRelations(field string) ([]engine.Capability, error) {
	var caps []engine.Capability
	for _, item := range strings.Split(field, ",") {
		item = strings.TrimSpace(strings.SplitN(item, "|", 2)[0])
		if item == "" {
			continue
		}

		name, constraint := item, ""
		if i := strings.Index(item, "("); i >= 0 {
			j := strings.Index(item, ")")
			if j < i {
				return nil, fmt.Errorf("invalid relation %q", item)
			}
			name, constraint = strings.TrimSpace(item[:i]), strings.TrimSpace(item[i+1:j])
		}
		if k := strings.Index(name, ":"); k >= 0 {
			name = name[:k]
		}

		c := engine.Capability{Name: name}
		if constraint != "" {
			k := strings.IndexFunc(constraint, func(r rune) bool { return !strings.ContainsRune("<>=", r) })
			if k < 0 {
				return nil, fmt.Errorf("invalid relation %q", item)
			}
			c.Version = strings.TrimSpace(constraint[k:])
			switch constraint[:k] {
			case ">>":
				c.Relation = engine.RelationGT
			case "<<":
				c.Relation = engine.RelationLT
			case ">=", ">":
				c.Relation = engine.RelationGE
			case "<=", "<":
				c.Relation = engine.RelationLE
			case "=":
				c.Relation = engine.RelationEQ
			default:
				return nil, fmt.Errorf("invalid relation %q", item)
			}
		}
		caps = append(caps, c)
	}
	return caps, nil
}

const rpmFormat = "%{NAME}\\n%{EPOCH}\\n%{VERSION}\\n%{RELEASE}\\n%{ARCH}\\n%{SUMMARY}\\n"

func inspectRPM(ctx context.Context, exec Executor, path string) (engine.PackageSpec, error) {
	out, err := exec.Run(ctx, "rpm", "--query", "--package", "--queryformat", rpmFormat, path)
	if err != nil {
		return engine.PackageSpec{}, err
	}
	spec, err := parseRPMHeader(string(out))
	if err != nil {
		return engine.PackageSpec{}, err
	}

	lists := []struct {
		flag string
		dst  *[]engine.Capability
	}{
		{"--requires", &spec.Requires},
		{"--provides", &spec.Provides},
		{"--conflicts", &spec.Conflicts},
		{"--obsoletes", &spec.Upgrades},
	}
	for _, l := range lists {
		out, err := exec.Run(ctx, "rpm", "--query", "--package", l.flag, path)
		if err != nil {
			return engine.PackageSpec{}, err
		}
		if *l.dst, err = parseRPMCapabilities(out); err != nil {
			return engine.PackageSpec{}, fmt.Errorf("package %s: %w", spec.Name, err)
		}
	}

	if err := spec.Validate(); err != nil {
		return engine.PackageSpec{}, err
	}
	return spec, nil
}

// parseRPMHeader parses the output of rpm --queryformat with rpmFormat.
func parseRPMHeader(out string) (engine.PackageSpec, error) {
	fields := strings.Split(out, "\n")
	if len(fields) < 6 {
		return engine.PackageSpec{}, fmt.Errorf("unexpected rpm output: %d fields", len(fields))
	}

	version := fields[2] + "-" + fields[3]
	if epoch := fields[1]; epoch != "(none)" && epoch != "" && epoch != "0" {
		version = epoch + ":" + version
	}
	return engine.PackageSpec{
		Name:    fields[0],
		Version: version,
		Arch:    normalizeArch(fields[4]),
		Backend: engine.BackendRPM,
		Summary: fields[5],
	}, nil
}

// parseRPMCapabilities parses one capability per line, skipping rpmlib
// features that describe the package format rather than a dependency.
func parseRPMCapabilities(out []byte) ([]engine.Capability, error) {
	var caps []engine.Capability
	for _, line := range splitLines(out) {
		if strings.HasPrefix(line, "rpmlib(") {
			continue
		}
		c, err := engine.ParseCapability(line)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}
