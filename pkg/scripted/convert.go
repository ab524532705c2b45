package scripted

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/epm/pkg/engine"
)

// packageValue builds the struct passed to score.
func packageValue(pkg *engine.Package) (starlark.Value, error) {
	channel := ""
	if loader, ok := pkg.SourceLoader(); ok {
		channel = loader.Name()
	}

	fields := map[string]interface{}{
		"name":      pkg.Name,
		"version":   pkg.Version,
		"arch":      pkg.Arch,
		"backend":   string(pkg.Backend),
		"summary":   pkg.Summary,
		"channel":   channel,
		"installed": pkg.Installed(),
		"requires":  engine.CapabilityStrings(pkg.Requires),
		"provides":  engine.CapabilityStrings(pkg.Provides),
		"conflicts": engine.CapabilityStrings(pkg.Conflicts),
		"upgrades":  engine.CapabilityStrings(pkg.Upgrades),
	}

	dict := make(starlark.StringDict, len(fields))
	for key, val := range fields {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", key, err)
		}
		dict[key] = sv
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, dict), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// builtinVersionCompare implements version_compare(a, b).
func builtinVersionCompare(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
		return nil, err
	}
	return starlark.MakeInt(engine.CompareVersions(x, y)), nil
}
