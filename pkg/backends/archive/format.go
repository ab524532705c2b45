package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/scriptlet"
)

const (
	// InfoFile holds the package metadata.
	InfoFile = "PKGINFO.yaml"

	// ScriptDir holds the scriptlet modules, named after their phase.
	ScriptDir = ".scripts"
)

// Suffixes are the file extensions of archive packages.
var Suffixes = []string{".epk", ".tar.gz"}

// Entry is one payload member of an archive package.
type Entry struct {
	// Path is slash separated and relative to the install root.
	Path     string
	Mode     int64
	Type     byte
	Linkname string
	Data     []byte
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Type == tar.TypeDir
}

// Package is a parsed archive package.
type Package struct {
	Spec    engine.PackageSpec
	Entries []Entry
	Scripts map[scriptlet.Phase][]byte
}

// Inspect reads only the metadata of the package at path.
func Inspect(path string) (engine.PackageSpec, error) {
	pkg, err := open(path, false)
	if err != nil {
		return engine.PackageSpec{}, err
	}
	return pkg.Spec, nil
}

// Open reads the package at path including its payload.
func Open(path string) (*Package, error) {
	return open(path, true)
}

func open(file string, payload bool) (*Package, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()

	pkg, err := Read(f, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return pkg, nil
}

// Read parses a gzip-compressed tar package. With payload false, the
// payload and scriptlets are skipped.
func Read(r io.Reader, payload bool) (*Package, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gz.Close()

	pkg := &Package{Scripts: make(map[scriptlet.Phase][]byte)}
	var haveInfo bool

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}

		name, err := cleanName(hdr.Name)
		if err != nil {
			return nil, err
		}

		switch {
		case name == InfoFile:
			if pkg.Spec, err = decodeInfo(tr); err != nil {
				return nil, err
			}
			haveInfo = true
			if !payload {
				return pkg, nil
			}

		case name == ScriptDir || strings.HasPrefix(name, ScriptDir+"/"):
			if !payload || hdr.Typeflag == tar.TypeDir {
				continue
			}
			phase := scriptlet.Phase(strings.TrimSuffix(path.Base(name), ".wasm"))
			if !knownPhase(phase) {
				return nil, fmt.Errorf("unknown scriptlet %s", name)
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", name, err)
			}
			pkg.Scripts[phase] = data

		default:
			if !payload {
				continue
			}
			entry := Entry{Path: name, Mode: hdr.Mode, Type: hdr.Typeflag, Linkname: hdr.Linkname}
			switch hdr.Typeflag {
			case tar.TypeReg:
				if entry.Data, err = io.ReadAll(tr); err != nil {
					return nil, fmt.Errorf("failed to read %s: %w", name, err)
				}
			case tar.TypeSymlink:
				if err := checkLink(name, hdr.Linkname); err != nil {
					return nil, err
				}
			case tar.TypeDir:
			default:
				return nil, fmt.Errorf("unsupported entry type %q for %s", hdr.Typeflag, name)
			}
			pkg.Entries = append(pkg.Entries, entry)
		}
	}

	if !haveInfo {
		return nil, fmt.Errorf("missing %s", InfoFile)
	}
	return pkg, nil
}

func decodeInfo(r io.Reader) (engine.PackageSpec, error) {
	var spec engine.PackageSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return spec, fmt.Errorf("invalid %s: %w", InfoFile, err)
	}
	if spec.Backend == "" {
		spec.Backend = engine.BackendArchive
	}
	if spec.Backend != engine.BackendArchive {
		return spec, fmt.Errorf("invalid %s: backend must be %s, got %s", InfoFile, engine.BackendArchive, spec.Backend)
	}
	if spec.Arch == "" {
		spec.Arch = "noarch"
	}
	if err := spec.Validate(); err != nil {
		return spec, fmt.Errorf("invalid %s: %w", InfoFile, err)
	}
	return spec, nil
}

// cleanName normalizes a member name and rejects names escaping the root.
func cleanName(name string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(name, "./"))
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("illegal path in archive: %s", name)
	}
	return cleaned, nil
}

// checkLink rejects symlink targets that are absolute or resolve outside
// the root relative to the link's own directory.
func checkLink(name, link string) error {
	if link == "" || path.IsAbs(link) {
		return fmt.Errorf("illegal symlink in archive: %s -> %s", name, link)
	}
	resolved := path.Join(path.Dir(name), link)
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return fmt.Errorf("illegal symlink in archive: %s -> %s", name, link)
	}
	return nil
}

func knownPhase(p scriptlet.Phase) bool {
	for _, known := range scriptlet.Phases {
		if p == known {
			return true
		}
	}
	return false
}

// Build writes a package with the given metadata, payload and scriptlets.
func Build(w io.Writer, spec engine.PackageSpec, entries []Entry, scripts map[scriptlet.Phase][]byte) error {
	info, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", InfoFile, err)
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	write := func(hdr *tar.Header, data []byte) error {
		hdr.Size = int64(len(data))
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write %s: %w", hdr.Name, err)
		}
		if _, err := io.Copy(tw, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write %s: %w", hdr.Name, err)
		}
		return nil
	}

	if err := write(&tar.Header{Name: InfoFile, Mode: 0o644, Typeflag: tar.TypeReg}, info); err != nil {
		return err
	}
	for _, phase := range scriptlet.Phases {
		if data, ok := scripts[phase]; ok {
			hdr := &tar.Header{Name: ScriptDir + "/" + phase.FileName(), Mode: 0o644, Typeflag: tar.TypeReg}
			if err := write(hdr, data); err != nil {
				return err
			}
		}
	}
	for _, e := range entries {
		typ := e.Type
		if typ == 0 {
			typ = tar.TypeReg
		}
		hdr := &tar.Header{Name: e.Path, Mode: e.Mode, Typeflag: typ, Linkname: e.Linkname}
		data := e.Data
		if typ != tar.TypeReg {
			data = nil
		}
		if err := write(hdr, data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return gz.Close()
}
