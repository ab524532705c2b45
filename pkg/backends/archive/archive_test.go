package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/scriptlet"
	"github.com/openfroyo/epm/pkg/stores"
)

type specLoader struct {
	specs []engine.PackageSpec
}

func (l *specLoader) Name() string    { return "test" }
func (l *specLoader) Installed() bool { return false }

func (l *specLoader) Packages(ctx context.Context) ([]engine.PackageSpec, error) {
	return l.specs, nil
}

func (l *specLoader) Info(pkg *engine.Package) (engine.PackageInfo, error) {
	return engine.PackageInfo{}, nil
}

// fakeRunner records the phases it ran and fails the configured one.
type fakeRunner struct {
	mu     sync.Mutex
	ran    []string
	failOn scriptlet.Phase
}

func (r *fakeRunner) Run(ctx context.Context, s scriptlet.Script) (*scriptlet.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, s.Package+":"+string(s.Phase))
	if s.Phase == r.failOn {
		return &scriptlet.Result{ExitCode: 1}, errors.New("scriptlet exited with code 1")
	}
	return &scriptlet.Result{}, nil
}

func helloSpec(version string) engine.PackageSpec {
	return engine.PackageSpec{
		Name:     "hello",
		Version:  version,
		Arch:     "x86_64",
		Backend:  engine.BackendArchive,
		Summary:  "friendly greeter",
		Requires: []engine.Capability{engine.MustParseCapability("libc6 >= 2.34")},
	}
}

func helloEntries(content string) []Entry {
	return []Entry{
		{Path: "usr/bin", Mode: 0o755, Type: tar.TypeDir},
		{Path: "usr/bin/hello", Mode: 0o755, Data: []byte(content)},
		{Path: "usr/bin/hi", Type: tar.TypeSymlink, Linkname: "hello"},
		{Path: "usr/share/doc/hello", Mode: 0o755, Type: tar.TypeDir},
		{Path: "usr/share/doc/hello/README", Mode: 0o644, Data: []byte("hello docs")},
	}
}

func writePackage(t *testing.T, dir string, spec engine.PackageSpec, entries []Entry, scripts map[scriptlet.Phase][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	if err := Build(&buf, spec, entries, scripts); err != nil {
		t.Fatalf("Failed to build package: %v", err)
	}
	path := filepath.Join(dir, spec.Name+"-"+spec.Version+".epk")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write package: %v", err)
	}
	return path
}

func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate store: %v", err)
	}
	return store
}

func packagesOf(t *testing.T, specs ...engine.PackageSpec) map[string]*engine.Package {
	t.Helper()
	cache := engine.NewCache([]engine.Loader{&specLoader{specs: specs}})
	if err := cache.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load cache: %v", err)
	}
	out := make(map[string]*engine.Package)
	for _, pkg := range cache.Packages() {
		out[pkg.Name+"-"+pkg.Version] = pkg
	}
	return out
}

type testBackend struct {
	backend engine.Backend
	root    string
	scripts string
	store   *stores.SQLiteStore
	runner  *fakeRunner
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	tb := &testBackend{
		root:    t.TempDir(),
		scripts: t.TempDir(),
		store:   setupTestStore(t),
		runner:  &fakeRunner{},
	}
	factory := NewFactory(Config{Root: tb.root, ScriptDir: tb.scripts}, tb.store, tb.runner, zerolog.New(nil).Level(zerolog.Disabled))
	tb.backend = factory()
	return tb
}

func TestBuildAndRead(t *testing.T) {
	dir := t.TempDir()
	path := writePackage(t, dir, helloSpec("2.12"), helloEntries("#!/bin/sh\necho hello\n"), map[scriptlet.Phase][]byte{
		scriptlet.PostInstall: []byte("wasm"),
	})

	spec, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if spec.Key() != helloSpec("2.12").Key() {
		t.Errorf("Unexpected spec key %s", spec.Key())
	}
	if len(spec.Requires) != 1 || spec.Requires[0].String() != "libc6 >= 2.34" {
		t.Errorf("Unexpected requires %v", spec.Requires)
	}

	pkg, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(pkg.Entries) != 5 {
		t.Errorf("Expected 5 entries, got %d", len(pkg.Entries))
	}
	if string(pkg.Scripts[scriptlet.PostInstall]) != "wasm" {
		t.Errorf("Expected post-install scriptlet, got %v", pkg.Scripts)
	}
}

func TestRead_Invalid(t *testing.T) {
	build := func(spec engine.PackageSpec, entries []Entry) []byte {
		var buf bytes.Buffer
		if err := Build(&buf, spec, entries, nil); err != nil {
			t.Fatalf("Failed to build package: %v", err)
		}
		return buf.Bytes()
	}

	deb := helloSpec("1.0")
	deb.Backend = engine.BackendDeb

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"not gzip", []byte("plain text"), "not a gzip archive"},
		{"path traversal", build(helloSpec("1.0"), []Entry{{Path: "../etc/passwd", Mode: 0o644, Data: []byte("x")}}), "illegal path"},
		{"absolute symlink", build(helloSpec("1.0"), []Entry{{Path: "usr/lib", Type: tar.TypeSymlink, Linkname: "/etc"}}), "illegal symlink"},
		{"escaping symlink", build(helloSpec("1.0"), []Entry{{Path: "usr/lib", Type: tar.TypeSymlink, Linkname: "../../etc"}}), "illegal symlink"},
		{"foreign backend", build(deb, nil), "backend must be archive"},
		{"missing version", build(engine.PackageSpec{Name: "hello", Backend: engine.BackendArchive}, nil), "version is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tt.data), true)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestBackend_InstallAndRemove(t *testing.T) {
	ctx := context.Background()
	tb := newTestBackend(t)
	dir := t.TempDir()

	spec := helloSpec("2.12")
	artifact := writePackage(t, dir, spec, helloEntries("v2"), map[scriptlet.Phase][]byte{
		scriptlet.PreInstall:  []byte("pre"),
		scriptlet.PostInstall: []byte("post"),
		scriptlet.PreRemove:   []byte("prerm"),
	})
	hello := packagesOf(t, spec)["hello-2.12"]

	err := tb.backend.Commit(ctx, map[*engine.Package]engine.Action{hello: engine.ActionInstall}, map[*engine.Package]string{hello: artifact})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tb.root, "usr", "bin", "hello"))
	if err != nil || string(data) != "v2" {
		t.Fatalf("Expected installed binary, got %q, %v", data, err)
	}
	if link, err := os.Readlink(filepath.Join(tb.root, "usr", "bin", "hi")); err != nil || link != "hello" {
		t.Errorf("Expected symlink to hello, got %q, %v", link, err)
	}
	files, err := tb.store.PackageFiles(ctx, refOf(hello))
	if err != nil || len(files) != 5 {
		t.Fatalf("Expected 5 recorded files, got %d, %v", len(files), err)
	}
	if _, err := os.Stat(filepath.Join(tb.scripts, refOf(hello).Key(), "pre-remove.wasm")); err != nil {
		t.Errorf("Expected saved pre-remove scriptlet: %v", err)
	}

	err = tb.backend.Commit(ctx, map[*engine.Package]engine.Action{hello: engine.ActionRemove}, nil)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tb.root, "usr", "bin", "hello")); !os.IsNotExist(err) {
		t.Errorf("Expected binary to be removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(tb.root, "usr", "share", "doc", "hello")); !os.IsNotExist(err) {
		t.Errorf("Expected empty doc directory to be removed, got %v", err)
	}
	if files, _ := tb.store.PackageFiles(ctx, refOf(hello)); len(files) != 0 {
		t.Errorf("Expected file records to be dropped, got %d", len(files))
	}
	if _, err := os.Stat(filepath.Join(tb.scripts, refOf(hello).Key())); !os.IsNotExist(err) {
		t.Errorf("Expected saved scriptlets to be dropped, got %v", err)
	}

	want := "hello:pre-install,hello:post-install,hello:pre-remove"
	if got := strings.Join(tb.runner.ran, ","); got != want {
		t.Errorf("Expected scriptlets %s, got %s", want, got)
	}
}

func TestBackend_Upgrade(t *testing.T) {
	ctx := context.Background()
	tb := newTestBackend(t)
	dir := t.TempDir()

	oldSpec, newSpec := helloSpec("1.0"), helloSpec("2.0")
	oldArtifact := writePackage(t, dir, oldSpec, helloEntries("v1"), nil)
	newArtifact := writePackage(t, dir, newSpec, helloEntries("v2"), nil)
	pkgs := packagesOf(t, oldSpec, newSpec)
	oldPkg, newPkg := pkgs["hello-1.0"], pkgs["hello-2.0"]

	if err := tb.backend.Commit(ctx, map[*engine.Package]engine.Action{oldPkg: engine.ActionInstall}, map[*engine.Package]string{oldPkg: oldArtifact}); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	err := tb.backend.Commit(ctx,
		map[*engine.Package]engine.Action{oldPkg: engine.ActionRemove, newPkg: engine.ActionUpgrade},
		map[*engine.Package]string{newPkg: newArtifact})
	if err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tb.root, "usr", "bin", "hello"))
	if err != nil || string(data) != "v2" {
		t.Errorf("Expected upgraded binary, got %q, %v", data, err)
	}
	owners, err := tb.store.FileOwners(ctx, "/usr/bin/hello")
	if err != nil || len(owners) != 1 || owners[0] != refOf(newPkg).Key() {
		t.Errorf("Expected new version to own the binary, got %v, %v", owners, err)
	}
}

func TestBackend_FileConflict(t *testing.T) {
	ctx := context.Background()
	tb := newTestBackend(t)

	other := stores.PackageRef{Name: "greeter", Version: "1.0", Arch: "x86_64", Backend: "archive"}
	if err := tb.store.SetPackageFiles(ctx, other, []stores.PackageFile{{Path: "/usr/bin/hello", Mode: 0o755}}); err != nil {
		t.Fatalf("Failed to seed files: %v", err)
	}

	spec := helloSpec("2.12")
	artifact := writePackage(t, t.TempDir(), spec, helloEntries("v2"), nil)
	hello := packagesOf(t, spec)["hello-2.12"]

	err := tb.backend.Commit(ctx, map[*engine.Package]engine.Action{hello: engine.ActionInstall}, map[*engine.Package]string{hello: artifact})
	if err == nil || !strings.Contains(err.Error(), "is owned by "+other.Key()) {
		t.Fatalf("Expected ownership conflict, got: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tb.root, "usr", "bin", "hello")); !os.IsNotExist(err) {
		t.Errorf("Expected nothing extracted, got %v", err)
	}
}

func TestBackend_Failures(t *testing.T) {
	ctx := context.Background()
	spec := helloSpec("2.12")

	t.Run("pre-install scriptlet fails", func(t *testing.T) {
		tb := newTestBackend(t)
		tb.runner.failOn = scriptlet.PreInstall
		artifact := writePackage(t, t.TempDir(), spec, helloEntries("v2"), map[scriptlet.Phase][]byte{scriptlet.PreInstall: []byte("pre")})
		hello := packagesOf(t, spec)["hello-2.12"]

		err := tb.backend.Commit(ctx, map[*engine.Package]engine.Action{hello: engine.ActionInstall}, map[*engine.Package]string{hello: artifact})
		if err == nil {
			t.Fatal("Expected scriptlet failure")
		}
		if _, err := os.Stat(filepath.Join(tb.root, "usr", "bin", "hello")); !os.IsNotExist(err) {
			t.Errorf("Expected nothing extracted, got %v", err)
		}
	})

	t.Run("artifact mismatch", func(t *testing.T) {
		tb := newTestBackend(t)
		artifact := writePackage(t, t.TempDir(), helloSpec("1.0"), helloEntries("v1"), nil)
		hello := packagesOf(t, spec)["hello-2.12"]

		err := tb.backend.Commit(ctx, map[*engine.Package]engine.Action{hello: engine.ActionInstall}, map[*engine.Package]string{hello: artifact})
		if err == nil || !strings.Contains(err.Error(), "contains") {
			t.Errorf("Expected artifact mismatch, got: %v", err)
		}
	})

	t.Run("missing artifact", func(t *testing.T) {
		tb := newTestBackend(t)
		hello := packagesOf(t, spec)["hello-2.12"]

		err := tb.backend.Commit(ctx, map[*engine.Package]engine.Action{hello: engine.ActionInstall}, nil)
		if err == nil || !strings.Contains(err.Error(), "no artifact") {
			t.Errorf("Expected missing artifact error, got: %v", err)
		}
	})
}

func TestBackend_SymlinkEscape(t *testing.T) {
	ctx := context.Background()
	spec := helloSpec("2.12")
	hello := packagesOf(t, spec)["hello-2.12"]

	t.Run("link in the same archive", func(t *testing.T) {
		tb := newTestBackend(t)
		outside := t.TempDir()
		artifact := writePackage(t, t.TempDir(), spec, []Entry{
			{Path: "link", Type: tar.TypeSymlink, Linkname: outside},
			{Path: "link/owned", Mode: 0o644, Data: []byte("x")},
		}, nil)

		err := tb.backend.Commit(ctx, map[*engine.Package]engine.Action{hello: engine.ActionInstall}, map[*engine.Package]string{hello: artifact})
		if err == nil || !strings.Contains(err.Error(), "illegal symlink") {
			t.Fatalf("Expected symlink rejection, got: %v", err)
		}
		if _, err := os.Stat(filepath.Join(outside, "owned")); !os.IsNotExist(err) {
			t.Errorf("Expected nothing written outside the root, got %v", err)
		}
	})

	t.Run("existing link under the root", func(t *testing.T) {
		tb := newTestBackend(t)
		outside := t.TempDir()
		if err := os.Symlink(outside, filepath.Join(tb.root, "usr")); err != nil {
			t.Fatalf("Failed to create symlink: %v", err)
		}
		artifact := writePackage(t, t.TempDir(), spec, helloEntries("v2"), nil)

		err := tb.backend.Commit(ctx, map[*engine.Package]engine.Action{hello: engine.ActionInstall}, map[*engine.Package]string{hello: artifact})
		if err == nil || !strings.Contains(err.Error(), "leaves the install root") {
			t.Fatalf("Expected escape rejection, got: %v", err)
		}
		entries, _ := os.ReadDir(outside)
		if len(entries) != 0 {
			t.Errorf("Expected nothing written outside the root, got %d entries", len(entries))
		}
	})

	t.Run("link inside the root is followed", func(t *testing.T) {
		tb := newTestBackend(t)
		if err := os.MkdirAll(filepath.Join(tb.root, "opt", "usr"), 0o755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.Symlink("opt/usr", filepath.Join(tb.root, "usr")); err != nil {
			t.Fatalf("Failed to create symlink: %v", err)
		}
		artifact := writePackage(t, t.TempDir(), spec, helloEntries("v2"), nil)

		err := tb.backend.Commit(ctx, map[*engine.Package]engine.Action{hello: engine.ActionInstall}, map[*engine.Package]string{hello: artifact})
		if err != nil {
			t.Fatalf("Install failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(tb.root, "opt", "usr", "bin", "hello")); err != nil {
			t.Errorf("Expected binary under the link target: %v", err)
		}
	})
}
