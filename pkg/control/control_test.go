package control

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/epm/pkg/backends/archive"
	"github.com/openfroyo/epm/pkg/config"
	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/pathlock"
	"github.com/openfroyo/epm/pkg/stores"
	"github.com/openfroyo/epm/pkg/telemetry"
)

type testPackage struct {
	name     string
	version  string
	requires []string
	file     string
	content  string
}

func (p testPackage) spec() engine.PackageSpec {
	spec := engine.PackageSpec{
		Name:    p.name,
		Version: p.version,
		Arch:    "noarch",
		Backend: engine.BackendArchive,
		Summary: p.name + " package",
	}
	for _, r := range p.requires {
		spec.Requires = append(spec.Requires, engine.MustParseCapability(r))
	}
	return spec
}

func (p testPackage) build(t *testing.T, dir string) (string, []byte) {
	t.Helper()
	entries := []archive.Entry{
		{Path: filepath.ToSlash(filepath.Dir(p.file)), Mode: 0o755, Type: tar.TypeDir},
		{Path: p.file, Mode: 0o644, Data: []byte(p.content)},
	}
	var buf bytes.Buffer
	if err := archive.Build(&buf, p.spec(), entries, nil); err != nil {
		t.Fatalf("Failed to build %s: %v", p.name, err)
	}
	path := filepath.Join(dir, p.name+"-"+p.version+".epk")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path, buf.Bytes()
}

var repoPackages = []testPackage{
	{name: "libgreet", version: "1.0", file: "usr/lib/libgreet.so", content: "greet"},
	{name: "hello", version: "1.0", requires: []string{"libgreet"}, file: "usr/bin/hello", content: "hello v1"},
	{name: "hello", version: "2.0", requires: []string{"libgreet"}, file: "usr/bin/hello", content: "hello v2"},
}

// writeRepo builds pkgs into dir and writes an index for them. corrupt lists
// packages whose announced checksum is wrong.
func writeRepo(t *testing.T, dir string, pkgs []testPackage, corrupt ...string) string {
	t.Helper()
	bad := make(map[string]bool)
	for _, name := range corrupt {
		bad[name] = true
	}

	var b strings.Builder
	b.WriteString("packages:\n")
	for _, p := range pkgs {
		path, data := p.build(t, dir)
		sum := sha256.Sum256(data)
		digest := hex.EncodeToString(sum[:])
		if bad[p.name] {
			digest = strings.Repeat("0", 64)
		}
		fmt.Fprintf(&b, "  - name: %s\n    version: %q\n    arch: noarch\n    backend: archive\n", p.name, p.version)
		if len(p.requires) > 0 {
			fmt.Fprintf(&b, "    requires: [%s]\n", strings.Join(p.requires, ", "))
		}
		fmt.Fprintf(&b, "    url: %s\n    size: %d\n    sha256: %s\n", filepath.Base(path), len(data), digest)
	}

	index := filepath.Join(dir, "index.yaml")
	if err := os.WriteFile(index, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("Failed to write index: %v", err)
	}
	return index
}

type testEnv struct {
	ctl  *Control
	root string
	repo string
}

func newTestEnv(t *testing.T, mutate func(*config.Config), corrupt ...string) *testEnv {
	t.Helper()
	base := t.TempDir()
	repo := filepath.Join(base, "repo")
	root := filepath.Join(base, "root")
	for _, dir := range []string{repo, root} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	index := writeRepo(t, repo, repoPackages, corrupt...)

	cfg := config.Default(filepath.Join(base, "data"))
	cfg.Root = root
	cfg.Channels = []config.ChannelConfig{{Name: "main", Type: config.ChannelYAMLIndex, URL: index}}
	if mutate != nil {
		mutate(cfg)
	}

	ctl, err := New(context.Background(), cfg, &Options{}, WithTelemetry(telemetry.Discard()))
	if err != nil {
		t.Fatalf("Failed to create control: %v", err)
	}
	t.Cleanup(func() { _ = ctl.Close() })

	if err := ctl.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return &testEnv{ctl: ctl, root: root, repo: repo}
}

func (e *testEnv) install(t *testing.T, args ...string) *Outcome {
	t.Helper()
	ctx := context.Background()
	tx, err := e.ctl.Install(ctx, args)
	if err != nil {
		t.Fatalf("Install %v failed: %v", args, err)
	}
	outcome, err := e.ctl.Commit(ctx, tx, nil)
	if err != nil {
		t.Fatalf("Commit of install %v failed: %v", args, err)
	}
	return outcome
}

func (e *testEnv) readFile(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("Failed to read %s: %v", rel, err)
	}
	return string(data)
}

func installedKeys(t *testing.T, store stores.Store) string {
	t.Helper()
	rows, err := store.ListInstalled(context.Background())
	if err != nil {
		t.Fatalf("ListInstalled failed: %v", err)
	}
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.Name+"-"+row.Version)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func TestControl_InstallPullsDependencies(t *testing.T) {
	env := newTestEnv(t, nil)

	outcome := env.install(t, "hello")
	if !outcome.Completed {
		t.Fatal("Expected the commit to complete")
	}
	if outcome.Summary[engine.ActionInstall] != 2 {
		t.Errorf("Expected 2 installs, got %v", outcome.Summary)
	}

	if got := env.readFile(t, "usr/bin/hello"); got != "hello v2" {
		t.Errorf("Expected the newest hello to be installed, got %q", got)
	}
	if got := env.readFile(t, "usr/lib/libgreet.so"); got != "greet" {
		t.Errorf("Expected libgreet to be installed, got %q", got)
	}
	if got := installedKeys(t, env.ctl.Store()); got != "hello-2.0,libgreet-1.0" {
		t.Errorf("Unexpected installed packages: %s", got)
	}

	history, err := env.ctl.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(history))
	}
	if history[0].ID != outcome.TransactionID || history[0].Status != stores.TransactionStatusSucceeded {
		t.Errorf("Unexpected history entry: %+v", history[0])
	}
	if history[0].Summary["install"] != 2 {
		t.Errorf("Expected the summary to be recorded, got %v", history[0].Summary)
	}

	_, changes, err := env.ctl.Changes(context.Background(), outcome.TransactionID)
	if err != nil {
		t.Fatalf("Changes failed: %v", err)
	}
	if len(changes) != 2 {
		t.Errorf("Expected 2 recorded changes, got %+v", changes)
	}

	pkgs, err := env.ctl.Query([]string{"hel*"}, true)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(pkgs) != 1 || pkgs[0].String() != "hello-2.0.noarch" || !pkgs[0].Installed() {
		t.Errorf("Expected only the installed hello, got %v", pkgs)
	}
}

func TestControl_InstallErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.ctl.Install(ctx, []string{"missing"}); err == nil || !strings.Contains(err.Error(), "'missing' matches no packages") {
		t.Errorf("Expected an unknown package to fail, got %v", err)
	}
	if _, err := env.ctl.Remove(ctx, []string{"hello"}); err == nil || !strings.Contains(err.Error(), "matches no installed packages") {
		t.Errorf("Expected removing a package that is not installed to fail, got %v", err)
	}
}

func TestControl_InstallAlreadyInstalled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.install(t, "hello")

	tx, err := env.ctl.Install(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if !tx.ChangeSet().IsEmpty() {
		t.Errorf("Expected nothing to do, got %v", tx.ChangeSet().Summary())
	}
	outcome, err := env.ctl.Commit(context.Background(), tx, nil)
	if err != nil || !outcome.Completed {
		t.Fatalf("Expected an empty commit to succeed, got %v", err)
	}

	history, err := env.ctl.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("Expected an empty transaction not to be recorded, got %d entries", len(history))
	}
}

func TestControl_Upgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	env.install(t, "hello-1.0")
	if got := env.readFile(t, "usr/bin/hello"); got != "hello v1" {
		t.Fatalf("Expected hello 1.0 to be installed, got %q", got)
	}

	tx, err := env.ctl.Upgrade(context.Background(), nil)
	if err != nil {
		t.Fatalf("Upgrade failed: %v", err)
	}
	summary := tx.ChangeSet().Summary()
	if summary[engine.ActionUpgrade] != 1 || summary[engine.ActionRemove] != 1 {
		t.Errorf("Expected one upgrade replacing hello 1.0, got %v", summary)
	}

	if _, err := env.ctl.Commit(context.Background(), tx, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if got := env.readFile(t, "usr/bin/hello"); got != "hello v2" {
		t.Errorf("Expected hello 2.0 after the upgrade, got %q", got)
	}
	if got := installedKeys(t, env.ctl.Store()); got != "hello-2.0,libgreet-1.0" {
		t.Errorf("Unexpected installed packages: %s", got)
	}

	tx, err = env.ctl.Upgrade(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Second upgrade failed: %v", err)
	}
	if !tx.ChangeSet().IsEmpty() {
		t.Errorf("Expected nothing left to upgrade, got %v", tx.ChangeSet().Summary())
	}
}

func TestControl_RemoveCascades(t *testing.T) {
	env := newTestEnv(t, nil)
	env.install(t, "hello")

	tx, err := env.ctl.Remove(context.Background(), []string{"libgreet"})
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if n := tx.ChangeSet().Summary()[engine.ActionRemove]; n != 2 {
		t.Errorf("Expected hello to be removed with libgreet, got %d removals", n)
	}
	if _, err := env.ctl.Commit(context.Background(), tx, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	for _, rel := range []string{"usr/bin/hello", "usr/lib/libgreet.so"} {
		if _, err := os.Lstat(filepath.Join(env.root, filepath.FromSlash(rel))); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Expected %s to be gone, got %v", rel, err)
		}
	}
	if got := installedKeys(t, env.ctl.Store()); got != "" {
		t.Errorf("Expected nothing installed, got %s", got)
	}
	if pkgs, _ := env.ctl.Query(nil, true); len(pkgs) != 0 {
		t.Errorf("Expected the cache to be reloaded, got %v", pkgs)
	}
}

func TestControl_GuardDeniesProtectedRemoval(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Guard.Protected = []string{"libgreet"}
	})
	env.install(t, "hello")

	tx, err := env.ctl.Remove(context.Background(), []string{"libgreet"})
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	result, err := env.ctl.Check(context.Background(), tx)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if result.Allowed || len(result.Denials) != 1 || result.Denials[0].Rule != "protected" {
		t.Errorf("Expected a protected denial, got %+v", result)
	}

	if _, err := env.ctl.Download(context.Background(), tx); !errors.Is(err, ErrDenied) {
		t.Errorf("Expected Download to be denied, got %v", err)
	}
	if _, err := env.ctl.Commit(context.Background(), tx, nil); !errors.Is(err, ErrDenied) {
		t.Errorf("Expected Commit to be denied, got %v", err)
	}
	if got := env.readFile(t, "usr/lib/libgreet.so"); got != "greet" {
		t.Errorf("Expected libgreet to stay installed, got %q", got)
	}
}

func TestControl_ChecksumMismatch(t *testing.T) {
	env := newTestEnv(t, nil, "libgreet")

	tx, err := env.ctl.Install(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	outcome, err := env.ctl.Commit(context.Background(), tx, nil)
	if !engine.IsAcquisitionFailure(err) {
		t.Fatalf("Expected an acquisition failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "sha256 mismatch") {
		t.Errorf("Expected the mismatch to be reported, got %v", err)
	}
	if outcome == nil || outcome.Completed {
		t.Errorf("Expected an incomplete outcome, got %+v", outcome)
	}

	if _, err := os.Stat(filepath.Join(env.root, "usr", "bin", "hello")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected nothing to be installed, got %v", err)
	}
	history, err := env.ctl.History(context.Background(), 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != stores.TransactionStatusFailed || history[0].Error == nil {
		t.Errorf("Expected a failed history entry, got %+v", history)
	}
}

func TestControl_InstallPackageFile(t *testing.T) {
	env := newTestEnv(t, nil)

	extra := testPackage{name: "extra", version: "0.1", requires: []string{"libgreet"}, file: "opt/extra/data", content: "extra"}
	path, _ := extra.build(t, t.TempDir())

	outcome := env.install(t, path)
	if outcome.Summary[engine.ActionInstall] != 2 {
		t.Errorf("Expected extra and libgreet to be installed, got %v", outcome.Summary)
	}
	if got := env.readFile(t, "opt/extra/data"); got != "extra" {
		t.Errorf("Expected the file package to be installed, got %q", got)
	}

	if _, err := env.ctl.Install(context.Background(), []string{path}); err == nil || !strings.Contains(err.Error(), "already installed") {
		t.Errorf("Expected reinstalling the file to fail, got %v", err)
	}
}

func TestControl_SteppedCommitDeclined(t *testing.T) {
	env := newTestEnv(t, nil)

	tx, err := env.ctl.Install(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	var steps int
	outcome, err := env.ctl.Commit(context.Background(), tx, func(step int, kind engine.BackendKind, ops map[*engine.Package]engine.Action) bool {
		steps++
		if kind != engine.BackendArchive || len(ops) != 2 {
			t.Errorf("Unexpected step %d: %s with %d packages", step, kind, len(ops))
		}
		return false
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if steps != 1 || outcome.Completed {
		t.Errorf("Expected one declined step, got %d steps and completed=%v", steps, outcome.Completed)
	}
	if got := installedKeys(t, env.ctl.Store()); got != "" {
		t.Errorf("Expected nothing installed, got %s", got)
	}

	history, err := env.ctl.History(context.Background(), 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != stores.TransactionStatusAborted {
		t.Errorf("Expected an aborted history entry, got %+v", history)
	}
}

func TestControl_Reinstall(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.install(t, "hello")

	binary := filepath.Join(env.root, "usr", "bin", "hello")
	if err := os.WriteFile(binary, []byte("damaged"), 0o644); err != nil {
		t.Fatalf("Failed to damage the binary: %v", err)
	}

	if _, err := env.ctl.Reinstall(ctx, nil); err == nil {
		t.Error("Expected a reinstall without arguments to fail")
	}
	if _, err := env.ctl.Reinstall(ctx, []string{"missing"}); err == nil || !strings.Contains(err.Error(), "matches no installed packages") {
		t.Errorf("Expected an unknown package to fail, got %v", err)
	}

	tx, err := env.ctl.Reinstall(ctx, []string{"hello"})
	if err != nil {
		t.Fatalf("Reinstall failed: %v", err)
	}
	ops := changeStrings(tx.ChangeSet().Map())
	if ops != "reinstall hello-2.0.noarch" {
		t.Errorf("Expected only hello to be reinstalled, got %s", ops)
	}
	if _, err := env.ctl.Commit(ctx, tx, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if got := env.readFile(t, "usr/bin/hello"); got != "hello v2" {
		t.Errorf("Expected the binary to be restored, got %q", got)
	}
	if got := installedKeys(t, env.ctl.Store()); got != "hello-2.0,libgreet-1.0" {
		t.Errorf("Unexpected installed packages: %s", got)
	}
}

func TestControl_Fix(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.install(t, "hello")

	tx, err := env.ctl.Fix(ctx, nil)
	if err != nil {
		t.Fatalf("Fix failed: %v", err)
	}
	if Pending(tx) {
		t.Errorf("Expected nothing to fix, got %s", changeStrings(tx.ChangeSet().Map()))
	}

	libgreet := stores.PackageRef{Name: "libgreet", Version: "1.0", Arch: "noarch", Backend: "archive"}
	if err := env.ctl.Store().ApplyChanges(ctx, "", nil, []stores.PackageRef{libgreet}); err != nil {
		t.Fatalf("Failed to drop libgreet: %v", err)
	}
	if err := env.ctl.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tx, err = env.ctl.Fix(ctx, []string{"hello"})
	if err != nil {
		t.Fatalf("Fix failed: %v", err)
	}
	if got := changeStrings(tx.ChangeSet().Map()); got != "fix hello-2.0.noarch,install libgreet-1.0.noarch" {
		t.Errorf("Unexpected changes: %s", got)
	}
	if !Pending(tx) {
		t.Error("Expected the fix to be pending")
	}
	if _, err := env.ctl.Commit(ctx, tx, nil); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if got := installedKeys(t, env.ctl.Store()); got != "hello-2.0,libgreet-1.0" {
		t.Errorf("Expected libgreet to be installed again, got %s", got)
	}
}

func changeStrings(ops map[*engine.Package]engine.Action) string {
	out := make([]string, 0, len(ops))
	for pkg, action := range ops {
		out = append(out, string(action)+" "+pkg.String())
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func TestControl_CommitRecordsHistoryUnderLock(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tx, err := env.ctl.Install(ctx, []string{"hello"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	other := pathlock.New(false)
	defer other.Close()
	if ok, err := other.Lock(env.ctl.cfg.DataDir, true, false); err != nil || !ok {
		t.Fatalf("Failed to lock the data directory: ok=%v err=%v", ok, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.ctl.Commit(ctx, tx, func(step int, kind engine.BackendKind, ops map[*engine.Package]engine.Action) bool {
			third := pathlock.New(false)
			defer third.Close()
			if ok, _ := third.Lock(env.ctl.cfg.DataDir, false, false); ok {
				t.Error("Expected the data directory to be locked during the commit")
			}
			return true
		})
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	records, err := env.ctl.Store().ListTransactions(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Expected no history while another process holds the lock, got %d entries", len(records))
	}

	other.Unlock(env.ctl.cfg.DataDir)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Commit did not finish after the lock was released")
	}

	history, err := env.ctl.History(ctx, 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Status != stores.TransactionStatusSucceeded {
		t.Errorf("Expected a succeeded history entry, got %+v", history)
	}
}

func TestMatcher(t *testing.T) {
	tests := []struct {
		arg     string
		name    string
		version string
		want    bool
	}{
		{"hello", "hello", "2.0", true},
		{"hello-2.0", "hello", "2.0", true},
		{"hello-1.0", "hello", "2.0", false},
		{"hel*", "hello", "2.0", true},
		{"hello-2.*", "hello", "2.0", true},
		{"hello-1.*", "hello", "2.0", false},
		{"*greet*", "libgreet", "1.0", true},
		{"h?llo", "hello", "2.0", true},
		{"hello", "hello-dbg", "2.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.arg+"/"+tt.name, func(t *testing.T) {
			m, err := newMatcher(tt.arg)
			if err != nil {
				t.Fatalf("newMatcher failed: %v", err)
			}
			p := loadPackage(t, tt.name, tt.version)
			if got := m.match(p); got != tt.want {
				t.Errorf("match(%s) = %v, want %v", p, got, tt.want)
			}
		})
	}
}

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

func loadPackage(t *testing.T, name, version string) *engine.Package {
	t.Helper()
	spec := testPackage{name: name, version: version}.spec()
	cache := engine.NewCache([]engine.Loader{&specLoader{specs: []engine.PackageSpec{spec}}})
	if err := cache.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load cache: %v", err)
	}
	pkgs := cache.Lookup(name)
	if len(pkgs) != 1 {
		t.Fatalf("Expected one %s package, got %d", name, len(pkgs))
	}
	return pkgs[0]
}

func TestInstalledChanges(t *testing.T) {
	spec := func(name, version string) engine.PackageSpec {
		return testPackage{name: name, version: version}.spec()
	}
	cache := engine.NewCache([]engine.Loader{&specLoader{specs: []engine.PackageSpec{
		spec("hello", "1.0"), spec("hello", "2.0"), spec("libgreet", "1.0"), spec("tool", "3.0"),
	}}})
	if err := cache.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load cache: %v", err)
	}
	byKey := make(map[string]*engine.Package)
	for _, pkg := range cache.Packages() {
		byKey[pkg.Name+"-"+pkg.Version] = pkg
	}

	installs, removals := installedChanges(map[*engine.Package]engine.Action{
		byKey["hello-2.0"]:    engine.ActionUpgrade,
		byKey["hello-1.0"]:    engine.ActionRemove,
		byKey["libgreet-1.0"]: engine.ActionInstall,
		byKey["tool-3.0"]:     engine.ActionFix,
	}, "tx-1")

	if len(installs) != 2 || installs[0].Name != "hello" || installs[1].Name != "libgreet" {
		t.Fatalf("Expected hello and libgreet rows in key order, got %+v", installs)
	}
	if installs[0].Channel != "test" {
		t.Errorf("Expected the source channel to be recorded, got %q", installs[0].Channel)
	}
	if len(removals) != 1 || removals[0].Version != "1.0" {
		t.Errorf("Expected hello 1.0 to be removed, got %+v", removals)
	}
}
