package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/epm/pkg/telemetry"
)

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	svc, err := New(Config{CacheDir: t.TempDir(), Concurrency: 2}, opts...)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func packageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pool/hello-2.12.epk":
			_, _ = io.WriteString(w, "hello package")
		case "/pool/curl-8.5.0.epk":
			_, _ = io.WriteString(w, "curl package")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_RequiresCacheDir(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("Expected error without a cache directory")
	}
}

func TestGet_Empty(t *testing.T) {
	svc := newTestService(t)
	ok, failed, err := svc.Get(context.Background(), nil, "packages")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ok) != 0 || len(failed) != 0 {
		t.Errorf("Expected empty results, got %v %v", ok, failed)
	}
}

func TestGet_HTTP(t *testing.T) {
	srv := packageServer(t)
	tel := telemetry.Discard()
	svc := newTestService(t, WithTelemetry(tel))

	good := srv.URL + "/pool/hello-2.12.epk"
	missing := srv.URL + "/pool/missing-1.0.epk"

	ok, failed, err := svc.Get(context.Background(), []string{good, missing, good}, "packages")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	local, found := ok[good]
	if !found {
		t.Fatalf("Expected %s to succeed, failed: %v", good, failed)
	}
	if filepath.Base(local) != "hello-2.12.epk" || filepath.Base(filepath.Dir(local)) != "packages" {
		t.Errorf("Unexpected local path: %s", local)
	}
	data, err := os.ReadFile(local)
	if err != nil || string(data) != "hello package" {
		t.Errorf("Unexpected content %q (err=%v)", data, err)
	}

	if reason := failed[missing]; !strings.Contains(reason, "404") {
		t.Errorf("Expected 404 failure for %s, got %q", missing, reason)
	}

	entries, err := os.ReadDir(filepath.Dir(local))
	if err != nil {
		t.Fatalf("Failed to read cache dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected temporary files to be cleaned up, got %d entries", len(entries))
	}

	var buf strings.Builder
	if err := tel.Metrics.WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if !strings.Contains(buf.String(), `epm_fetches_total{scheme="http",status="failed"} 1`) {
		t.Errorf("Expected failed fetch to be counted, got:\n%s", buf.String())
	}
}

func TestGet_LocalFiles(t *testing.T) {
	svc := newTestService(t)
	dir := t.TempDir()
	pkg := filepath.Join(dir, "tool-1.0.epk")
	if err := os.WriteFile(pkg, []byte("tool"), 0644); err != nil {
		t.Fatalf("Failed to write package: %v", err)
	}

	fileURL := (&url.URL{Scheme: "file", Path: pkg}).String()
	missing := filepath.Join(dir, "absent.epk")

	ok, failed, err := svc.Get(context.Background(), []string{pkg, fileURL, missing, dir}, "packages")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ok[pkg] != pkg || ok[fileURL] != pkg {
		t.Errorf("Expected local files to be used in place, got %v", ok)
	}
	if _, bad := failed[missing]; !bad {
		t.Errorf("Expected missing file to fail, got %v", failed)
	}
	if !strings.Contains(failed[dir], "not a regular file") {
		t.Errorf("Expected directory to fail, got %q", failed[dir])
	}
}

func TestGet_RejectsUnsupportedAndAmbiguousURLs(t *testing.T) {
	srv := packageServer(t)
	svc := newTestService(t)

	urls := []string{
		"gopher://example.com/pkg.epk",
		srv.URL + "/",
		srv.URL + "/pool/curl-8.5.0.epk",
		srv.URL + "/mirror/curl-8.5.0.epk",
	}
	ok, failed, err := svc.Get(context.Background(), urls, "packages")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !strings.Contains(failed[urls[0]], "unsupported url scheme") {
		t.Errorf("Expected unsupported scheme, got %q", failed[urls[0]])
	}
	if !strings.Contains(failed[urls[1]], "no file name") {
		t.Errorf("Expected missing file name, got %q", failed[urls[1]])
	}
	// urls are processed sorted, so /mirror/ claims the name first.
	if _, fine := ok[urls[3]]; !fine {
		t.Errorf("Expected %s to succeed, got %v", urls[3], failed)
	}
	if !strings.Contains(failed[urls[2]], "also fetched from") {
		t.Errorf("Expected name collision, got %q", failed[urls[2]])
	}
}

// blockingTransport counts concurrent fetches.
type blockingTransport struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (b *blockingTransport) Fetch(ctx context.Context, u *url.URL, w io.Writer, report func(int64, int64)) (int64, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		cur := b.maxSeen.Load()
		if n <= cur || b.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	report(1, 1)
	_, err := io.WriteString(w, u.Path)
	return 1, err
}

func TestGet_ConcurrencyLimit(t *testing.T) {
	bt := &blockingTransport{}
	svc := newTestService(t, WithTransport("mem", bt))

	var urls []string
	for i := 0; i < 8; i++ {
		urls = append(urls, fmt.Sprintf("mem://repo/pkg-%d.epk", i))
	}

	ok, failed, err := svc.Get(context.Background(), urls, "packages")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ok) != 8 || len(failed) != 0 {
		t.Fatalf("Expected 8 successes, got %d ok and %v failed", len(ok), failed)
	}
	if max := bt.maxSeen.Load(); max > 2 {
		t.Errorf("Expected at most 2 concurrent fetches, saw %d", max)
	}
}

type fakeLocker struct {
	mu     sync.Mutex
	locked []string
	held   map[string]bool
	deny   bool
}

func (l *fakeLocker) Lock(path string, exclusive, block bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		return false, nil
	}
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	l.locked = append(l.locked, path)
	l.held[path] = exclusive && block
	return true, nil
}

func (l *fakeLocker) Unlock(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, path)
	return true
}

func TestGet_LocksLabelDirectory(t *testing.T) {
	srv := packageServer(t)
	locker := &fakeLocker{}
	svc := newTestService(t, WithLocker(locker))

	if _, _, err := svc.Get(context.Background(), []string{srv.URL + "/pool/hello-2.12.epk"}, "packages"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(locker.locked) != 1 || filepath.Base(locker.locked[0]) != "packages" {
		t.Errorf("Expected the label directory to be locked, got %v", locker.locked)
	}
	if len(locker.held) != 0 {
		t.Errorf("Expected the lock to be released, still held: %v", locker.held)
	}

	locker.deny = true
	if _, _, err := svc.Get(context.Background(), []string{srv.URL + "/pool/hello-2.12.epk"}, "packages"); err == nil {
		t.Error("Expected an error when the cache directory is locked")
	}
}

func TestGet_Cancelled(t *testing.T) {
	srv := packageServer(t)
	svc := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := svc.Get(ctx, []string{srv.URL + "/pool/hello-2.12.epk"}, "packages"); err == nil {
		t.Error("Expected an error for a cancelled context")
	}
}
