package pathlock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openfroyo/epm/pkg/engine"
)

func TestLock_IdempotentPerPath(t *testing.T) {
	dir := t.TempDir()
	locks := New(false)

	ok, err := locks.Lock(dir, true, false)
	if err != nil || !ok {
		t.Fatalf("First lock failed: ok=%v err=%v", ok, err)
	}
	first := locks.locks[dir].f

	ok, err = locks.Lock(dir, true, false)
	if err != nil || !ok {
		t.Fatalf("Second lock failed: ok=%v err=%v", ok, err)
	}
	if locks.locks[dir].f != first {
		t.Error("Expected the held descriptor to be reused")
	}

	if !locks.Unlock(dir) {
		t.Error("Expected unlock of a held path to succeed")
	}
	locks.UnlockAll()
	if held := locks.Held(); len(held) != 0 {
		t.Errorf("Expected empty lock table, got %v", held)
	}
}

func TestLock_ExclusiveContention(t *testing.T) {
	dir := t.TempDir()

	owner := New(false)
	defer owner.Close()
	if ok, err := owner.Lock(dir, true, false); err != nil || !ok {
		t.Fatalf("Owner lock failed: ok=%v err=%v", ok, err)
	}

	tests := []struct {
		name      string
		force     bool
		exclusive bool
		want      bool
	}{
		{"exclusive busy", false, true, false},
		{"shared busy", false, false, false},
		{"force reports success", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := New(tt.force)
			defer other.Close()

			ok, err := other.Lock(dir, tt.exclusive, false)
			if err != nil {
				t.Fatalf("Expected contention to be a normal result, got: %v", err)
			}
			if ok != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, ok)
			}
			if len(other.Held()) != 0 {
				t.Errorf("Expected a busy lock not to be recorded, got %v", other.Held())
			}
		})
	}

	owner.Unlock(dir)
	other := New(false)
	defer other.Close()
	if ok, err := other.Lock(dir, true, false); err != nil || !ok {
		t.Errorf("Expected lock after release to succeed: ok=%v err=%v", ok, err)
	}
}

func TestLock_SharedReaders(t *testing.T) {
	dir := t.TempDir()
	a, b := New(false), New(false)
	defer a.Close()
	defer b.Close()

	for _, l := range []*PathLocks{a, b} {
		if ok, err := l.Lock(dir, false, false); err != nil || !ok {
			t.Fatalf("Shared lock failed: ok=%v err=%v", ok, err)
		}
	}

	writer := New(false)
	defer writer.Close()
	if ok, _ := writer.Lock(dir, true, false); ok {
		t.Error("Expected writer to be blocked by readers")
	}
}

func TestLock_BlockingFailure(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")

	ok, err := New(false).Lock(missing, true, true)
	if ok || err == nil {
		t.Fatalf("Expected failure, got ok=%v err=%v", ok, err)
	}
	if !engine.IsLockFailure(err) {
		t.Errorf("Expected lock failure error, got: %v", err)
	}

	ok, err = New(true).Lock(missing, true, true)
	if !ok || err != nil {
		t.Errorf("Expected force mode to report success, got ok=%v err=%v", ok, err)
	}
}

func TestUnlock_NotHeld(t *testing.T) {
	if New(false).Unlock("/nowhere") {
		t.Error("Expected false without force")
	}
	locks := New(false)
	locks.SetForce(true)
	if !locks.Force() || !locks.Unlock("/nowhere") {
		t.Error("Expected force mode default for a path that is not held")
	}
}

func TestLock_Sentinel(t *testing.T) {
	dir := t.TempDir()
	locks := New(false, WithSentinel(true))
	defer locks.Close()

	if ok, err := locks.Lock(dir+"/", true, true); err != nil || !ok {
		t.Fatalf("Lock failed: ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(dir, SentinelName)); err != nil {
		t.Errorf("Expected sentinel file to be created: %v", err)
	}
	if held := locks.Held(); len(held) != 1 || held[0] != dir+"/" {
		t.Errorf("Expected the requested path to be held, got %v", held)
	}
}

func TestLock_BlockingDoesNotStallOtherPaths(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	a, b := New(false), New(false)
	defer a.Close()
	defer b.Close()

	if ok, err := a.Lock(second, true, false); err != nil || !ok {
		t.Fatalf("Lock failed: ok=%v err=%v", ok, err)
	}
	if ok, err := b.Lock(first, true, false); err != nil || !ok {
		t.Fatalf("Lock failed: ok=%v err=%v", ok, err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := a.Lock(first, true, true)
		acquired <- err
	}()

	// Give the goroutine time to enter the blocking call.
	time.Sleep(50 * time.Millisecond)

	unlocked := make(chan bool, 1)
	go func() { unlocked <- a.Unlock(second) }()
	select {
	case ok := <-unlocked:
		if !ok {
			t.Error("Expected unlock of a held path to succeed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Unlock waited on a blocking lock of another path")
	}

	b.Unlock(first)
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Blocking lock failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Blocking lock was not granted after release")
	}
	if held := a.Held(); len(held) != 1 || held[0] != first {
		t.Errorf("Expected only %s held, got %v", first, held)
	}
}

func TestLock_CloseOnExec(t *testing.T) {
	tests := []struct {
		name     string
		sentinel bool
	}{
		{"plain", false},
		{"sentinel", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			locks := New(false, WithSentinel(tt.sentinel))
			defer locks.Close()

			if ok, err := locks.Lock(dir, true, true); err != nil || !ok {
				t.Fatalf("Lock failed: ok=%v err=%v", ok, err)
			}
			flags, err := unix.FcntlInt(locks.locks[dir].f.Fd(), unix.F_GETFD, 0)
			if err != nil {
				t.Fatalf("Failed to read descriptor flags: %v", err)
			}
			if flags&unix.FD_CLOEXEC == 0 {
				t.Error("Expected the lock descriptor to be close-on-exec")
			}
		})
	}
}
