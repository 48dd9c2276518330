package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type readyRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *readyRecorder) record(path string, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *readyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func TestStabilityEmitsOncePerSettledFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "clip.mov")
	if err := os.WriteFile(path, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &readyRecorder{}
	m := newStabilityMonitor(30*time.Millisecond, 5*time.Millisecond, rec.record)
	defer m.Stop()

	// A burst of write events for the same file must collapse to one report.
	m.Observe(path)
	m.Observe(path)
	m.Observe(path)

	waitFor(t, func() bool { return rec.count() == 1 })
	time.Sleep(150 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("expected exactly 1 ready event, got %d", got)
	}
}

func TestStabilityHoldsWhileFileGrows(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "copy.mov")
	if err := os.WriteFile(path, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &readyRecorder{}
	m := newStabilityMonitor(60*time.Millisecond, 10*time.Millisecond, rec.record)
	defer m.Stop()

	m.Observe(path)

	// Keep appending for a while; the file must not be reported mid-write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		if _, err := f.WriteString("more"); err != nil {
			t.Fatal(err)
		}
		m.Observe(path)
		if rec.count() != 0 {
			t.Fatal("file reported while still being written")
		}
		time.Sleep(20 * time.Millisecond)
	}
	f.Close()

	waitFor(t, func() bool { return rec.count() == 1 })
}

func TestStabilityDroppedBeforeStable(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "gone.mov")
	if err := os.WriteFile(path, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &readyRecorder{}
	m := newStabilityMonitor(40*time.Millisecond, 5*time.Millisecond, rec.record)
	defer m.Stop()

	m.Observe(path)
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("deleted file must not be reported, got %d events", got)
	}
}

func TestStabilityCancel(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "clip.mov")
	if err := os.WriteFile(path, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &readyRecorder{}
	m := newStabilityMonitor(40*time.Millisecond, 5*time.Millisecond, rec.record)
	defer m.Stop()

	m.Observe(path)
	m.Cancel(path)

	time.Sleep(150 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("cancelled path must not be reported, got %d events", got)
	}
}

func TestStabilityStopWaitsAndSilences(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "clip.mov")
	if err := os.WriteFile(path, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &readyRecorder{}
	m := newStabilityMonitor(40*time.Millisecond, 5*time.Millisecond, rec.record)
	m.Observe(path)
	m.Stop()

	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("stopped monitor must not report, got %d events", got)
	}
	// Observe after Stop is a no-op.
	m.Observe(path)
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("observe after stop must not report, got %d events", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
