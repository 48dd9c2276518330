package watch

import (
	"os"
	"sync"
	"time"
)

// settleDeadline caps how long a single file may keep changing before it is
// reported anyway.
const settleDeadline = 10 * time.Minute

// stabilityMonitor collapses bursts of write events per path and confirms the
// file has stopped growing before reporting it. Every Observe resets the
// path's quiet-window timer; once the timer fires, the file's size and mtime
// are polled until they hold still for the full window, then onReady is
// invoked exactly once.
type stabilityMonitor struct {
	quiet   time.Duration
	poll    time.Duration
	onReady func(path string, size int64)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newStabilityMonitor(quiet, poll time.Duration, onReady func(string, int64)) *stabilityMonitor {
	return &stabilityMonitor{
		quiet:   quiet,
		poll:    poll,
		onReady: onReady,
		timers:  make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
	}
}

// Observe (re)arms the quiet-window timer for path. Rapid write bursts keep
// pushing the settle check out, so a file still being copied is never
// reported.
func (m *stabilityMonitor) Observe(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[path]; ok {
		if t.Stop() {
			m.wg.Done()
		}
	}
	m.wg.Add(1)
	m.timers[path] = time.AfterFunc(m.quiet, func() {
		defer m.wg.Done()
		m.mu.Lock()
		delete(m.timers, path)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		m.settle(path)
	})
}

// Cancel drops any pending settle check for path, e.g. after the file was
// deleted or renamed away.
func (m *stabilityMonitor) Cancel(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[path]; ok {
		if t.Stop() {
			m.wg.Done()
		}
		delete(m.timers, path)
	}
}

// Stop cancels all pending work and waits for in-flight settle checks.
func (m *stabilityMonitor) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for path, t := range m.timers {
		if t.Stop() {
			m.wg.Done()
		}
		delete(m.timers, path)
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// settle polls until size and mtime are unchanged across the quiet window,
// then reports the file. A file that disappears mid-poll is dropped silently.
func (m *stabilityMonitor) settle(path string) {
	var lastSize, lastMod int64 = -1, -1
	lastChange := time.Now()
	deadline := time.Now().Add(settleDeadline)

	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			// Gone or replaced by a directory; nothing to report.
			return
		}
		size := info.Size()
		mod := info.ModTime().UnixNano()
		now := time.Now()
		if size != lastSize || mod != lastMod {
			lastSize = size
			lastMod = mod
			lastChange = now
		}

		if now.Sub(lastChange) >= m.quiet || now.After(deadline) {
			m.onReady(path, size)
			return
		}

		select {
		case <-m.stopCh:
			return
		case <-time.After(m.poll):
		}
	}
}
