// Package trace keeps an append-only log of every watch-folder state
// transition for diagnosis. The core only ever writes it.
package trace

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Transition kinds recorded by the registry.
const (
	KindAdded            = "added"
	KindEnabled          = "enabled"
	KindDisabled         = "disabled"
	KindUpdated          = "updated"
	KindRemoved          = "removed"
	KindFileDetected     = "file-detected"
	KindPendingCleared   = "pending-cleared"
	KindSelectionChanged = "selection-changed"
	KindJobsCreated      = "jobs-created"
	KindJobCompleted     = "job-completed"
	KindJobFailed        = "job-failed"
	KindCountsReset      = "counts-reset"
	KindWatcherError     = "watcher-error"
	KindScanComplete     = "scan-complete"
)

// Event is one recorded transition. Seq is assigned at write time.
type Event struct {
	Seq      uint64         `json:"seq"`
	Time     time.Time      `json:"time"`
	FolderID string         `json:"folderId,omitempty"`
	Kind     string         `json:"kind"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Sink accepts transition events. Implementations must never block the
// caller for long and must never return errors into the core.
type Sink interface {
	Record(ev Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(Event) {}
func (Nop) Close() error { return nil }

var transitionsBucket = []byte("transitions")

// BoltSink appends events to a bbolt file through a write-behind goroutine,
// keyed by a monotonic sequence number.
type BoltSink struct {
	db   *bolt.DB
	done chan struct{}

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func OpenBolt(path string) (*BoltSink, error) {
	if path == "" {
		return nil, errors.New("trace db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir trace dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(transitionsBucket)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltSink{
		db:   db,
		ch:   make(chan Event, 1024),
		done: make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Record queues an event for appending. If the buffer is full, or the sink
// is closed, the event is dropped: the trace is diagnostic, it must not
// stall a transition.
func (s *BoltSink) Record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Close flushes queued events and closes the database. Safe to call twice.
func (s *BoltSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

func (s *BoltSink) writeLoop() {
	defer close(s.done)
	for ev := range s.ch {
		s.append(ev)
	}
}

func (s *BoltSink) append(ev Event) {
	_ = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(transitionsBucket)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		val, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bkt.Put(key[:], val)
	})
}
