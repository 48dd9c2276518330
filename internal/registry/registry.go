// Package registry is the single source of truth for watch-folder state.
// Watchers only emit events; every mutation of folders, pending files and
// counters happens here, serialized, and fans out to the notification hub
// and the trace log. Nothing in this package creates or triggers jobs: the
// job-recording operations only count work done elsewhere.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/framewell/watchfolder/internal/notify"
	"github.com/framewell/watchfolder/internal/trace"
	"github.com/framewell/watchfolder/internal/watch"
)

var (
	// ErrInvalidFolderPath means the supplied path is empty or not a directory.
	ErrInvalidFolderPath = errors.New("invalid folder path")
	// ErrPathAlreadyWatched means another folder already covers this path.
	ErrPathAlreadyWatched = errors.New("path is already being watched")
)

// Logger is the minimal interface from zap.SugaredLogger we use.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
	Debugw(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
}

// Publisher is the notification boundary: fire-and-forget, never blocking.
type Publisher interface {
	Publish(msg notify.Message)
}

// Tuning carries the stability-detection knobs shared by all watchers.
type Tuning struct {
	QuietWindow  time.Duration
	PollInterval time.Duration
}

// Watcher is the handle the registry keeps per watching folder.
type Watcher interface {
	Start(ctx context.Context) (<-chan watch.Event, error)
	Close()
}

// WatcherFactory builds a watcher from a folder snapshot. Swappable in tests.
type WatcherFactory func(folder *WatchFolder, tuning Tuning) (Watcher, error)

func defaultFactory(folder *WatchFolder, tuning Tuning) (Watcher, error) {
	return watch.New(watch.Options{
		Directory:         folder.Path,
		Recursive:         folder.Recursive,
		IncludeExtensions: folder.IncludeExtensions,
		ExcludePatterns:   folder.ExcludePatterns,
		QuietWindow:       tuning.QuietWindow,
		PollInterval:      tuning.PollInterval,
	})
}

// Payloads pushed through the notification boundary.
type StateChangedPayload struct {
	WatchFolders []*WatchFolder `json:"watchFolders"`
}

type FileDetectedPayload struct {
	WatchFolderID string      `json:"watchFolderId"`
	File          PendingFile `json:"file"`
}

type ErrorPayload struct {
	WatchFolderID string `json:"watchFolderId"`
	Error         string `json:"error"`
}

// Registry owns the in-memory watch-folder store and the per-folder watcher
// handles. Public operations are serialized; watcher callbacks mutate state
// through the same internal lock, so per-folder event order is preserved.
type Registry struct {
	log     Logger
	hub     Publisher
	sink    trace.Sink
	tuning  Tuning
	factory WatcherFactory

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// opMu serializes public operations end to end; mu guards the maps and
	// is the only lock watcher drain callbacks take, so stopping a watcher
	// while holding opMu cannot deadlock against its in-flight events.
	opMu sync.Mutex
	mu   sync.Mutex

	folders  map[string]*WatchFolder
	order    []string
	watchers map[string]*runningWatcher
}

type runningWatcher struct {
	w      Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

func (rw *runningWatcher) stop() {
	rw.cancel()
	rw.w.Close()
	select {
	case <-rw.done:
	case <-time.After(3 * time.Second):
	}
}

// New creates a registry. hub and sink may be nil, which disables the
// respective side effect.
func New(log Logger, hub Publisher, sink trace.Sink, tuning Tuning) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		log:        log,
		hub:        hub,
		sink:       sink,
		tuning:     tuning,
		factory:    defaultFactory,
		baseCtx:    ctx,
		baseCancel: cancel,
		folders:    make(map[string]*WatchFolder),
		watchers:   make(map[string]*runningWatcher),
	}
}

// SetWatcherFactory swaps the watcher constructor, for tests or alternative
// backends. Call it before any folder is added.
func (r *Registry) SetWatcherFactory(factory WatcherFactory) {
	r.factory = factory
}

// AddWatchFolder creates a new folder record with zeroed counters and starts
// a watcher iff the config enables it. A missing directory is not a creation
// error; it surfaces as a watcher error on the record.
func (r *Registry) AddWatchFolder(cfg FolderConfig) (*WatchFolder, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	path, err := normalizeFolderPath(cfg.Path)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	f := &WatchFolder{
		ID:                uuid.NewString(),
		Path:              path,
		Enabled:           cfg.Enabled,
		Recursive:         cfg.Recursive,
		PresetID:          cfg.PresetID,
		IncludeExtensions: append([]string(nil), cfg.IncludeExtensions...),
		ExcludePatterns:   append([]string(nil), cfg.ExcludePatterns...),
		PendingFiles:      []PendingFile{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	r.mu.Lock()
	if r.pathInUseLocked(path, "") {
		r.mu.Unlock()
		return nil, ErrPathAlreadyWatched
	}
	r.folders[f.ID] = f
	r.order = append(r.order, f.ID)

	var startErr error
	if f.Enabled {
		startErr = r.startWatcherLocked(f)
	}
	snap := r.snapshotLocked(f)
	r.mu.Unlock()

	r.log.Infow("watch folder added", "folder", f.ID, "path", path, "enabled", f.Enabled)
	r.record(f.ID, trace.KindAdded, map[string]any{"path": path, "enabled": f.Enabled})
	if startErr != nil {
		r.log.Warnw("watcher failed to start", "folder", f.ID, "path", path, "error", startErr)
		r.record(f.ID, trace.KindWatcherError, map[string]any{"error": startErr.Error()})
		r.notifyError(f.ID, startErr.Error())
	}
	r.notifyState()
	return snap, nil
}

// EnableWatchFolder starts a watcher for the folder. Idempotent: a folder
// that is already watching is left alone.
func (r *Registry) EnableWatchFolder(id string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, live := r.watchers[id]; live && f.Enabled {
		r.mu.Unlock()
		return true
	}
	f.Enabled = true
	f.Error = ""
	f.UpdatedAt = time.Now()
	startErr := r.startWatcherLocked(f)
	r.mu.Unlock()

	r.record(id, trace.KindEnabled, nil)
	if startErr != nil {
		r.log.Warnw("watcher failed to start", "folder", id, "error", startErr)
		r.record(id, trace.KindWatcherError, map[string]any{"error": startErr.Error()})
		r.notifyError(id, startErr.Error())
	}
	r.notifyState()
	return true
}

// DisableWatchFolder stops and discards the watcher. Pending files and
// counters are untouched.
func (r *Registry) DisableWatchFolder(id string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	f.Enabled = false
	f.UpdatedAt = time.Now()
	rw := r.watchers[id]
	delete(r.watchers, id)
	r.mu.Unlock()

	if rw != nil {
		rw.stop()
	}

	r.record(id, trace.KindDisabled, nil)
	r.notifyState()
	return true
}

// UpdateWatchFolder applies the supplied fields. A folder that was watching
// is restarted with the new configuration; filters and path changes never
// mutate a live watcher in place. Returns nil for an unknown id.
func (r *Registry) UpdateWatchFolder(id string, upd FolderUpdate) (*WatchFolder, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}

	if upd.Path != nil {
		path, err := normalizeFolderPath(*upd.Path)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if r.pathInUseLocked(path, id) {
			r.mu.Unlock()
			return nil, ErrPathAlreadyWatched
		}
		f.Path = path
	}
	if upd.Enabled != nil {
		f.Enabled = *upd.Enabled
	}
	if upd.Recursive != nil {
		f.Recursive = *upd.Recursive
	}
	if upd.PresetID != nil {
		f.PresetID = *upd.PresetID
	}
	if upd.IncludeExtensions != nil {
		f.IncludeExtensions = append([]string(nil), (*upd.IncludeExtensions)...)
	}
	if upd.ExcludePatterns != nil {
		f.ExcludePatterns = append([]string(nil), (*upd.ExcludePatterns)...)
	}
	f.UpdatedAt = time.Now()

	rw := r.watchers[id]
	delete(r.watchers, id)
	r.mu.Unlock()

	if rw != nil {
		rw.stop()
	}

	var startErr error
	r.mu.Lock()
	if f.Enabled {
		f.Error = ""
		startErr = r.startWatcherLocked(f)
	}
	snap := r.snapshotLocked(f)
	r.mu.Unlock()

	r.record(id, trace.KindUpdated, map[string]any{"path": f.Path, "enabled": f.Enabled})
	if startErr != nil {
		r.log.Warnw("watcher failed to restart after update", "folder", id, "error", startErr)
		r.record(id, trace.KindWatcherError, map[string]any{"error": startErr.Error()})
		r.notifyError(id, startErr.Error())
	}
	r.notifyState()
	return snap, nil
}

// RemoveWatchFolder stops any watcher and deletes the record. Not reversible.
func (r *Registry) RemoveWatchFolder(id string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if _, ok := r.folders[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.folders, id)
	for i, fid := range r.order {
		if fid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	rw := r.watchers[id]
	delete(r.watchers, id)
	r.mu.Unlock()

	if rw != nil {
		rw.stop()
	}

	r.log.Infow("watch folder removed", "folder", id)
	r.record(id, trace.KindRemoved, nil)
	r.notifyState()
	return true
}

// TogglePendingFileSelection flips one pending file's selected flag.
// Counters are never touched by selection changes.
func (r *Registry) TogglePendingFileSelection(id, path string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	i := f.pendingIndex(path)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	f.PendingFiles[i].Selected = !f.PendingFiles[i].Selected
	f.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.record(id, trace.KindSelectionChanged, map[string]any{"path": path})
	r.notifyState()
	return true
}

// SelectAllPendingFiles sets every pending file's selected flag.
func (r *Registry) SelectAllPendingFiles(id string, selected bool) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	for i := range f.PendingFiles {
		f.PendingFiles[i].Selected = selected
	}
	f.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.record(id, trace.KindSelectionChanged, map[string]any{"selected": selected})
	r.notifyState()
	return true
}

// ClearPendingFiles removes the named paths and re-derives staged from the
// remaining pending files. It does not touch jobsCreated: recording jobs is
// the pipeline's call, clearing the stage is the operator's.
func (r *Registry) ClearPendingFiles(id string, paths []string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	drop := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		drop[p] = struct{}{}
	}
	kept := f.PendingFiles[:0]
	removed := 0
	for _, pf := range f.PendingFiles {
		if _, hit := drop[pf.Path]; hit {
			removed++
			continue
		}
		kept = append(kept, pf)
	}
	f.PendingFiles = kept
	f.Counts.Staged = len(f.PendingFiles)
	f.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.record(id, trace.KindPendingCleared, map[string]any{"removed": removed})
	r.notifyState()
	return true
}

// LogJobsCreated records that the job pipeline created jobs from this
// folder's files. Pending files are untouched.
func (r *Registry) LogJobsCreated(id string, jobIDs []string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	f.Counts.JobsCreated += len(jobIDs)
	f.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.record(id, trace.KindJobsCreated, map[string]any{"jobs": jobIDs})
	r.notifyState()
	return true
}

// RecordJobCompleted advances the completed counter.
func (r *Registry) RecordJobCompleted(id, jobID string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	f.Counts.Completed++
	f.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.record(id, trace.KindJobCompleted, map[string]any{"job": jobID})
	r.notifyState()
	return true
}

// RecordJobFailed advances the failed counter. Failed is sticky; only
// ResetCounts clears it.
func (r *Registry) RecordJobFailed(id, jobID, message string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	f.Counts.Failed++
	f.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.record(id, trace.KindJobFailed, map[string]any{"job": jobID, "error": message})
	r.notifyState()
	return true
}

// ResetCounts zeroes the job counters and re-derives detected and staged
// from the current pending files. Idempotent.
func (r *Registry) ResetCounts(id string) bool {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	f.Counts.JobsCreated = 0
	f.Counts.Completed = 0
	f.Counts.Failed = 0
	f.Counts.Detected = len(f.PendingFiles)
	f.Counts.Staged = len(f.PendingFiles)
	f.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.record(id, trace.KindCountsReset, nil)
	r.notifyState()
	return true
}

// GetWatchFolder returns a snapshot of one folder, or nil.
func (r *Registry) GetWatchFolder(id string) *WatchFolder {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.folders[id]
	if !ok {
		return nil
	}
	return r.snapshotLocked(f)
}

// GetAllWatchFolders returns snapshots in creation order.
func (r *Registry) GetAllWatchFolders() []*WatchFolder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotAllLocked()
}

// Shutdown stops every watcher. Folder records are left intact.
func (r *Registry) Shutdown() {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	running := make([]*runningWatcher, 0, len(r.watchers))
	for id, rw := range r.watchers {
		running = append(running, rw)
		delete(r.watchers, id)
	}
	r.mu.Unlock()

	for _, rw := range running {
		rw.stop()
	}
	r.baseCancel()
	r.log.Infow("registry shut down", "watchers", len(running))
}

// startWatcherLocked starts a watcher for f and registers its drain
// goroutine. Caller holds mu.
func (r *Registry) startWatcherLocked(f *WatchFolder) error {
	if _, ok := r.watchers[f.ID]; ok {
		return nil
	}
	w, err := r.factory(r.snapshotLocked(f), r.tuning)
	if err != nil {
		f.Error = err.Error()
		return err
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	events, err := w.Start(ctx)
	if err != nil {
		cancel()
		f.Error = err.Error()
		return err
	}
	rw := &runningWatcher{w: w, cancel: cancel, done: make(chan struct{})}
	r.watchers[f.ID] = rw
	go r.drain(f.ID, events, rw.done)
	return nil
}

// drain pumps one watcher's events into the store, preserving per-folder
// order. It exits when the watcher closes its channel.
func (r *Registry) drain(id string, events <-chan watch.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		switch ev.Kind {
		case watch.KindFileReady:
			r.handleFileReady(id, ev)
		case watch.KindError:
			r.handleWatcherError(id, ev.Err)
		case watch.KindScanComplete:
			r.log.Debugw("initial scan complete", "folder", id)
			r.record(id, trace.KindScanComplete, nil)
		}
	}
}

func (r *Registry) handleFileReady(id string, ev watch.Event) {
	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		// Folder removed while the event was in flight.
		r.mu.Unlock()
		return
	}
	if f.pendingIndex(ev.Path) >= 0 {
		// Still staged from an earlier detection; re-detection only becomes
		// legitimate after the operator clears the file.
		r.mu.Unlock()
		r.log.Debugw("duplicate detection suppressed", "folder", id, "path", ev.Path)
		return
	}
	pf := PendingFile{
		Path:       ev.Path,
		SizeBytes:  ev.Size,
		DetectedAt: ev.Time,
		Selected:   true,
	}
	f.PendingFiles = append(f.PendingFiles, pf)
	f.Counts.Detected++
	f.Counts.Staged = len(f.PendingFiles)
	f.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.log.Infow("file detected", "folder", id, "path", ev.Path, "size", ev.Size)
	r.record(id, trace.KindFileDetected, map[string]any{"path": ev.Path, "size": ev.Size})
	if r.hub != nil {
		r.hub.Publish(notify.Message{
			Type:    notify.TypeFileDetected,
			Payload: FileDetectedPayload{WatchFolderID: id, File: pf},
		})
	}
	r.notifyState()
}

// handleWatcherError surfaces a runtime backend failure on the folder record.
// The dead handle stays registered, so the folder keeps reading as watching
// until the operator disables it; it just produces no further events.
func (r *Registry) handleWatcherError(id string, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	f, ok := r.folders[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	f.Error = err.Error()
	f.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.log.Errorw("watcher error", "folder", id, "error", err)
	r.record(id, trace.KindWatcherError, map[string]any{"error": err.Error()})
	r.notifyError(id, err.Error())
	r.notifyState()
}

func (r *Registry) snapshotLocked(f *WatchFolder) *WatchFolder {
	snap := f.clone()
	if _, live := r.watchers[f.ID]; live {
		snap.Status = StatusWatching
	} else {
		snap.Status = StatusPaused
	}
	return snap
}

func (r *Registry) snapshotAllLocked() []*WatchFolder {
	out := make([]*WatchFolder, 0, len(r.order))
	for _, id := range r.order {
		if f, ok := r.folders[id]; ok {
			out = append(out, r.snapshotLocked(f))
		}
	}
	return out
}

func (r *Registry) pathInUseLocked(path, exceptID string) bool {
	for id, f := range r.folders {
		if id != exceptID && f.Path == path {
			return true
		}
	}
	return false
}

func (r *Registry) notifyState() {
	if r.hub == nil {
		return
	}
	r.mu.Lock()
	snaps := r.snapshotAllLocked()
	r.mu.Unlock()
	r.hub.Publish(notify.Message{
		Type:    notify.TypeStateChanged,
		Payload: StateChangedPayload{WatchFolders: snaps},
	})
}

func (r *Registry) notifyError(id, message string) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(notify.Message{
		Type:    notify.TypeError,
		Payload: ErrorPayload{WatchFolderID: id, Error: message},
	})
}

func (r *Registry) record(id, kind string, detail map[string]any) {
	if r.sink == nil {
		return
	}
	r.sink.Record(trace.Event{Time: time.Now(), FolderID: id, Kind: kind, Detail: detail})
}

// normalizeFolderPath cleans and absolutizes the path. A path may point at a
// directory that does not exist yet; that surfaces later as a watcher init
// error rather than a creation error.
func normalizeFolderPath(path string) (string, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidFolderPath)
	}
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFolderPath, err)
	}
	abs = filepath.Clean(abs)
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return "", fmt.Errorf("%w: not a directory", ErrInvalidFolderPath)
	}
	return abs, nil
}
