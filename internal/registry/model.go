package registry

import "time"

// Status is derived state: a folder is watching exactly when a live watcher
// handle is registered for it, paused otherwise.
type Status string

const (
	StatusWatching Status = "watching"
	StatusPaused   Status = "paused"
)

// PendingFile is one detected file staged for operator review. It is only
// ever removed by an explicit clear, never automatically.
type PendingFile struct {
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"sizeBytes"`
	DetectedAt time.Time `json:"detectedAt"`
	Selected   bool      `json:"selected"`
}

// LifecycleCounters is per-folder bookkeeping. Staged always equals the
// current pending-file count; Detected only grows until an explicit reset.
type LifecycleCounters struct {
	Detected    int `json:"detected"`
	Staged      int `json:"staged"`
	JobsCreated int `json:"jobsCreated"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

// WatchFolder is one monitored directory plus everything staged from it.
type WatchFolder struct {
	ID                string            `json:"id"`
	Path              string            `json:"path"`
	Enabled           bool              `json:"enabled"`
	Status            Status            `json:"status"`
	Recursive         bool              `json:"recursive"`
	PresetID          string            `json:"presetId,omitempty"`
	IncludeExtensions []string          `json:"includeExtensions"`
	ExcludePatterns   []string          `json:"excludePatterns"`
	PendingFiles      []PendingFile     `json:"pendingFiles"`
	Counts            LifecycleCounters `json:"counts"`
	Error             string            `json:"error,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// FolderConfig is the creation payload for AddWatchFolder.
type FolderConfig struct {
	Path              string   `json:"path"`
	Enabled           bool     `json:"enabled"`
	Recursive         bool     `json:"recursive"`
	PresetID          string   `json:"presetId,omitempty"`
	IncludeExtensions []string `json:"includeExtensions,omitempty"`
	ExcludePatterns   []string `json:"excludePatterns,omitempty"`
}

// FolderUpdate carries a partial update; nil fields are left untouched.
type FolderUpdate struct {
	Path              *string   `json:"path,omitempty"`
	Enabled           *bool     `json:"enabled,omitempty"`
	Recursive         *bool     `json:"recursive,omitempty"`
	PresetID          *string   `json:"presetId,omitempty"`
	IncludeExtensions *[]string `json:"includeExtensions,omitempty"`
	ExcludePatterns   *[]string `json:"excludePatterns,omitempty"`
}

func (f *WatchFolder) clone() *WatchFolder {
	out := *f
	out.IncludeExtensions = append([]string(nil), f.IncludeExtensions...)
	out.ExcludePatterns = append([]string(nil), f.ExcludePatterns...)
	out.PendingFiles = append([]PendingFile(nil), f.PendingFiles...)
	return &out
}

// pendingIndex returns the position of path in PendingFiles, or -1.
func (f *WatchFolder) pendingIndex(path string) int {
	for i := range f.PendingFiles {
		if f.PendingFiles[i].Path == path {
			return i
		}
	}
	return -1
}
