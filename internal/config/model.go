package config

// FolderSpec seeds one watch folder at startup. The registry owns the record
// afterwards; this file is not rewritten when folders change at runtime.
type FolderSpec struct {
	Path              string   `json:"path"`
	Enabled           bool     `json:"enabled"`
	Recursive         bool     `json:"recursive"`
	PresetID          string   `json:"presetId,omitempty"`
	IncludeExtensions []string `json:"includeExtensions,omitempty"`
	ExcludePatterns   []string `json:"excludePatterns,omitempty"`
}

// WatchCfg tunes stability detection for every watcher.
type WatchCfg struct {
	QuietWindowMs  int `json:"quietWindowMs"`
	PollIntervalMs int `json:"pollIntervalMs"`
}

type LoggingCfg struct {
	Level string `json:"level"`
}

type APICfg struct {
	Listen string `json:"listen"`
}

type TraceCfg struct {
	// DbPath is where the transition log lives; empty disables tracing.
	DbPath string `json:"dbPath"`
}

type Config struct {
	Version int          `json:"version"`
	Folders []FolderSpec `json:"folders"`
	Watch   WatchCfg     `json:"watch"`
	Logging LoggingCfg   `json:"logging"`
	API     APICfg       `json:"api"`
	Trace   TraceCfg     `json:"trace"`
}
