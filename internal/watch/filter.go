package watch

import (
	"path/filepath"
	"strings"
)

// defaultIncludeExtensions covers the common video and camera-RAW containers
// a capture workstation drops into an ingest folder.
var defaultIncludeExtensions = []string{
	".mp4", ".mov", ".m4v", ".mkv", ".avi", ".webm", ".wmv",
	".mxf", ".mts", ".m2ts", ".mpg", ".mpeg",
	".r3d", ".braw", ".ari", ".dng",
	".cr2", ".cr3", ".nef", ".arw", ".raf", ".orf",
}

// defaultExcludePatterns filters out OS metadata, partial transfers and trash.
var defaultExcludePatterns = []string{
	".*",
	"*.tmp", "*.part", "*.crdownload", "*.download",
	"Thumbs.db", "desktop.ini",
	"$RECYCLE.BIN", "@eaDir", "System Volume Information",
}

// Filter decides whether a candidate path may be staged. An empty include
// list falls back to the built-in media extension set; configured exclude
// patterns are applied in addition to the built-in ones.
type Filter struct {
	include map[string]struct{}
	exclude []string
}

func NewFilter(includeExtensions, excludePatterns []string) *Filter {
	src := includeExtensions
	if len(src) == 0 {
		src = defaultIncludeExtensions
	}
	include := make(map[string]struct{}, len(src))
	for _, ext := range src {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		include[ext] = struct{}{}
	}

	exclude := make([]string, 0, len(excludePatterns)+len(defaultExcludePatterns))
	exclude = append(exclude, excludePatterns...)
	exclude = append(exclude, defaultExcludePatterns...)

	return &Filter{include: include, exclude: exclude}
}

// Accept reports whether path passes the extension and exclusion checks.
func (f *Filter) Accept(path string) bool {
	base := filepath.Base(path)
	if f.Excluded(base) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "" {
		return false
	}
	_, ok := f.include[ext]
	return ok
}

// Excluded reports whether a base name matches any exclude pattern. It is
// applied to directories as well so excluded trees are pruned from scans.
func (f *Filter) Excluded(base string) bool {
	for _, pat := range f.exclude {
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
	}
	return false
}
