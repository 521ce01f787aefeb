package job

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// fileURL is the download URL of a visible file.
func fileURL(jobID int, rel string) string {
	return fmt.Sprintf("/v1/jobs/%d/files/%s", jobID, rel)
}

// listVisibleFiles expands patterns relative to runDir. Only regular files
// are returned, sorted by name.
func listVisibleFiles(runDir string, patterns []string, jobID int) ([]VisibleFile, error) {
	fsys := os.DirFS(runDir)
	seen := make(map[string]bool)
	files := []VisibleFile{}
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid visible file pattern %q: %w", pattern, err)
		}
		for _, rel := range matches {
			if seen[rel] {
				continue
			}
			info, err := fs.Stat(fsys, rel)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[rel] = true
			files = append(files, VisibleFile{Name: rel, Size: info.Size(), URL: fileURL(jobID, rel)})
		}
	}
	slices.SortFunc(files, func(a, b VisibleFile) int {
		return strings.Compare(a.Name, b.Name)
	})
	return files, nil
}

// matchVisible reports whether rel is covered by one of patterns. rel must
// already be a clean, local, slash-separated path.
func matchVisible(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// cleanRel normalizes a requested file path and rejects anything that
// escapes the run directory.
func cleanRel(rel string) (string, bool) {
	if rel == "" || !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", false
	}
	return path.Clean(filepath.ToSlash(rel)), true
}
