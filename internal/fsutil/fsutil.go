package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// frameExts lists the extensions ImageMagick can read sequence frames from,
// in lookup order.
var frameExts = []string{".fit", ".fits", ".fts", ".tif", ".tiff", ".png"}

// IsFrameFile checks if a file has a supported frame extension.
func IsFrameFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range frameExts {
		if e == ext {
			return true
		}
	}
	return false
}

// ListFrames returns the frame files in dir whose name starts with prefix,
// sorted by name.
func ListFrames(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if IsFrameFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// DetectExtension returns the extension of the frame files named after
// prefix in dir. A FITS cube named exactly prefix plus an extension wins
// over per-frame files. It returns "" when nothing matches.
func DetectExtension(dir, prefix string) string {
	cands := make([]string, len(frameExts))
	for i, e := range frameExts {
		cands[i] = filepath.Join(dir, prefix+e)
	}
	if p := FirstExisting(cands...); p != "" {
		return filepath.Ext(p)
	}
	files, err := ListFrames(dir, prefix)
	if err != nil || len(files) == 0 {
		return ""
	}
	return filepath.Ext(files[0])
}
