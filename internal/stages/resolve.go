package stages

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ResolveInput turns an input reference into a filesystem path.
//
// Supported forms:
//   - /abs/path or file:///abs/path → used as-is
//   - name or file://name           → filepath.Join(baseDir, name)
//
// Existence is not checked here; the load stage reports missing inputs.
func ResolveInput(ref, baseDir string) (string, error) {
	raw := ref
	if scheme, rest, ok := strings.Cut(ref, "://"); ok {
		if scheme != "file" {
			return "", newError(StageLoad, KindValidation, fmt.Errorf("unsupported input scheme %q in %s", scheme, ref))
		}
		raw = rest
	}
	if raw == "" {
		return "", newError(StageLoad, KindValidation, fmt.Errorf("empty input reference"))
	}
	if filepath.IsAbs(raw) || baseDir == "" {
		return filepath.Clean(raw), nil
	}
	return filepath.Join(baseDir, raw), nil
}

// DefaultOutputName derives the output name from an input path:
// scan.nii.gz becomes scan_preprocessed.
func DefaultOutputName(input string) string {
	name := filepath.Base(input)
	for _, ext := range []string{".gz", ".nii", ".dcm", ".mgz"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name + "_preprocessed"
}

// FindInputs returns the regular files in dir matching the glob pattern,
// sorted by name.
func FindInputs(dir, pattern string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("input directory not found: %s", dir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input path is not a directory: %s", dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var files []string
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}
