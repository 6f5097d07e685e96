// Package pairs discovers RGB/depth sample identifiers under a directory tree.
//
// An identifier is the path prefix shared by two sibling files, one ending in
// the RGB suffix and one ending in the depth suffix. For example the files
//
//	scenes/kitchen/0001_rgb.png
//	scenes/kitchen/0001_depth.png
//
// share the identifier "scenes/kitchen/0001_". Discovery only looks at names:
// no file content is read, and the depth counterpart is assumed to exist. A
// missing or broken depth file is detected later by the loader.
package pairs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const (
	// DefaultRGBSuffix is the filename suffix of the colour image of a pair.
	DefaultRGBSuffix = "rgb.png"
	// DefaultDepthSuffix is the filename suffix of the depth image of a pair.
	DefaultDepthSuffix = "depth.png"
)

// Suffixes holds the naming convention used to pair files.
type Suffixes struct {
	RGB   string
	Depth string
}

// DefaultSuffixes returns the "rgb.png" / "depth.png" convention.
func DefaultSuffixes() Suffixes {
	return Suffixes{RGB: DefaultRGBSuffix, Depth: DefaultDepthSuffix}
}

// RGBPath returns the colour image path for identifier id.
func (s Suffixes) RGBPath(id string) string { return id + s.RGB }

// DepthPath returns the depth image path for identifier id.
func (s Suffixes) DepthPath(id string) string { return id + s.Depth }

// Option configures Scan.
type Option func(*Suffixes)

// WithSuffixes overrides the default file suffixes. Empty values keep the
// default for that side.
func WithSuffixes(rgb, depth string) Option {
	return func(s *Suffixes) {
		if rgb != "" {
			s.RGB = rgb
		}
		if depth != "" {
			s.Depth = depth
		}
	}
}

// Scan returns the identifiers of every file under root whose name ends with
// the RGB suffix, at any nesting depth.
//
// Entries of a directory are visited in lexical order, files first and then
// subdirectories, so the result is deterministic for a given tree. A
// directory that cannot be listed aborts the scan with an error naming it.
func Scan(root string, opts ...Option) ([]string, error) {
	suffixes := DefaultSuffixes()
	for _, opt := range opts {
		opt(&suffixes)
	}
	if suffixes.RGB == "" {
		return nil, errors.New("pairs: empty RGB suffix")
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "pairs: cannot scan %q", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("pairs: %q is not a directory", root)
	}
	return scanDir(root, suffixes.RGB)
}

// scanDir is the recursive step of Scan: identifiers of dir itself followed
// by those of each subdirectory.
func scanDir(dir, rgbSuffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "pairs: failed to list directory %q", dir)
	}

	var ids []string
	var subdirs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			subdirs = append(subdirs, filepath.Join(dir, name))
			continue
		}
		if strings.HasSuffix(name, rgbSuffix) {
			ids = append(ids, strings.TrimSuffix(filepath.Join(dir, name), rgbSuffix))
		}
	}

	for _, sub := range subdirs {
		subIDs, err := scanDir(sub, rgbSuffix)
		if err != nil {
			return nil, err
		}
		ids = append(ids, subIDs...)
	}
	return ids, nil
}

// Complete returns the identifiers whose depth file exists, in input order.
// It only stats files; whether they decode is up to the loader.
func Complete(ids []string, suffixes Suffixes) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := os.Stat(suffixes.DepthPath(id)); err == nil {
			out = append(out, id)
		}
	}
	return out
}
