// Package storage maps layers and themes onto the on-disk tile tree and
// provides the deletion and validation primitives the rest of the server
// relies on.
package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ThemesDirName separates theme tile trees from layer tile trees inside a
// project cache directory.
const ThemesDirName = "_themes"

// SanitizeProjectID folds an arbitrary identifier into the canonical
// project id form: NFKD-decomposed, lowercase alphanumeric plus "-_".
func SanitizeProjectID(id string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	folded, _, err := transform.String(t, id)
	if err != nil {
		folded = id
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeName converts a layer or theme name into its storage directory
// name. Anything outside alphanumerics and "._-" becomes "_", and path
// traversal cannot survive the mapping.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	s = strings.TrimLeft(s, ".")
	if s == "" {
		s = "_"
	}
	return s
}

// Layout resolves paths inside a cache root.
type Layout struct {
	CacheRoot string
}

// ProjectDir returns the cache directory for a project.
func (l Layout) ProjectDir(project string) string {
	return filepath.Join(l.CacheRoot, SanitizeProjectID(project))
}

// ConfigPath returns the project-config.json path for a project.
func (l Layout) ConfigPath(project string) string {
	return filepath.Join(l.ProjectDir(project), "project-config.json")
}

// IndexPath returns the index.json path for a project.
func (l Layout) IndexPath(project string) string {
	return filepath.Join(l.ProjectDir(project), "index.json")
}

// TargetDir returns the tile tree root for a layer or theme.
func (l Layout) TargetDir(project, mode, name string) string {
	if mode == "theme" {
		return filepath.Join(l.ProjectDir(project), ThemesDirName, SanitizeName(name))
	}
	return filepath.Join(l.ProjectDir(project), SanitizeName(name))
}

// TilePath returns the file path for a tile inside a target directory.
func TilePath(dir string, z, x, y int, ext string) string {
	return filepath.Join(dir, fmt.Sprint(z), fmt.Sprint(x), fmt.Sprintf("%d.%s", y, ext))
}
