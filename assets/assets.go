// Package assets provides access to embedded files: SQL migrations,
// classifier rule tables and the discovery exclusion list.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql rules/*.yaml exclusions.txt
var embedFS embed.FS

// ReadFile returns the content of a specific file from the embedded assets by its name.
func ReadFile(name string) ([]byte, error) {
	return embedFS.ReadFile(name)
}

// ReadDir returns the directory entries for a specific path.
func ReadDir(name string) ([]fs.DirEntry, error) {
	return embedFS.ReadDir(name)
}
