package config

import (
	"os"
	"path/filepath"
)

// FindUp searches dir and its ancestors for a file called name and returns
// its path, or "" if no ancestor has one. Lets the daemon be started from
// anywhere inside a project that carries a convod.yaml.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		if _, err := os.Stat(filepath.Join(curDir, name)); err == nil {
			return filepath.Join(curDir, name)
		}
		parent := filepath.Dir(curDir)
		if parent == curDir {
			return ""
		}
		curDir = parent
	}
}
