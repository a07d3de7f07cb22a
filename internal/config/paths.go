package config

import (
	"os"
	"path/filepath"
)

// GDIPath returns the per-user directory for gdi state (age key, .env).
// It uses $GDI_PATH if set, otherwise defaults to ~/.gdi.
func GDIPath() string {
	if v := os.Getenv("GDI_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".gdi")
	}
	return filepath.Join(home, ".gdi")
}

// DotenvPath returns the path to the per-user .env file.
func DotenvPath() string {
	return filepath.Join(GDIPath(), ".env")
}
