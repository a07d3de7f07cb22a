package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGDIPath_Default(t *testing.T) {
	t.Setenv("GDI_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := GDIPath()
	want := filepath.Join(home, ".gdi")
	if got != want {
		t.Errorf("GDIPath() = %q, want %q", got, want)
	}
}

func TestGDIPath_EnvOverride(t *testing.T) {
	t.Setenv("GDI_PATH", "/tmp/custom-gdi")

	if got := GDIPath(); got != "/tmp/custom-gdi" {
		t.Errorf("GDIPath() = %q, want %q", got, "/tmp/custom-gdi")
	}
}

func TestDotenvPath(t *testing.T) {
	t.Setenv("GDI_PATH", "/tmp/test-gdi")

	if got := DotenvPath(); got != "/tmp/test-gdi/.env" {
		t.Errorf("DotenvPath() = %q, want %q", got, "/tmp/test-gdi/.env")
	}
}
