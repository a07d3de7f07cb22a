package commands

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felix5572/DeepTI/internal/config"
)

// captureStdout returns what fn prints on standard output.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	prev := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = prev }()

	fn()
	w.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func TestInitWritesLoadableTemplates(t *testing.T) {
	t.Setenv("GDI_PATH", filepath.Join(t.TempDir(), "gdi"))
	dir := filepath.Join(t.TempDir(), "job")

	var runErr error
	out := captureStdout(t, func() {
		runErr = NewRootCommand().Run(context.Background(), []string{"gdi", "init", "--dir", dir})
	})
	if runErr != nil {
		t.Fatalf("init: %v", runErr)
	}

	if !strings.HasSuffix(out, "-i 1\n") {
		t.Errorf("output should end with a single newline, got tail %q", out[max(0, len(out)-20):])
	}
	if _, err := config.LoadRun(filepath.Join(dir, "param.jsonc")); err != nil {
		t.Errorf("param template: %v", err)
	}
	if _, err := config.LoadMachine(filepath.Join(dir, "machine.jsonc")); err != nil {
		t.Errorf("machine template: %v", err)
	}
	if _, err := os.Stat(config.DotenvPath()); err != nil {
		t.Errorf("dotenv template: %v", err)
	}

	again := captureStdout(t, func() {
		runErr = NewRootCommand().Run(context.Background(), []string{"gdi", "init", "--dir", dir})
	})
	if runErr != nil || !strings.Contains(again, "Nothing to do") {
		t.Errorf("second init: %q, %v", again, runErr)
	}
}
