package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	if got := DefaultDataDir(); got != "/custom/data/runnel" {
		t.Fatalf("DefaultDataDir() = %s, want /custom/data/runnel", got)
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	if got := DefaultDataDir(); got != "./data" {
		t.Fatalf("expected fallback to ./data, got %s", got)
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	got := DefaultDataDir()
	if got != DefaultDataDir() {
		t.Fatalf("DefaultDataDir is not stable")
	}
	if !filepath.IsAbs(got) && !strings.HasPrefix(got, "./") {
		t.Fatalf("expected absolute path or ./ prefix, got %s", got)
	}
	if got != "./data" && !strings.HasSuffix(strings.ToLower(got), "runnel") {
		t.Fatalf("expected a runnel directory, got %s", got)
	}
}

func TestIsDir(t *testing.T) {
	for _, tt := range []struct {
		path string
		want bool
	}{
		{".", true},
		{"/non/existent/path/that/does/not/exist", false},
		{os.Args[0], false},
	} {
		if got := isDir(tt.path); got != tt.want {
			t.Errorf("isDir(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
