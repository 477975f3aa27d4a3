// Package fsperm asserts filesystem permissions on persisted key material
// and job state in tests.
package fsperm

import (
	"os"
	"runtime"
	"testing"
)

// AssertPrivateDirPerm verifies that dir exists and is private enough for persisted state.
func AssertPrivateDirPerm(t testing.TB, dir string) {
	t.Helper()

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat dir failed: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected directory, got file: %s", dir)
	}
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("expected dir perm 0700, got %04o for %s", perm, dir)
	}
}

// AssertPrivateFilePerm verifies that a sealed state file is owner-only.
func AssertPrivateFilePerm(t testing.TB, path string) {
	t.Helper()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat file failed: %v", err)
	}
	if info.IsDir() {
		t.Fatalf("expected file, got directory: %s", path)
	}
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected file perm 0600, got %04o for %s", perm, path)
	}
}
