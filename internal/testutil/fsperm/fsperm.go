package fsperm

import (
	"os"
	"runtime"
	"testing"
)

// AssertPrivateDirPerm verifies that dir exists and is owner-only.
func AssertPrivateDirPerm(t testing.TB, dir string) {
	t.Helper()
	info := statOrFail(t, dir)
	if !info.IsDir() {
		t.Fatalf("expected directory, got file: %s", dir)
	}
	assertPerm(t, info, 0o700, dir)
}

// AssertPrivateFilePerm verifies that an encrypted state file is owner read/write only.
func AssertPrivateFilePerm(t testing.TB, path string) {
	t.Helper()
	info := statOrFail(t, path)
	if info.IsDir() {
		t.Fatalf("expected file, got directory: %s", path)
	}
	assertPerm(t, info, 0o600, path)
}

func statOrFail(t testing.TB, path string) os.FileInfo {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	return info
}

func assertPerm(t testing.TB, info os.FileInfo, want os.FileMode, path string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		return
	}
	if perm := info.Mode().Perm(); perm != want {
		t.Fatalf("expected perm %04o, got %04o for %s", want, perm, path)
	}
}
