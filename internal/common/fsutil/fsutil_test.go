package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	// Set a deterministic HOME for the duration of this test so we never skip.
	origHome, hadHome := os.LookupEnv("HOME")
	origUserProfile, hadUserProfile := os.LookupEnv("USERPROFILE")
	t.Cleanup(func() {
		if hadHome {
			_ = os.Setenv("HOME", origHome)
		} else {
			_ = os.Unsetenv("HOME")
		}
		if hadUserProfile {
			_ = os.Setenv("USERPROFILE", origUserProfile)
		} else {
			_ = os.Unsetenv("USERPROFILE")
		}
	})

	home := t.TempDir()
	// Configure both env vars for cross-platform behavior of os.UserHomeDir.
	_ = os.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		_ = os.Setenv("USERPROFILE", home)
	}
	// raw path unaffected
	if got, err := ExpandHome("/tmp"); err != nil || got != "/tmp" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// empty path
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// ~ expansion
	p, err := ExpandHome("~")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p != home {
		t.Fatalf("expected %q, got %q", home, p)
	}
	// ~/subdir
	sub := "test-sub"
	exp, err := ExpandHome("~/" + sub)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if runtime.GOOS == "windows" {
		if filepath.Base(exp) != sub {
			t.Fatalf("unexpected expanded path: %q", exp)
		}
	} else {
		expected := filepath.Join(home, sub)
		if exp != expected {
			t.Fatalf("expected %q, got %q", expected, exp)
		}
	}
}

func TestResolveAndIsFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.gguf")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Resolve(p)
	if err != nil || got != p {
		t.Fatalf("resolve: got %q err=%v", got, err)
	}
	if !IsFile(p) || IsFile(dir) {
		t.Fatalf("IsFile misreported file=%v dir=%v", IsFile(p), IsFile(dir))
	}
	if !PathExists(dir) || PathExists(filepath.Join(dir, "missing")) {
		t.Fatalf("PathExists misreported")
	}
}

func TestCommitTemp(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "part.tmp")
	if err := os.WriteFile(tmp, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dst := filepath.Join(dir, "nested", "final.bin")
	if err := CommitTemp(tmp, dst); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if PathExists(tmp) {
		t.Fatalf("temp file left behind")
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "data" {
		t.Fatalf("dst content %q err=%v", b, err)
	}
}
