package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockDryRun(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("service:\n  name: x\n"), 0600); err != nil {
		t.Fatal(err)
	}

	report, err := Lock(tmpDir, []string{"config.yaml", "webhooks.yaml"}, true)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Exists || report.Files[0].Hash == "" {
		t.Fatal("config.yaml should exist with computed hash")
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("webhooks.yaml should be reported as missing without hash")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockWritesManifest(t *testing.T) {
	tmpDir := t.TempDir()

	for _, name := range []string{"config.yaml", "webhooks.yaml"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("listen: :8081\n"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	report, err := Lock(tmpDir, []string{"config.yaml", "webhooks.yaml"}, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if !report.Written {
		t.Fatal("report.Written = false, want true")
	}

	manifest, err := LoadChecksums(tmpDir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("len(manifest.Hashes) = %d, want 2", len(manifest.Hashes))
	}
}

func TestVerifyChecksumsDetectsEdit(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("service:\n  name: a\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Lock(tmpDir, []string{"config.yaml"}, false); err != nil {
		t.Fatal(err)
	}
	if err := verifyChecksums([]string{path}); err != nil {
		t.Fatalf("verifyChecksums() on untouched file: %v", err)
	}

	if err := os.WriteFile(path, []byte("service:\n  name: b\n"), 0600); err != nil {
		t.Fatal(err)
	}
	err := verifyChecksums([]string{path})
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("verifyChecksums() error = %v, want hash mismatch", err)
	}
}

func TestVerifyChecksumsWithoutManifest(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("x: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := verifyChecksums([]string{path}); err != nil {
		t.Fatalf("verifyChecksums() without manifest: %v", err)
	}
}
