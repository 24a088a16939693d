package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to config.yaml.
const ChecksumFile = ".checksums"

// ChecksumManifest maps config file basenames to their BLAKE3 hashes.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockedFile captures the checksum outcome for one config file.
type LockedFile struct {
	Filename string
	Path     string
	Exists   bool
	Hash     string
}

// LockReport describes a `config lock` run.
type LockReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []LockedFile
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actual, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actual)
	}
	return nil
}

// Lock hashes the given files (basenames under configDir) and writes the
// manifest unless dryRun is set. Missing files are reported and skipped.
func Lock(configDir string, files []string, dryRun bool) (*LockReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string),
	}
	report := &LockReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFile),
		Files:        make([]LockedFile, 0, len(files)),
	}

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, name := range sorted {
		path := filepath.Join(configDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			report.Files = append(report.Files, LockedFile{Filename: name, Path: path})
			continue
		}

		sum, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.Hashes[name] = sum
		report.Files = append(report.Files, LockedFile{Filename: name, Path: path, Exists: true, Hash: sum})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'vaultgate config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifyChecksums checks every loaded file against the manifest in its
// directory. Directories without a manifest are not verified.
func verifyChecksums(paths []string) error {
	byDir := make(map[string][]string)
	for _, p := range paths {
		byDir[filepath.Dir(p)] = append(byDir[filepath.Dir(p)], p)
	}

	for dir, files := range byDir {
		manifest, err := LoadChecksums(dir)
		if err != nil {
			continue
		}
		for _, path := range files {
			base := filepath.Base(path)
			expected, ok := manifest.Hashes[base]
			if !ok {
				return fmt.Errorf("config file %s has no hash in %s\n"+
					"Run: vaultgate config lock --config %s", base, filepath.Join(dir, ChecksumFile), dir)
			}
			if err := VerifyFileHash(path, expected); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: vaultgate config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}
