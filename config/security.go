package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Security limits for configuration
	maxConfigSize = 10 << 20 // 10MB max config file size
	maxEnvVarLen  = 10000    // Maximum environment variable value length
	maxPathLen    = 4096     // Maximum file path length
)

// validateConfigPath does basic path validation
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if len(path) > maxPathLen {
		return fmt.Errorf("path too long: %d > %d", len(path), maxPathLen)
	}

	// Path traversal check - use filepath.Clean to normalize and check for parent references
	cleanPath := filepath.Clean(path)

	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return fmt.Errorf("cannot resolve absolute path: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("cannot get working directory: %w", err)
	}

	// Ensure the resolved path is within or relative to the current directory
	// This prevents "/absolute/path/../../../etc/passwd" attacks
	if filepath.IsAbs(path) {
		// If path is absolute, it must not try to escape via parent refs
		if strings.Contains(filepath.ToSlash(absPath), "..") {
			return fmt.Errorf("path traversal not allowed: %s", path)
		}
	} else {
		// For relative paths, ensure they stay within CWD after resolution
		relPath, err := filepath.Rel(cwd, absPath)
		if err != nil || strings.HasPrefix(relPath, "..") {
			return fmt.Errorf("path traversal not allowed: %s resolves outside working directory", path)
		}
	}

	// Only allow TOML config files
	if !strings.HasSuffix(path, ".toml") {
		return fmt.Errorf("only TOML config files allowed: %s", path)
	}

	return nil
}

// safeReadFile reads a config file with security validation
func safeReadFile(path string) ([]byte, error) {
	// Validate the path first
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	// Check file size before reading
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}

	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}

	// Check if it's a regular file (not symlink, directory, etc.)
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	return data, nil
}

// atomicWriteFile writes a config file by writing a temp file in the
// same directory, syncing it, and renaming over the target. The config
// holds key material, so permissions are owner read/write only.
func atomicWriteFile(path string, data []byte) error {
	if err := validateConfigPath(path); err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}

	if len(data) > maxConfigSize {
		return fmt.Errorf("config data too large: %d bytes > %d", len(data), maxConfigSize)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("cannot create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("cannot set temp file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("cannot write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("cannot sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot replace config file: %w", err)
	}

	return nil
}

// validateEnvVar does basic environment variable validation
func validateEnvVar(key, value string) error {
	if value == "" {
		return nil // Empty is OK
	}

	// Basic length check
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvVarLen)
	}

	// Just prevent obvious shell injection
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("null byte in environment variable %s", key)
	}

	return nil
}
