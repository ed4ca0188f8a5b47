package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Package is a published, versioned rule set. The fingerprint is the
// hex SHA-256 over the pretty-printed rules body, so identical
// publishes are stable.
type Package struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint"`
	Rules       *Set   `json:"rules"`
}

// SafeToken validates a package name, version or checkpoint key:
// non-empty after trim, and only [A-Za-z0-9_.-].
func SafeToken(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", fmt.Errorf("empty package token")
	}
	for _, ch := range t {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '_', ch == '-', ch == '.':
		default:
			return "", fmt.Errorf("package token contains invalid characters")
		}
	}
	return t, nil
}

// Fingerprint computes the package fingerprint for a rule set.
func Fingerprint(s *Set) (string, error) {
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode rules: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Store reads and writes rules packages under a base directory as
// <name>__<version>.json files.
type Store struct {
	Dir string
}

func (ps Store) path(name, version string) (string, error) {
	n, err := SafeToken(name)
	if err != nil {
		return "", err
	}
	v, err := SafeToken(version)
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(ps.Dir, fmt.Sprintf("%s__%s.json", n, v))
}

// Publish writes the package and returns it with its fingerprint.
func (ps Store) Publish(name, version string, set *Set) (*Package, error) {
	path, err := ps.path(name, version)
	if err != nil {
		return nil, err
	}
	fp, err := Fingerprint(set)
	if err != nil {
		return nil, err
	}
	pkg := &Package{Name: name, Version: version, Fingerprint: fp, Rules: set}
	body, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode rules package: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create rules package dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return nil, fmt.Errorf("write rules package: %w", err)
	}
	return pkg, nil
}

// Get loads a previously published package.
func (ps Store) Get(name, version string) (*Package, error) {
	path, err := ps.path(name, version)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules package: %w", err)
	}
	var pkg Package
	if err := json.Unmarshal(body, &pkg); err != nil {
		return nil, fmt.Errorf("parse rules package: %w", err)
	}
	return &pkg, nil
}
