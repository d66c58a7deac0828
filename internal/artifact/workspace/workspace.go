// Package workspace owns the per-version source checkouts used for tests
// and image builds.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Manager owns release working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the directory for identifier without touching the filesystem.
func (m *Manager) Path(identifier string) string {
	return filepath.Join(m.root, sanitize(identifier))
}

// Prepare creates an empty directory for identifier, discarding any
// previous checkout.
func (m *Manager) Prepare(identifier string) (string, error) {
	if strings.TrimSpace(identifier) == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := m.Path(identifier)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Exists reports whether a populated directory exists for identifier.
func (m *Manager) Exists(identifier string) bool {
	entries, err := os.ReadDir(m.Path(identifier))
	return err == nil && len(entries) > 0
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with identifier.
func (m *Manager) CleanupByID(identifier string) error {
	if strings.TrimSpace(identifier) == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	return m.Cleanup(m.Path(identifier))
}

func sanitize(identifier string) string {
	cleaned := unsafeChars.ReplaceAllString(strings.TrimSpace(identifier), "-")
	cleaned = strings.Trim(cleaned, ".-")
	if cleaned == "" {
		return "workspace"
	}
	return cleaned
}
