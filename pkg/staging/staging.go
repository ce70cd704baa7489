package staging

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultStagingRoot is the base directory for per-migration staging areas.
	DefaultStagingRoot = "/var/lib/dmorch/staging"
	// DefaultVerifyRoot is the base directory for per-download verify areas.
	DefaultVerifyRoot = "/var/lib/dmorch/verify"
)

// Manager allocates and removes the staging/verify directories daemons use
// to stand up working copies of migration data without touching the
// original source tree or colliding with another request.
type Manager struct {
	stagingRoot string
	verifyRoot  string
}

// NewManager creates a Manager rooted at the given directories, creating
// them if necessary. Empty strings fall back to the package defaults.
func NewManager(stagingRoot, verifyRoot string) (*Manager, error) {
	if stagingRoot == "" {
		stagingRoot = DefaultStagingRoot
	}
	if verifyRoot == "" {
		verifyRoot = DefaultVerifyRoot
	}
	if err := os.MkdirAll(stagingRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	if err := os.MkdirAll(verifyRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create verify root: %w", err)
	}
	return &Manager{stagingRoot: stagingRoot, verifyRoot: verifyRoot}, nil
}

// StagingDir returns (creating if necessary) the staging directory for a
// migration, e.g. staging/<migration-id>.
func (m *Manager) StagingDir(migrationID string) (string, error) {
	path := filepath.Join(m.stagingRoot, migrationID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return path, nil
}

// VerifyDir returns (creating if necessary) the verify directory for a
// downloaded batch, e.g. verify/<backend>_<external-id>.
func (m *Manager) VerifyDir(backendID, externalID string) (string, error) {
	name := fmt.Sprintf("%s_%s", backendID, externalID)
	path := filepath.Join(m.verifyRoot, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create verify directory: %w", err)
	}
	return path, nil
}

// RemoveStagingDir deletes a migration's staging directory and everything
// under it. Called by the Tidy stages once an archive no longer needs its
// working copy.
func (m *Manager) RemoveStagingDir(migrationID string) error {
	path := filepath.Join(m.stagingRoot, migrationID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(path)
}

// RemoveVerifyDir deletes a download's verify directory and everything
// under it.
func (m *Manager) RemoveVerifyDir(backendID, externalID string) error {
	name := fmt.Sprintf("%s_%s", backendID, externalID)
	path := filepath.Join(m.verifyRoot, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(path)
}

// RestoreOwnership sets uid, gid and mode on path, recursively if path is a
// directory. It is the fixpoint relied on by Manager.MarkFailed and by
// PUT_TIDY: calling it twice in a row leaves the tree unchanged.
func RestoreOwnership(path string, uid, gid int, mode os.FileMode) error {
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := os.Chown(p, uid, gid); err != nil && !os.IsPermission(err) {
			return fmt.Errorf("chown %s: %w", p, err)
		}
		m := mode
		if info.IsDir() {
			m = mode | 0111 // directories need the execute bit to be traversable
		}
		if err := os.Chmod(p, m); err != nil {
			return fmt.Errorf("chmod %s: %w", p, err)
		}
		return nil
	})
}
