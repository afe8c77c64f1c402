// internal/security/permissions.go
package security

import (
	"fmt"
	"os"
)

// ValidateSecretFilePermissions checks that a file which may hold an API
// token is neither writable nor readable by other users.
func ValidateSecretFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking file permissions: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	mode := info.Mode().Perm()
	if mode&0002 != 0 {
		return fmt.Errorf("file %s is world-writable (mode %04o)", path, mode)
	}
	if mode&0004 != 0 {
		return fmt.Errorf("file %s is world-readable (mode %04o), expected 0600 or 0640", path, mode)
	}
	return nil
}

// ValidateDirectoryPermissions checks that a cache directory is not
// writable by other users.
func ValidateDirectoryPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking directory permissions: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	mode := info.Mode().Perm()
	if mode&0002 != 0 {
		return fmt.Errorf("directory %s is world-writable (mode %04o)", path, mode)
	}
	return nil
}
