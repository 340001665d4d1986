package repo

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// validateDirectoryPath validates that a directory path is safe for sync operations.
func validateDirectoryPath(path string) error {
	cleanPath := filepath.Clean(path)

	if !filepath.IsAbs(cleanPath) && strings.Contains(cleanPath, "..") {
		return errors.New("unsafe directory path (contains directory traversal): " + path)
	}

	return nil
}

// validateFilename checks that name is a plain file name that stays inside
// the repository directory.
func validateFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
		return errors.New("unsafe file name: " + name)
	}
	return nil
}

// DirSync calls fsync(2) on the directory to save changes in the directory.
//
// This should be called after creating, renaming or removing files.
func DirSync(fs afero.Fs, d string) error {
	if err := validateDirectoryPath(d); err != nil {
		return errors.Wrap(err, "DirSync")
	}

	f, err := fs.Open(d)
	if err != nil {
		return err
	}
	err = f.Sync()
	if err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
