package pacman

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// FileInfo is the size and checksum of a file.
type FileInfo struct {
	path   string
	size   uint64
	sha256 []byte
}

// Same returns true if t has the same size and checksum.
// Paths are not compared; a package copied into a repository is the
// same file as its source.
func (fi *FileInfo) Same(t *FileInfo) bool {
	if fi == t {
		return true
	}
	if fi == nil || t == nil {
		return false
	}
	if fi.size != t.size {
		return false
	}
	return bytes.Equal(fi.sha256, t.sha256)
}

// Path returns the path the info was calculated for.
func (fi *FileInfo) Path() string {
	return fi.path
}

// Size returns the number of bytes of the file body.
func (fi *FileInfo) Size() uint64 {
	return fi.size
}

// SHA256 returns the hex encoded SHA-256 checksum.
func (fi *FileInfo) SHA256() string {
	return hex.EncodeToString(fi.sha256)
}

// CopyWithFileInfo copies from src to dst until either EOF is reached
// on src or an error occurs, and returns FileInfo calculated while copying.
// dst may be io.Discard to only checksum src.
func CopyWithFileInfo(dst io.Writer, src io.Reader, p string) (*FileInfo, error) {
	sha256hash := sha256.New()

	w := io.MultiWriter(sha256hash, dst)
	n, err := io.Copy(w, src)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		path:   p,
		size:   uint64(n), // #nosec G115 - io.Copy returns n >= 0
		sha256: sha256hash.Sum(nil),
	}, nil
}
