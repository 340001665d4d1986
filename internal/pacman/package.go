// Package pacman knows about pacman package files at the file name level.
package pacman

import (
	"path"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	// SignatureExt is appended to a package file name to form its
	// detached signature.
	SignatureExt = ".sig"
)

var (
	suffixPattern  = `(x86_64|i686|any|aarch64|armv7h)\.pkg\.tar(?:\.(gz|bz2|xz|zst|lzo|lrz|lz4|lz|Z))?`
	suffixRegexp   = regexp.MustCompile(`^` + suffixPattern + `$`)
	filenameRegexp = regexp.MustCompile(`^.+-` + suffixPattern + `$`)
	pkgrelRegexp   = regexp.MustCompile(`^[0-9]+(?:\.[0-9]+)?$`)
)

// ErrNotPackage is returned for file names that do not look like packages.
var ErrNotPackage = errors.New("not a package file")

// PackageInfo is the information encoded in a package file name.
type PackageInfo struct {
	Name        string
	Version     Version
	Arch        string
	Compression string // empty for uncompressed archives
}

// PackageFile is a package on disk together with its parsed file name.
type PackageFile struct {
	PackageInfo
	Path string
}

// IsPackage returns true if name (or its base name) is a package file name.
func IsPackage(name string) bool {
	return filenameRegexp.MatchString(path.Base(name))
}

// SignaturePath returns the path to the detached signature of a package.
func SignaturePath(p string) string {
	return p + SignatureExt
}

// ParseFilename extracts name, version, build, architecture and compression
// from a package file name of the form
// <name>-<pkgver>-<pkgrel>-<arch>.pkg.tar[.<ext>].
func ParseFilename(name string) (PackageInfo, error) {
	base := path.Base(name)
	if !filenameRegexp.MatchString(base) {
		return PackageInfo{}, errors.Wrap(ErrNotPackage, base)
	}

	// split from the right, package names may contain dashes
	parts := rsplit(base, "-", 3)
	if len(parts) != 4 {
		return PackageInfo{}, errors.Wrapf(ErrNotPackage, "%s: missing version or build", base)
	}
	pkgname, pkgver, pkgrel, archSuffix := parts[0], parts[1], parts[2], parts[3]
	if pkgname == "" || pkgver == "" {
		return PackageInfo{}, errors.Wrapf(ErrNotPackage, "%s: empty name or version", base)
	}

	if !pkgrelRegexp.MatchString(pkgrel) {
		return PackageInfo{}, errors.Wrapf(ErrNotPackage, "%s: invalid pkgrel %q", base, pkgrel)
	}

	m := suffixRegexp.FindStringSubmatch(archSuffix)
	if m == nil {
		return PackageInfo{}, errors.Wrapf(ErrNotPackage, "%s: invalid suffix %q", base, archSuffix)
	}

	return PackageInfo{
		Name:        pkgname,
		Version:     Version{Version: pkgver, Build: pkgrel},
		Arch:        m[1],
		Compression: m[2],
	}, nil
}

// NewPackageFile parses the file name of p.
func NewPackageFile(p string) (*PackageFile, error) {
	info, err := ParseFilename(p)
	if err != nil {
		return nil, err
	}
	return &PackageFile{PackageInfo: info, Path: p}, nil
}

// Filename returns the base name of the package file.
func (pf *PackageFile) Filename() string {
	return path.Base(pf.Path)
}

// SignaturePath returns the path to the package's detached signature.
func (pf *PackageFile) SignaturePath() string {
	return SignaturePath(pf.Path)
}

// String returns "name version arch compression" like the listing does.
func (pi PackageInfo) String() string {
	fields := []string{pi.Name, pi.Version.String(), pi.Arch}
	if pi.Compression != "" {
		fields = append(fields, pi.Compression)
	}
	return strings.Join(fields, " ")
}

// IsOtherVersionOf returns true if other is another version of the same
// package, i.e. the names match and the version or the compression differ.
func (pi PackageInfo) IsOtherVersionOf(other PackageInfo) bool {
	if pi.Name != other.Name {
		return false
	}
	if !pi.Version.Equal(other.Version) {
		return true
	}
	return pi.Compression != other.Compression
}

func rsplit(s, sep string, n int) []string {
	var parts []string
	for i := 0; i < n; i++ {
		idx := strings.LastIndex(s, sep)
		if idx < 0 {
			break
		}
		parts = append([]string{s[idx+len(sep):]}, parts...)
		s = s[:idx]
	}
	return append([]string{s}, parts...)
}
