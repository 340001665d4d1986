package pacman

import (
	version "github.com/knqyf263/go-deb-version"
)

// Version is a package version split into [epoch:]pkgver and pkgrel.
type Version struct {
	Version string
	Build   string
}

func (v Version) String() string {
	if v.Build == "" {
		return v.Version
	}
	return v.Version + "-" + v.Build
}

// Equal reports whether v and other denote the same version.
//
// Numeric segments compare by value, so "1.0" equals "1.00" as it does
// for vercmp.  Versions that cannot be parsed are compared as strings.
func (v Version) Equal(other Version) bool {
	if v == other {
		return true
	}

	v1, err1 := version.NewVersion(v.String())
	v2, err2 := version.NewVersion(other.String())
	if err1 != nil || err2 != nil {
		return false
	}
	return v1.Equal(v2)
}
