package repo

import (
	"log/slog"

	"github.com/spf13/afero"

	"github.com/mirrorctl/repotool/internal/pacman"
)

// Target is a package and the repositories it is added to.
type Target struct {
	Package      *pacman.PackageFile
	Repositories []string
}

// PkgBaseFunc returns the pkgbase of a package file.
type PkgBaseFunc func(pkg *pacman.PackageFile) string

// PkgBaseFromFile returns a PkgBaseFunc reading .PKGINFO through fs.
// The name parsed from the file name is used when .PKGINFO cannot be read.
func PkgBaseFromFile(fs afero.Fs) PkgBaseFunc {
	return func(pkg *pacman.PackageFile) string {
		info, err := pacman.OpenPkgInfo(fs, pkg.Path)
		if err != nil {
			slog.Debug("falling back to file name for pkgbase", "package", pkg.Filename(), "error", err)
			return pkg.Name
		}
		return info.PkgBase
	}
}

// Resolve decides the repositories of each package.  With repository set,
// every package targets it; otherwise memberships are looked up by pkgbase.
// Packages without any repository are returned separately.
func Resolve(pkgs []*pacman.PackageFile, repository string, memberships Memberships, pkgbase PkgBaseFunc) (targets []Target, unresolved []*pacman.PackageFile) {
	for _, pkg := range pkgs {
		if repository != "" {
			targets = append(targets, Target{Package: pkg, Repositories: []string{repository}})
			continue
		}

		base := pkgbase(pkg)
		repos := memberships[base]
		if len(repos) == 0 {
			slog.Error("no repositories configured for package", "package", pkg.Filename(), "pkgbase", base)
			unresolved = append(unresolved, pkg)
			continue
		}
		slog.Debug("resolved", "package", pkg.Filename(), "pkgbase", base, "repositories", repos)
		targets = append(targets, Target{Package: pkg, Repositories: repos})
	}
	return targets, unresolved
}
