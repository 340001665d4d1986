/*
Package repotool is a tool for maintaining local pacman repositories.

repotool adds built packages to repositories through repo-add with features including:
  - Repository selection by name or by a package/repository mapping file
  - Removal of superseded package versions
  - Detached package signatures with gpg or an OpenPGP key file
  - Synchronization to a remote location with rsync
  - Per-repository file locking

The main packages are:

	github.com/mirrorctl/repotool/internal/pacman - package file names and .PKGINFO metadata
	github.com/mirrorctl/repotool/internal/repo   - configuration, repository operations and external tools
	github.com/mirrorctl/repotool/cmd/repotool    - Command-line interface
*/
package repotool
