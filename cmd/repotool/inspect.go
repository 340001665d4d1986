package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/mirrorctl/repotool/internal/pacman"
)

var osFs = afero.NewOsFs()

// inspectFields are the multi-valued .PKGINFO keys shown by inspect.
var inspectFields = []struct {
	key   string
	title string
}{
	{"license", "Licenses"},
	{"provides", "Provides"},
	{"depend", "Depends On"},
	{"optdepend", "Optional Deps"},
	{"conflict", "Conflicts With"},
	{"replaces", "Replaces"},
}

func inspectPackage(p string) (string, error) {
	info, err := pacman.OpenPkgInfo(osFs, p)
	if err != nil {
		return "", err
	}
	return renderPkgInfo(info), nil
}

func renderPkgInfo(info *pacman.PkgInfo) string {
	rows := [][]string{
		{"Name", info.PkgName},
		{"Base", info.PkgBase},
		{"Version", info.PkgVer},
		{"Description", info.PkgDesc},
		{"Architecture", info.Arch},
		{"URL", info.Get("url")},
	}
	for _, f := range inspectFields {
		if values := info.Fields[f.key]; len(values) > 0 {
			rows = append(rows, []string{f.title, strings.Join(values, "\n")})
		}
	}

	rows = append(rows,
		[]string{"Installed Size", strconv.FormatInt(info.Size, 10)},
		[]string{"Packager", info.Packager},
	)
	if info.BuildDate > 0 {
		rows = append(rows, []string{"Build Date", time.Unix(info.BuildDate, 0).UTC().Format(time.RFC3339)})
	}

	return renderTable([]string{"Field", "Value"}, rows, nil)
}
