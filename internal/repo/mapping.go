package repo

import (
	"encoding/json"
	"os"
	"slices"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/mitchellh/go-homedir"
)

// Mapping maps repository names to the package bases they hold.
//
//	{"myrepo": ["foo", "bar"], "testing": ["foo"]}
type Mapping map[string][]string

// Memberships maps a package base to the repositories it belongs to.
type Memberships map[string][]string

// LoadMapping reads a mapping file.  JSON is expected unless the file name
// ends in ".toml".
func LoadMapping(path string) (Mapping, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is given by the operator
	if err != nil {
		return nil, err
	}

	mapping := make(Mapping)
	if strings.HasSuffix(path, ".toml") {
		if err := toml.Unmarshal(data, &mapping); err != nil {
			return nil, errors.Wrap(err, path)
		}
	} else {
		if err := json.Unmarshal(data, &mapping); err != nil {
			return nil, errors.Wrap(err, path)
		}
	}
	return mapping, nil
}

// Memberships inverts the mapping.  Repositories of each package base are
// sorted by name and listed once.
func (m Mapping) Memberships() Memberships {
	memberships := make(Memberships)
	for repo, pkgbases := range m {
		for _, pkgbase := range pkgbases {
			memberships[pkgbase] = append(memberships[pkgbase], repo)
		}
	}
	for pkgbase, repos := range memberships {
		sort.Strings(repos)
		memberships[pkgbase] = slices.Compact(repos)
	}
	return memberships
}

// Check returns an error for repositories missing from config.
func (m Mapping) Check(config *Config) error {
	var errs []error
	for repo := range m {
		if _, err := config.Repository(repo); err != nil {
			errs = append(errs, errors.Wrap(err, "mapping"))
		}
	}
	return errors.Join(errs...)
}
