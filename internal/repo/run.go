package repo

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/repotool/internal/pacman"
)

// Options are the actions requested for one repotool run.
type Options struct {
	Repository string
	Packages   []string

	Sign  bool
	Clean bool

	Rsync  bool
	Delete bool
	Target string
}

// Result describes what a run did.
type Result struct {
	// Listing is set when the run only listed a repository.
	Listing []*pacman.PackageFile

	Added      int
	Unresolved []string
	Synced     []string
}

// Failed returns true if some packages had no repository.
func (r *Result) Failed() bool {
	return len(r.Unresolved) > 0
}

// Run adds packages to their repositories and synchronizes them.
//
// A named repository with neither packages nor rsync only lists the
// repository.  Tool failures abort the run; packages without a repository are
// reported in Result and do not stop the others.
func Run(ctx context.Context, config *Config, mapping Mapping, env *Env, opts Options) (*Result, error) {
	result := &Result{}
	repos := make(map[string]*Repository)

	open := func(name string) (*Repository, error) {
		if r, ok := repos[name]; ok {
			return r, nil
		}
		rc, err := config.Repository(name)
		if err != nil {
			return nil, err
		}
		r, err := NewRepository(name, rc, env)
		if err != nil {
			return nil, err
		}
		repos[name] = r
		return r, nil
	}

	if opts.Repository != "" && len(opts.Packages) == 0 && !opts.Rsync {
		r, err := open(opts.Repository)
		if err != nil {
			return nil, err
		}
		result.Listing, err = r.Packages()
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	pkgs := make([]*pacman.PackageFile, 0, len(opts.Packages))
	for _, p := range opts.Packages {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, errors.Wrap(err, p)
		}
		pkg, err := pacman.NewPackageFile(abs)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}

	targets, unresolved := Resolve(pkgs, opts.Repository, mapping.Memberships(), PkgBaseFromFile(env.Fs))
	for _, pkg := range unresolved {
		result.Unresolved = append(result.Unresolved, pkg.Filename())
	}

	var touched []string
	seen := make(map[string]bool)
	for _, t := range targets {
		for _, name := range t.Repositories {
			r, err := open(name)
			if err != nil {
				return result, err
			}
			if err := r.Add(ctx, t.Package, AddOptions{Sign: opts.Sign, Clean: opts.Clean}); err != nil {
				return result, err
			}
			result.Added++
			if !seen[name] {
				seen[name] = true
				touched = append(touched, name)
			}
		}
	}

	if !opts.Rsync {
		return result, nil
	}
	if len(opts.Packages) == 0 && opts.Repository != "" {
		touched = []string{opts.Repository}
	}
	if len(touched) == 0 {
		slog.Warn("nothing to synchronize")
		return result, nil
	}

	for _, name := range touched {
		r, err := open(name)
		if err != nil {
			return result, err
		}
		if err := r.Rsync(ctx, opts.Target, opts.Delete); err != nil {
			return result, err
		}
		result.Synced = append(result.Synced, name)
	}
	return result, nil
}
