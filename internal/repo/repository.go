package repo

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/mirrorctl/repotool/internal/pacman"
)

// ErrNoTarget is returned by Rsync when neither an override nor a
// configured target exists.
var ErrNoTarget = errors.New("no target specified")

// Env holds what repositories share: the filesystem, the external tools
// and how they are run.
type Env struct {
	Fs       afero.Fs
	Tools    Tools
	Exec     Executor
	Locker   Locker
	DryRun   bool
	Progress bool
}

// NewEnv returns an Env working on the real filesystem.
func NewEnv(tools Tools, dryRun bool) *Env {
	env := &Env{
		Fs:     afero.NewOsFs(),
		Tools:  tools,
		Exec:   NewExecutor(),
		Locker: NewFileLocker(),
		DryRun: dryRun,
	}
	if dryRun {
		env.Exec = NewDryRunExecutor()
		env.Locker = nopLocker{}
	}
	return env
}

// Repository is a directory of package files plus the database that
// repo-add maintains for them.
type Repository struct {
	Name    string
	BaseDir string
	DBExt   string
	Sign    bool
	Target  string

	env    *Env
	signer Signer
}

// AddOptions control Repository.Add.
type AddOptions struct {
	Sign  bool
	Clean bool
}

// NewRepository constructs the named repository from its configuration.
func NewRepository(name string, rc *RepoConfig, env *Env) (*Repository, error) {
	if !IsValidName(name) {
		return nil, errors.New("invalid repository name: " + name)
	}
	if rc.BaseDir == "" {
		return nil, errors.Newf("repository %q: basedir is not set", name)
	}

	r := &Repository{
		Name:    name,
		BaseDir: filepath.Clean(rc.BaseDir),
		DBExt:   rc.DatabaseExt(),
		Sign:    rc.ShouldSign(),
		Target:  rc.Target,
		env:     env,
	}
	if rc.SignKey != "" {
		r.signer = NewKeySigner(env.Fs, rc.SignKey, rc.SignKeyPassphraseFile)
	} else {
		r.signer = &GPGSigner{Exec: env.Exec, Binary: env.Tools.GPG}
	}
	return r, nil
}

// Database returns the database file name.
func (r *Repository) Database() string {
	return r.Name + r.DBExt
}

func (r *Repository) lockFilename() string {
	return "." + r.Name + ".lock"
}

func (r *Repository) lock(ctx context.Context) (func(), error) {
	locker := r.env.Locker
	if locker == nil {
		locker = nopLocker{}
	}
	return locker.Lock(ctx, filepath.Join(r.BaseDir, r.lockFilename()))
}

// Packages returns the package files in the repository sorted by name.
func (r *Repository) Packages() ([]*pacman.PackageFile, error) {
	entries, err := afero.ReadDir(r.env.Fs, r.BaseDir)
	if err != nil {
		return nil, errors.Wrap(err, r.Name)
	}

	var pkgs []*pacman.PackageFile
	for _, entry := range entries {
		if !pacman.IsPackage(entry.Name()) {
			continue
		}
		p := filepath.Join(r.BaseDir, entry.Name())
		if entry.Mode()&os.ModeSymlink != 0 {
			// follow links to package files kept elsewhere
			st, err := r.env.Fs.Stat(p)
			if err != nil {
				slog.Debug("skipping broken link", "repo", r.Name, "file", entry.Name(), "error", err)
				continue
			}
			entry = st
		}
		if !entry.Mode().IsRegular() {
			continue
		}
		pf, err := pacman.NewPackageFile(p)
		if err != nil {
			slog.Debug("skipping unparsable package file", "repo", r.Name, "file", entry.Name(), "error", err)
			continue
		}
		pkgs = append(pkgs, pf)
	}

	sort.Slice(pkgs, func(i, j int) bool {
		return pkgs[i].Filename() < pkgs[j].Filename()
	})
	return pkgs, nil
}

// PackagesFor returns the package files of the given package name.
func (r *Repository) PackagesFor(name string) ([]*pacman.PackageFile, error) {
	all, err := r.Packages()
	if err != nil {
		return nil, err
	}

	var pkgs []*pacman.PackageFile
	for _, pf := range all {
		if pf.Name == name {
			pkgs = append(pkgs, pf)
		}
	}
	return pkgs, nil
}

// Names returns the distinct package names in the repository.
func (r *Repository) Names() ([]string, error) {
	pkgs, err := r.Packages()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var names []string
	for _, pf := range pkgs {
		if !seen[pf.Name] {
			seen[pf.Name] = true
			names = append(names, pf.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Superseded returns the package files that pkg replaces: files of the same
// package name with another version or compression.  The file of pkg itself
// is never returned.
func (r *Repository) Superseded(pkg *pacman.PackageFile) ([]*pacman.PackageFile, error) {
	candidates, err := r.PackagesFor(pkg.Name)
	if err != nil {
		return nil, err
	}

	var superseded []*pacman.PackageFile
	for _, other := range candidates {
		if other.Filename() == pkg.Filename() {
			continue
		}
		if other.IsOtherVersionOf(pkg.PackageInfo) {
			superseded = append(superseded, other)
		} else {
			slog.Debug("keeping", "repo", r.Name, "file", other.Filename())
		}
	}
	return superseded, nil
}

// Clean removes the files superseded by pkg and their signatures.
func (r *Repository) Clean(pkg *pacman.PackageFile) error {
	superseded, err := r.Superseded(pkg)
	if err != nil {
		return err
	}
	if len(superseded) == 0 {
		return nil
	}

	fs := r.env.Fs
	for _, other := range superseded {
		if r.env.DryRun {
			slog.Info("dry-run: would delete", "repo", r.Name, "file", other.Filename())
			continue
		}

		slog.Info("deleting", "repo", r.Name, "file", other.Filename())
		if err := fs.Remove(other.Path); err != nil {
			return errors.Wrapf(err, "%s: clean", r.Name)
		}

		sig := other.SignaturePath()
		err := fs.Remove(sig)
		switch {
		case err == nil:
			slog.Debug("deleted", "repo", r.Name, "file", filepath.Base(sig))
		case os.IsNotExist(err):
		default:
			return errors.Wrapf(err, "%s: clean", r.Name)
		}
	}

	if r.env.DryRun {
		return nil
	}
	return DirSync(fs, r.BaseDir)
}

// store copies src into the repository directory unless it already holds
// the same file, and returns the path inside the repository.
func (r *Repository) store(src string) (string, error) {
	name := filepath.Base(src)
	if err := validateFilename(name); err != nil {
		return "", err
	}
	dst := filepath.Join(r.BaseDir, name)

	if filepath.Clean(src) == dst {
		return dst, nil
	}
	same, err := sameContent(r.env.Fs, src, dst)
	if err != nil {
		return "", err
	}
	if same {
		slog.Debug("already in repository", "repo", r.Name, "file", name)
		return dst, nil
	}

	if r.env.DryRun {
		slog.Info("dry-run: would copy", "repo", r.Name, "file", src)
		return dst, nil
	}
	slog.Debug("copying", "repo", r.Name, "file", src)
	if err := copyFile(r.env.Fs, src, dst, r.env.Progress); err != nil {
		return "", err
	}
	return dst, nil
}

// Add adds pkg to the repository: sign (optional), copy into the
// repository directory, update the database with repo-add, and remove
// superseded versions (optional).  A failing step stops the sequence.
func (r *Repository) Add(ctx context.Context, pkg *pacman.PackageFile, opts AddOptions) error {
	sign := opts.Sign || r.Sign

	unlock, err := r.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	fs := r.env.Fs
	sig := pkg.SignaturePath()

	if sign {
		if exists, _ := afero.Exists(fs, sig); exists {
			slog.Warn("package is already signed", "package", pkg.Filename())
		}
		if r.env.DryRun {
			slog.Info("dry-run: would sign", "package", pkg.Path)
		} else if _, err := r.signer.Sign(ctx, pkg.Path); err != nil {
			return errors.Wrapf(err, "%s: sign %s", r.Name, pkg.Filename())
		}
	}

	stored, err := r.store(pkg.Path)
	if err != nil {
		return errors.Wrapf(err, "%s: copy %s", r.Name, pkg.Filename())
	}
	if exists, _ := afero.Exists(fs, sig); exists {
		if _, err := r.store(sig); err != nil {
			return errors.Wrapf(err, "%s: copy %s", r.Name, filepath.Base(sig))
		}
	}
	if !r.env.DryRun {
		if err := DirSync(fs, r.BaseDir); err != nil {
			return errors.Wrap(err, r.Name)
		}
	}

	args := make([]string, 0, 3)
	if sign {
		args = append(args, "--sign")
	}
	args = append(args, r.Database(), pkg.Filename())
	if err := r.env.Exec.Run(ctx, r.BaseDir, r.env.Tools.RepoAdd, args...); err != nil {
		return errors.Wrapf(err, "%s: repo-add %s", r.Name, pkg.Filename())
	}
	slog.Info("package added", "repo", r.Name, "package", pkg.Filename())

	if opts.Clean {
		inRepo := *pkg
		inRepo.Path = stored
		if err := r.Clean(&inRepo); err != nil {
			return err
		}
	}
	return nil
}

// Rsync synchronizes the repository directory to target, or to the
// configured target when target is empty.  With del, files missing from the
// repository are deleted on the receiving side.
func (r *Repository) Rsync(ctx context.Context, target string, del bool) error {
	if target == "" {
		target = r.Target
	}
	if target == "" {
		return errors.Wrap(ErrNoTarget, r.Name)
	}

	unlock, err := r.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	args := []string{"-auv"}
	source := r.BaseDir
	if del {
		args = append(args, "--delete")
		if !strings.HasSuffix(source, "/") {
			source += "/"
		}
	}
	args = append(args, "--exclude="+r.lockFilename(), source, target)

	slog.Info("synchronizing", "repo", r.Name, "target", target, "delete", del)
	if err := r.env.Exec.Run(ctx, r.BaseDir, r.env.Tools.Rsync, args...); err != nil {
		return errors.Wrapf(err, "%s: rsync", r.Name)
	}
	return nil
}
