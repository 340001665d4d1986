package repo

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/mirrorctl/repotool/internal/pacman"
)

type call struct {
	dir  string
	tool string
	args []string
}

func (c call) String() string {
	return c.tool + " " + strings.Join(c.args, " ")
}

// recordingExecutor records command lines instead of running them.
type recordingExecutor struct {
	calls []call
	fail  map[string]error
}

func (e *recordingExecutor) Run(_ context.Context, dir, binary string, args ...string) error {
	tool := filepath.Base(binary)
	e.calls = append(e.calls, call{dir: dir, tool: tool, args: args})
	if err, ok := e.fail[tool]; ok {
		return err
	}
	return nil
}

func (e *recordingExecutor) commands() []string {
	cmds := make([]string, len(e.calls))
	for i, c := range e.calls {
		cmds[i] = c.String()
	}
	return cmds
}

// fileSigner writes a fake signature next to the package.
type fileSigner struct {
	fs afero.Fs
}

func (s fileSigner) Sign(_ context.Context, path string) (string, error) {
	sig := pacman.SignaturePath(path)
	return sig, afero.WriteFile(s.fs, sig, []byte("signature"), 0644)
}

const (
	testBaseDir  = "/srv/repo/core"
	testBuildDir = "/home/builder/pkg"
)

func newTestEnv(exec Executor) *Env {
	return &Env{
		Fs:     afero.NewMemMapFs(),
		Tools:  NewConfig().Tools,
		Exec:   exec,
		Locker: nopLocker{},
	}
}

func newTestRepository(t *testing.T, env *Env, sign bool) *Repository {
	t.Helper()
	if err := env.Fs.MkdirAll(testBaseDir, 0755); err != nil {
		t.Fatal(err)
	}
	r, err := NewRepository("core", &RepoConfig{BaseDir: testBaseDir, Sign: &sign, Target: "host:/srv/core"}, env)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func touch(t *testing.T, fs afero.Fs, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := afero.WriteFile(fs, filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func exists(t *testing.T, fs afero.Fs, dir, name string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func packageFile(t *testing.T, dir, name string) *pacman.PackageFile {
	t.Helper()
	pf, err := pacman.NewPackageFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return pf
}

func TestRepositoryPackages(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&recordingExecutor{})
	r := newTestRepository(t, env, false)
	touch(t, env.Fs, testBaseDir,
		"foo-1.0-1-x86_64.pkg.tar.zst",
		"foo-1.0-1-x86_64.pkg.tar.zst.sig",
		"bar-2.0-1-any.pkg.tar.xz",
		"core.db.tar.zst",
		"core.db",
		"README",
	)
	if err := env.Fs.MkdirAll(filepath.Join(testBaseDir, "dir-1.0-1-any.pkg.tar"), 0755); err != nil {
		t.Fatal(err)
	}

	pkgs, err := r.Packages()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, pf := range pkgs {
		names = append(names, pf.Filename())
	}
	expected := []string{"bar-2.0-1-any.pkg.tar.xz", "foo-1.0-1-x86_64.pkg.tar.zst"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf(`r.Packages() = %v, want %v`, names, expected)
	}

	foo, err := r.PackagesFor("foo")
	if err != nil {
		t.Fatal(err)
	}
	if len(foo) != 1 || foo[0].Name != "foo" {
		t.Errorf(`r.PackagesFor("foo") = %v, want one foo package`, foo)
	}

	repoNames, err := r.Names()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(repoNames, []string{"bar", "foo"}) {
		t.Errorf(`r.Names() = %v, want [bar foo]`, repoNames)
	}
}

func TestRepositorySuperseded(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&recordingExecutor{})
	r := newTestRepository(t, env, false)
	touch(t, env.Fs, testBaseDir,
		"foo-1.0-1-x86_64.pkg.tar.zst",
		"foo-1.1-1-x86_64.pkg.tar.xz",
		"foo-1.1-1-x86_64.pkg.tar.zst",
		"foo-1.1-1-any.pkg.tar.zst",
		"foo-bar-0.1-1-x86_64.pkg.tar.zst",
		"foobar-1.0-1-x86_64.pkg.tar.zst",
	)

	pkg := packageFile(t, testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	superseded, err := r.Superseded(pkg)
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, pf := range superseded {
		names = append(names, pf.Filename())
	}
	expected := []string{"foo-1.0-1-x86_64.pkg.tar.zst", "foo-1.1-1-x86_64.pkg.tar.xz"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf(`r.Superseded() = %v, want %v`, names, expected)
	}
}

func TestRepositoryClean(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&recordingExecutor{})
	r := newTestRepository(t, env, false)
	touch(t, env.Fs, testBaseDir,
		"foo-1.0-1-x86_64.pkg.tar.zst",
		"foo-1.0-1-x86_64.pkg.tar.zst.sig",
		"foo-1.0-2-x86_64.pkg.tar.zst",
		"foo-1.1-1-x86_64.pkg.tar.zst",
		"foo-1.1-1-x86_64.pkg.tar.zst.sig",
		"bar-1.0-1-x86_64.pkg.tar.zst",
	)

	pkg := packageFile(t, testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	if err := r.Clean(pkg); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{
		"foo-1.0-1-x86_64.pkg.tar.zst",
		"foo-1.0-1-x86_64.pkg.tar.zst.sig",
		"foo-1.0-2-x86_64.pkg.tar.zst",
	} {
		if exists(t, env.Fs, testBaseDir, name) {
			t.Errorf(`%s should be deleted`, name)
		}
	}
	for _, name := range []string{
		"foo-1.1-1-x86_64.pkg.tar.zst",
		"foo-1.1-1-x86_64.pkg.tar.zst.sig",
		"bar-1.0-1-x86_64.pkg.tar.zst",
	} {
		if !exists(t, env.Fs, testBaseDir, name) {
			t.Errorf(`%s should be kept`, name)
		}
	}
}

func TestRepositoryCleanDryRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&recordingExecutor{})
	env.DryRun = true
	r := newTestRepository(t, env, false)
	touch(t, env.Fs, testBaseDir,
		"foo-1.0-1-x86_64.pkg.tar.zst",
		"foo-1.1-1-x86_64.pkg.tar.zst",
	)

	if err := r.Clean(packageFile(t, testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst")); err != nil {
		t.Fatal(err)
	}
	if !exists(t, env.Fs, testBaseDir, "foo-1.0-1-x86_64.pkg.tar.zst") {
		t.Error(`dry run deleted foo-1.0-1`)
	}
}

func TestRepositoryAdd(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	env := newTestEnv(exec)
	r := newTestRepository(t, env, false)
	r.signer = fileSigner{fs: env.Fs}
	touch(t, env.Fs, testBaseDir,
		"foo-1.0-1-x86_64.pkg.tar.zst",
		"foo-1.0-1-x86_64.pkg.tar.zst.sig",
	)
	touch(t, env.Fs, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")

	pkg := packageFile(t, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	if err := r.Add(context.Background(), pkg, AddOptions{Sign: true, Clean: true}); err != nil {
		t.Fatal(err)
	}

	expected := []string{"repo-add --sign core.db.tar.zst foo-1.1-1-x86_64.pkg.tar.zst"}
	if !reflect.DeepEqual(exec.commands(), expected) {
		t.Errorf(`commands = %v, want %v`, exec.commands(), expected)
	}
	if exec.calls[0].dir != testBaseDir {
		t.Errorf(`repo-add dir = %q, want %q`, exec.calls[0].dir, testBaseDir)
	}

	for _, name := range []string{"foo-1.1-1-x86_64.pkg.tar.zst", "foo-1.1-1-x86_64.pkg.tar.zst.sig"} {
		if !exists(t, env.Fs, testBaseDir, name) {
			t.Errorf(`%s was not copied`, name)
		}
	}
	for _, name := range []string{"foo-1.0-1-x86_64.pkg.tar.zst", "foo-1.0-1-x86_64.pkg.tar.zst.sig"} {
		if exists(t, env.Fs, testBaseDir, name) {
			t.Errorf(`%s was not cleaned`, name)
		}
	}

	data, err := afero.ReadFile(env.Fs, filepath.Join(testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "foo-1.1-1-x86_64.pkg.tar.zst" {
		t.Errorf(`copied content = %q`, data)
	}
}

func TestRepositoryAddWithoutSign(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	env := newTestEnv(exec)
	r := newTestRepository(t, env, false)
	touch(t, env.Fs, testBaseDir, "foo-1.0-1-x86_64.pkg.tar.zst")
	touch(t, env.Fs, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")

	pkg := packageFile(t, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	if err := r.Add(context.Background(), pkg, AddOptions{}); err != nil {
		t.Fatal(err)
	}

	expected := []string{"repo-add core.db.tar.zst foo-1.1-1-x86_64.pkg.tar.zst"}
	if !reflect.DeepEqual(exec.commands(), expected) {
		t.Errorf(`commands = %v, want %v`, exec.commands(), expected)
	}
	if exists(t, env.Fs, testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst.sig") {
		t.Error(`unsigned package got a signature`)
	}
	if !exists(t, env.Fs, testBaseDir, "foo-1.0-1-x86_64.pkg.tar.zst") {
		t.Error(`old version was removed without clean`)
	}
}

func TestRepositoryAddGPG(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	env := newTestEnv(exec)
	r := newTestRepository(t, env, true)
	touch(t, env.Fs, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")

	pkg := packageFile(t, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	if err := r.Add(context.Background(), pkg, AddOptions{}); err != nil {
		t.Fatal(err)
	}

	pkgPath := filepath.Join(testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	expected := []string{
		"gpg --yes --output " + pkgPath + ".sig --detach-sign " + pkgPath,
		"repo-add --sign core.db.tar.zst foo-1.1-1-x86_64.pkg.tar.zst",
	}
	if !reflect.DeepEqual(exec.commands(), expected) {
		t.Errorf(`commands = %v, want %v`, exec.commands(), expected)
	}
}

func TestRepositoryAddInPlace(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	env := newTestEnv(exec)
	r := newTestRepository(t, env, false)
	touch(t, env.Fs, testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst")

	pkg := packageFile(t, testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	if err := r.Add(context.Background(), pkg, AddOptions{Clean: true}); err != nil {
		t.Fatal(err)
	}
	if !exists(t, env.Fs, testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst") {
		t.Error(`package added in place was removed`)
	}
	if len(exec.calls) != 1 {
		t.Errorf(`commands = %v, want only repo-add`, exec.commands())
	}
}

func TestRepositoryAddToolFailure(t *testing.T) {
	t.Parallel()

	toolErr := &ToolError{Tool: "/usr/bin/repo-add", ExitCode: 2, Err: errors.New("exit status 2")}
	exec := &recordingExecutor{fail: map[string]error{"repo-add": toolErr}}
	env := newTestEnv(exec)
	r := newTestRepository(t, env, false)
	touch(t, env.Fs, testBaseDir, "foo-1.0-1-x86_64.pkg.tar.zst")
	touch(t, env.Fs, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")

	pkg := packageFile(t, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	err := r.Add(context.Background(), pkg, AddOptions{Clean: true})

	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf(`err = %v, want ToolError`, err)
	}
	if te.ExitCode != 2 {
		t.Errorf(`te.ExitCode = %d, want 2`, te.ExitCode)
	}
	if !exists(t, env.Fs, testBaseDir, "foo-1.0-1-x86_64.pkg.tar.zst") {
		t.Error(`clean ran after repo-add failed`)
	}
}

func TestRepositoryAddSignFailure(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{fail: map[string]error{"gpg": &ToolError{Tool: "gpg", ExitCode: 2, Err: errors.New("no secret key")}}}
	env := newTestEnv(exec)
	r := newTestRepository(t, env, true)
	touch(t, env.Fs, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")

	pkg := packageFile(t, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	if err := r.Add(context.Background(), pkg, AddOptions{}); err == nil {
		t.Fatal(`Add should fail when signing fails`)
	}
	if len(exec.calls) != 1 {
		t.Errorf(`commands = %v, want only gpg`, exec.commands())
	}
	if exists(t, env.Fs, testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst") {
		t.Error(`package was copied after signing failed`)
	}
}

func TestRepositoryAddDryRun(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	env := newTestEnv(exec)
	env.DryRun = true
	r := newTestRepository(t, env, true)
	touch(t, env.Fs, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")

	pkg := packageFile(t, testBuildDir, "foo-1.1-1-x86_64.pkg.tar.zst")
	if err := r.Add(context.Background(), pkg, AddOptions{}); err != nil {
		t.Fatal(err)
	}
	if exists(t, env.Fs, testBaseDir, "foo-1.1-1-x86_64.pkg.tar.zst") {
		t.Error(`dry run copied the package`)
	}
}

func TestRepositoryRsync(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		target   string
		del      bool
		expected string
	}{
		{
			name:     "configured target",
			expected: "rsync -auv --exclude=.core.lock /srv/repo/core host:/srv/core",
		},
		{
			name:     "override",
			target:   "mirror:/pub/core",
			expected: "rsync -auv --exclude=.core.lock /srv/repo/core mirror:/pub/core",
		},
		{
			name:     "delete",
			del:      true,
			expected: "rsync -auv --delete --exclude=.core.lock /srv/repo/core/ host:/srv/core",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			exec := &recordingExecutor{}
			r := newTestRepository(t, newTestEnv(exec), false)
			if err := r.Rsync(context.Background(), tc.target, tc.del); err != nil {
				t.Fatal(err)
			}
			if len(exec.calls) != 1 || exec.calls[0].String() != tc.expected {
				t.Errorf(`commands = %v, want [%s]`, exec.commands(), tc.expected)
			}
			if exec.calls[0].dir != testBaseDir {
				t.Errorf(`rsync dir = %q, want %q`, exec.calls[0].dir, testBaseDir)
			}
		})
	}
}

func TestRepositoryRsyncNoTarget(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{}
	env := newTestEnv(exec)
	r, err := NewRepository("core", &RepoConfig{BaseDir: testBaseDir}, env)
	if err != nil {
		t.Fatal(err)
	}

	err = r.Rsync(context.Background(), "", false)
	if !errors.Is(err, ErrNoTarget) {
		t.Errorf(`err = %v, want ErrNoTarget`, err)
	}
	if len(exec.calls) != 0 {
		t.Errorf(`commands = %v, want none`, exec.commands())
	}
}

func TestNewRepository(t *testing.T) {
	t.Parallel()

	env := newTestEnv(&recordingExecutor{})
	if _, err := NewRepository("../core", &RepoConfig{BaseDir: testBaseDir}, env); err == nil {
		t.Error(`NewRepository should reject "../core"`)
	}
	if _, err := NewRepository("core", &RepoConfig{}, env); err == nil {
		t.Error(`NewRepository should require basedir`)
	}

	r, err := NewRepository("core", &RepoConfig{BaseDir: testBaseDir + "/", DBExt: ".db.tar.gz"}, env)
	if err != nil {
		t.Fatal(err)
	}
	if r.Database() != "core.db.tar.gz" {
		t.Errorf(`r.Database() = %q, want "core.db.tar.gz"`, r.Database())
	}
	if r.BaseDir != testBaseDir {
		t.Errorf(`r.BaseDir = %q, want %q`, r.BaseDir, testBaseDir)
	}
	if _, ok := r.signer.(*GPGSigner); !ok {
		t.Errorf(`r.signer = %T, want *GPGSigner`, r.signer)
	}

	r, err = NewRepository("core", &RepoConfig{BaseDir: testBaseDir, SignKey: "/etc/repotool/key.asc"}, env)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.signer.(*KeySigner); !ok {
		t.Errorf(`r.signer = %T, want *KeySigner`, r.signer)
	}
}

func TestRepositoryPackagesSymlink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := t.TempDir()
	env := newTestEnv(&recordingExecutor{})
	env.Fs = afero.NewOsFs()

	touch(t, env.Fs, store, "foo-1.0-1-x86_64.pkg.tar.zst")
	touch(t, env.Fs, dir, "bar-2.0-1-any.pkg.tar.xz")
	if err := os.Symlink(filepath.Join(store, "foo-1.0-1-x86_64.pkg.tar.zst"), filepath.Join(dir, "foo-1.0-1-x86_64.pkg.tar.zst")); err != nil {
		t.Skip("symlinks not supported:", err)
	}
	if err := os.Symlink(filepath.Join(store, "missing-1.0-1-any.pkg.tar"), filepath.Join(dir, "missing-1.0-1-any.pkg.tar")); err != nil {
		t.Fatal(err)
	}

	r, err := NewRepository("core", &RepoConfig{BaseDir: dir}, env)
	if err != nil {
		t.Fatal(err)
	}
	pkgs, err := r.Packages()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, pf := range pkgs {
		names = append(names, pf.Filename())
	}
	expected := []string{"bar-2.0-1-any.pkg.tar.xz", "foo-1.0-1-x86_64.pkg.tar.zst"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf(`r.Packages() = %v, want %v`, names, expected)
	}
}

func TestNewEnvDryRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	env := NewEnv(NewConfig().Tools, true)
	if _, ok := env.Exec.(dryRunExecutor); !ok {
		t.Errorf(`env.Exec = %T, want dryRunExecutor`, env.Exec)
	}

	r, err := NewRepository("core", &RepoConfig{BaseDir: dir, Target: "host:/srv/core"}, env)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Rsync(context.Background(), "", true); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf(`dry run left %d files in the repository, first %q`, len(entries), entries[0].Name())
	}
}
