package repo

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/go-ini/ini"
	"github.com/mitchellh/go-homedir"
)

const (
	// DefaultDBExt is the database extension used when dbext is not set.
	DefaultDBExt = ".db.tar.zst"

	defaultRepoAdd = "/usr/bin/repo-add"
	defaultGPG     = "/usr/bin/gpg"
	defaultRsync   = "/usr/bin/rsync"
)

var (
	validName = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

	// ErrUnknownRepository is returned for repositories missing from
	// the configuration.
	ErrUnknownRepository = errors.New("repository is not configured")
)

// IsValidName checks if the given repository name is valid.
func IsValidName(name string) bool {
	return validName.MatchString(name) && name != "." && name != ".."
}

// RepoConfig is the configuration of a single repository.
type RepoConfig struct {
	BaseDir string `toml:"basedir"`
	DBExt   string `toml:"dbext,omitempty"`
	Sign    *bool  `toml:"sign,omitempty"`
	Target  string `toml:"target,omitempty"`

	// In-process signing key; gpg is used when empty.
	SignKey               string `toml:"sign_key,omitempty"`
	SignKeyPassphraseFile string `toml:"sign_key_passphrase_file,omitempty"`
}

// ShouldSign returns the configured sign flag, true when not set.
func (rc *RepoConfig) ShouldSign() bool {
	if rc.Sign == nil {
		return true
	}
	return *rc.Sign
}

// DatabaseExt returns dbext or DefaultDBExt.
func (rc *RepoConfig) DatabaseExt() string {
	if rc.DBExt == "" {
		return DefaultDBExt
	}
	return rc.DBExt
}

// Check validates the configuration.
func (rc *RepoConfig) Check() error {
	if rc.BaseDir == "" {
		return errors.New("basedir is not set")
	}
	if !filepath.IsAbs(rc.BaseDir) {
		return errors.New("basedir must be an absolute path: " + rc.BaseDir)
	}
	st, err := os.Stat(rc.BaseDir)
	if err != nil {
		return errors.Wrap(err, "basedir")
	}
	if !st.IsDir() {
		return errors.New("basedir is not a directory: " + rc.BaseDir)
	}

	if !strings.HasPrefix(rc.DatabaseExt(), ".") {
		return errors.New("dbext must start with a dot: " + rc.DBExt)
	}

	if rc.SignKey != "" {
		f, err := os.Open(rc.SignKey)
		if err != nil {
			return errors.Wrap(err, "cannot read sign_key")
		}
		if err := f.Close(); err != nil {
			slog.Warn("failed to close key file during validation", "path", rc.SignKey, "error", err)
		}
	}
	if rc.SignKeyPassphraseFile != "" && rc.SignKey == "" {
		return errors.New("sign_key_passphrase_file is set without sign_key")
	}

	return nil
}

func (rc *RepoConfig) expand() error {
	var err error
	for _, p := range []*string{&rc.BaseDir, &rc.SignKey, &rc.SignKeyPassphraseFile} {
		if *p == "" {
			continue
		}
		*p, err = homedir.Expand(*p)
		if err != nil {
			return err
		}
	}
	return nil
}

// Tools are the external programs repotool runs.
type Tools struct {
	RepoAdd string `toml:"repo_add"`
	GPG     string `toml:"gpg"`
	Rsync   string `toml:"rsync"`
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`

	Output io.Writer `toml:"-"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	out := logConfig.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is the repotool configuration.
//
// It is read either from an INI file with one section per repository
// (keys of the DEFAULT section apply to all repositories), or from a TOML
// file when the file name ends in ".toml":
//
//	[log]
//	level = "info"
//
//	[repositories.myrepo]
//	basedir = "/srv/http/myrepo"
//	target = "user@host:/srv/http/myrepo"
type Config struct {
	Log          LogConfig              `toml:"log"`
	Tools        Tools                  `toml:"tools"`
	Repositories map[string]*RepoConfig `toml:"repositories"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		Tools: Tools{
			RepoAdd: defaultRepoAdd,
			GPG:     defaultGPG,
			Rsync:   defaultRsync,
		},
		Repositories: make(map[string]*RepoConfig),
	}
}

// Names returns the sorted repository names.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Repositories))
	for name := range c.Repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Repository returns the configuration of the named repository.
func (c *Config) Repository(name string) (*RepoConfig, error) {
	rc, ok := c.Repositories[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownRepository, name)
	}
	return rc, nil
}

// Check validates the configuration of every repository.
func (c *Config) Check() error {
	var errs []error
	for _, name := range c.Names() {
		if !IsValidName(name) {
			errs = append(errs, errors.New("invalid repository name: "+name))
			continue
		}
		if err := c.Repositories[name].Check(); err != nil {
			errs = append(errs, errors.Wrapf(err, "repository %q", name))
		}
	}
	return errors.Join(errs...)
}

// UndecodedKeysError reports TOML keys that match no configuration field.
type UndecodedKeysError struct {
	Keys []toml.Key
}

func (e *UndecodedKeysError) Error() string {
	keys := make([]string, len(e.Keys))
	for i, k := range e.Keys {
		keys[i] = k.String()
	}
	return "unknown configuration keys: " + strings.Join(keys, ", ")
}

// LoadConfig reads the configuration file at path.
// Files ending in ".toml" are decoded as TOML, everything else as INI.
func LoadConfig(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	var config *Config
	if strings.HasSuffix(path, ".toml") {
		config, err = decodeTOML(path)
	} else {
		config, err = decodeINI(path)
	}
	if err != nil {
		return nil, err
	}

	for name, rc := range config.Repositories {
		if err := rc.expand(); err != nil {
			return nil, errors.Wrapf(err, "repository %q", name)
		}
	}
	return config, nil
}

func decodeTOML(path string) (*Config, error) {
	config := NewConfig()
	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, &UndecodedKeysError{Keys: undecoded}
	}
	if config.Repositories == nil {
		config.Repositories = make(map[string]*RepoConfig)
	}
	return config, nil
}

func decodeINI(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{InsensitiveKeys: true, IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}

	defaults := f.Section(ini.DefaultSection).KeysHash()

	config := NewConfig()
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}

		own := sec.KeysHash()
		get := func(key string) (string, bool) {
			if v, ok := own[key]; ok {
				return v, true
			}
			v, ok := defaults[key]
			return v, ok
		}

		rc := &RepoConfig{}
		rc.BaseDir, _ = get("basedir")
		rc.DBExt, _ = get("dbext")
		rc.Target, _ = get("target")
		rc.SignKey, _ = get("sign_key")
		rc.SignKeyPassphraseFile, _ = get("sign_key_passphrase_file")
		if v, ok := get("sign"); ok {
			b, err := parseBool(v)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: section %q: sign", path, sec.Name())
			}
			rc.Sign = &b
		}
		config.Repositories[sec.Name()] = rc
	}
	return config, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "yes", "true", "on":
		return true, nil
	case "0", "no", "false", "off":
		return false, nil
	}
	return false, errors.Newf("not a boolean: %q", s)
}
