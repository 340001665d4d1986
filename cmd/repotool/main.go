// Package main implements the repotool command-line tool for managing
// local pacman repositories.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/repotool/internal/pacman"
	"github.com/mirrorctl/repotool/internal/repo"
)

const (
	defaultConfigPath  = "/etc/repotool.conf"
	defaultMappingPath = "/etc/repotool.json"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath    string
	mappingPath   string
	logFormat     string
	verbose       bool
	quiet         bool
	verboseErrors bool
	dryRun        bool

	repository string
	clean      bool
	del        bool
	rsync      bool
	sign       bool
	target     string

	keyPath string
)

var rootCmd = &cobra.Command{
	Use:   "repotool [flags] [package...]",
	Short: "Manage local pacman repositories",
	Long: `repotool adds packages to local pacman repositories with repo-add,
optionally removes superseded versions, signs packages and synchronizes the
repositories to a remote location with rsync.

Usage:
  # Add a package to the repository named "custom"
  repotool -R custom foo-1.0-1-x86_64.pkg.tar.zst

  # Add packages to the repositories listed for them in the mapping file,
  # remove their old versions and push the repositories
  repotool -c -r *.pkg.tar.zst

  # List the packages of a repository
  repotool -R custom

  # Mirror a repository exactly to another host
  repotool -R custom -r -d -t user@host:/srv/http/custom`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	Run:          runMain,
}

var listCmd = &cobra.Command{
	Use:   "list <repository>",
	Short: "List the packages of a repository",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		repository = args[0]
		rsync = false
		runMain(nil, nil)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <package...>",
	Short: "Print the metadata embedded in package files",
	Args:  cobra.MinimumNArgs(1),
	Run:   runInspect,
}

var verifyCmd = &cobra.Command{
	Use:   "verify --key <public-key> <package...>",
	Short: "Verify detached package signatures",
	Long: `Verify the detached signature <package>.sig of each package against an
OpenPGP public key.

Examples:
  repotool verify --key /etc/repotool/repo.asc foo-1.0-1-x86_64.pkg.tar.zst`,
	Args: cobra.MinimumNArgs(1),
	Run:  runVerify,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and mapping files",
	Args:  cobra.NoArgs,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("repotool %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config-file", "f", defaultConfigPath, "configuration file")
	pf.StringVarP(&mappingPath, "mapping-file", "m", defaultMappingPath, "package to repository mapping file")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&quiet, "quiet", "q", false, "suppress all output except for errors")
	pf.StringVar(&logFormat, "log-format", "", "log format (text, json)")
	pf.BoolVar(&verboseErrors, "verbose-errors", false, "show detailed error information including stack traces")
	pf.BoolVar(&dryRun, "dry-run", false, "log actions without changing anything")

	f := rootCmd.Flags()
	f.StringVarP(&repository, "repository", "R", "", "target repository")
	f.BoolVarP(&clean, "clean", "c", false, "remove other versions of the packages from the repository")
	f.BoolVarP(&del, "delete", "d", false, "invoke rsync with the delete flag")
	f.BoolVarP(&rsync, "rsync", "r", false, "rsync the repository to the configured location")
	f.BoolVarP(&sign, "sign", "s", false, "sign packages and repository")
	f.StringVarP(&target, "target", "t", "", "rsync target, overrides the configured one")

	verifyCmd.Flags().StringVarP(&keyPath, "key", "k", "", "armored OpenPGP public key")
	_ = verifyCmd.MarkFlagRequired("key")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	repoGroups := make(map[string]int)
	var order []string

	for _, key := range undecoded {
		keyStr := key.String()

		// "repository" vs "repositories"
		if strings.HasPrefix(keyStr, "repository.") {
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				rootSection := parts[0] + "." + parts[1]
				if repoGroups[rootSection] == 0 {
					order = append(order, rootSection)
				}
				repoGroups[rootSection]++
			}
		} else {
			unknown = append(unknown, keyStr)
		}
	}

	for _, rootSection := range order {
		correctedSection := strings.Replace(rootSection, "repository.", "repositories.", 1)
		if count := repoGroups[rootSection]; count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d keys)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown keys: ")
		} else {
			errorMsg.WriteString("configuration contains unknown keys: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese keys don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// applyLogging installs the logger from the configuration and the
// command-line overrides.
func applyLogging(lc repo.LogConfig) error {
	switch {
	case quiet:
		lc.Level = "error"
	case verbose:
		lc.Level = "debug"
	}
	if logFormat != "" {
		lc.Format = logFormat
	}
	return lc.Apply()
}

// loadConfig reads the configuration file.  A missing file is only a
// warning when required is false.
func loadConfig(required bool) *repo.Config {
	if err := applyLogging(repo.LogConfig{}); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	config, err := repo.LoadConfig(configPath)
	if err != nil {
		var undecoded *repo.UndecodedKeysError
		switch {
		case errors.Is(err, os.ErrNotExist) && !required:
			slog.Warn("configuration file not found", "path", configPath)
			config = repo.NewConfig()
		case errors.Is(err, os.ErrNotExist):
			slog.Error("configuration file not found", "path", configPath)
			os.Exit(1)
		case errors.As(err, &undecoded):
			slog.Error("configuration validation failed", "error", formatUndecodedError(undecoded.Keys), "path", configPath)
			os.Exit(1)
		default:
			slog.Error("failed to read config file", "error", formatError(err, verboseErrors), "path", configPath)
			if !verboseErrors {
				slog.Info("run with --verbose-errors for detailed stack traces")
			}
			os.Exit(1)
		}
	}

	if err := applyLogging(config.Log); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}
	return config
}

// loadMapping reads the mapping file.  A missing file yields an empty
// mapping.
func loadMapping() repo.Mapping {
	mapping, err := repo.LoadMapping(mappingPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("mapping file not found", "path", mappingPath)
			return repo.Mapping{}
		}
		slog.Error("failed to read mapping file", "error", formatError(err, verboseErrors), "path", mappingPath)
		os.Exit(1)
	}
	return mapping
}

// exitCode returns the exit status of a failed external tool, or 1.
func exitCode(err error) int {
	var te *repo.ToolError
	if errors.As(err, &te) && te.ExitCode > 0 {
		return te.ExitCode
	}
	return 1
}

// runOptions collects the root command flags and package arguments.
func runOptions(args []string) repo.Options {
	return repo.Options{
		Repository: repository,
		Packages:   args,
		Sign:       sign,
		Clean:      clean,
		Rsync:      rsync,
		Delete:     del,
		Target:     target,
	}
}

func runMain(_ *cobra.Command, args []string) {
	config := loadConfig(false)

	var mapping repo.Mapping
	if repository == "" && len(args) > 0 {
		mapping = loadMapping()
	}

	env := repo.NewEnv(config.Tools, dryRun)
	env.Progress = !quiet && isTerminal(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, err := repo.Run(ctx, config, mapping, env, runOptions(args))
	if err != nil {
		slog.Error("repotool failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		cancel()
		os.Exit(exitCode(err))
	}

	if repository != "" && len(args) == 0 && !rsync {
		printListing(os.Stdout, result.Listing, isTerminal(os.Stdout))
	}

	if result.Failed() {
		slog.Error("some packages were not added", "packages", result.Unresolved)
		cancel()
		os.Exit(1)
	}
}

func printListing(w io.Writer, pkgs []*pacman.PackageFile, table bool) {
	if !table {
		for _, pkg := range pkgs {
			fmt.Fprintln(w, pkg.String())
		}
		return
	}

	rows := make([][]string, 0, len(pkgs))
	for _, pkg := range pkgs {
		rows = append(rows, []string{pkg.Name, pkg.Version.String(), pkg.Arch, pkg.Compression})
	}
	fmt.Fprintln(w, renderTable([]string{"Name", "Version", "Arch", "Compression"}, rows, nil))
}

func runInspect(_ *cobra.Command, args []string) {
	if err := applyLogging(repo.LogConfig{}); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	failed := false
	for _, p := range args {
		info, err := inspectPackage(p)
		if err != nil {
			slog.Error("failed to read package", "package", p, "error", formatError(err, verboseErrors))
			failed = true
			continue
		}
		fmt.Println(info)
	}
	if failed {
		os.Exit(1)
	}
}

func runVerify(_ *cobra.Command, args []string) {
	if err := applyLogging(repo.LogConfig{}); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	verifier, err := repo.NewVerifier(osFs, keyPath)
	if err != nil {
		slog.Error("failed to load key", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	failed := false
	for _, p := range args {
		if err := verifier.Verify(p); err != nil {
			slog.Error("bad signature", "package", p, "error", formatError(err, verboseErrors))
			failed = true
			continue
		}
		slog.Info("good signature", "package", p, "key", verifier.KeyID())
	}
	if failed {
		os.Exit(1)
	}
}

func runValidate(_ *cobra.Command, _ []string) {
	config := loadConfig(true)

	var validationErrors []error
	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, err)
	}

	mapping, err := repo.LoadMapping(mappingPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("mapping file not found", "path", mappingPath)
	case err != nil:
		validationErrors = append(validationErrors, errors.Wrap(err, "mapping file"))
	default:
		if err := mapping.Check(config); err != nil {
			validationErrors = append(validationErrors, err)
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the configuration is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the configuration passes validation checks", "repositories", config.Names())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
