package repo

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

// Executor runs external programs.
type Executor interface {
	Run(ctx context.Context, dir, binary string, args ...string) error
}

// ToolError is returned when an external program exits unsuccessfully.
type ToolError struct {
	Tool     string
	Args     []string
	ExitCode int
	Err      error
}

func (e *ToolError) Error() string {
	return filepath.Base(e.Tool) + " " + strings.Join(e.Args, " ") + ": " + e.Err.Error()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewExecutor returns the executor running programs with os/exec.
// Output lines of the programs are logged.
func NewExecutor() Executor {
	return commandExecutor{}
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, dir, binary string, args ...string) error {
	tool := filepath.Base(binary)
	slog.Debug("running", "tool", tool, "dir", dir, "args", args)

	cmd := exec.CommandContext(ctx, binary, args...) // #nosec G204 - binaries come from the configuration
	cmd.Dir = dir
	cmd.Stdin = os.Stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return &ToolError{Tool: binary, Args: args, ExitCode: 127, Err: err}
	}

	var group errgroup.Group
	group.Go(func() error { return logLines(stdout, tool, "stdout") })
	group.Go(func() error { return logLines(stderr, tool, "stderr") })
	scanErr := group.Wait()

	if err := cmd.Wait(); err != nil {
		code := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			code = exitErr.ExitCode()
		}
		return &ToolError{Tool: binary, Args: args, ExitCode: code, Err: err}
	}
	if scanErr != nil {
		return errors.Wrapf(scanErr, "reading output of %s", tool)
	}
	return nil
}

func logLines(r io.Reader, tool, stream string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \r")
		if line == "" {
			continue
		}
		slog.Info(line, "tool", tool, "stream", stream)
	}
	if err := scanner.Err(); err != nil {
		// drain so the program does not block on a full pipe
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// NewDryRunExecutor returns an executor that only logs what would be run.
func NewDryRunExecutor() Executor {
	return dryRunExecutor{}
}

type dryRunExecutor struct{}

func (dryRunExecutor) Run(_ context.Context, dir, binary string, args ...string) error {
	slog.Info("dry-run: would run", "dir", dir, "command", binary+" "+strings.Join(args, " "))
	return nil
}
