// Package extutil wraps invocation of the external utilities this module
// orchestrates (blkid, lvm, cryptsetup, resize2fs, xfs_growfs, btrfs,
// nilfs-resize, reiserfstune, dmsetup, losetup, make-bcache,
// bcache-super-show, parted) behind a single primitive that returns a
// structured result, and a set of typed helpers that parse each tool's
// output into Go values instead of leaving callers to grep stderr.
//
// Every invocation logs command, args, duration and exit code at Debug,
// and Warn/Error on failure; nothing here parses stderr for control
// flow (spec.md §9).
package extutil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/superfly/blocks/internal/blockserr"
)

// Result is the structured outcome of running an external command.
type Result struct {
	Argv     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner invokes external utilities and logs structured context around
// each invocation.
type Runner struct {
	Logger logrus.FieldLogger
}

// New returns a Runner that logs through the standard logrus logger.
func New() *Runner {
	return &Runner{Logger: logrus.StandardLogger()}
}

// Run executes argv[0] with argv[1:] and returns a structured Result.
// A non-zero exit is reported as *blockserr.ExternalCommandFailed, not
// as a bare *exec.ExitError, so callers can errors.As it uniformly.
func (r *Runner) Run(ctx context.Context, argv ...string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("extutil: empty argv")
	}

	logger := r.logger().WithField("argv", argv)
	logger.Debug("executing external command")

	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	dur := time.Since(start)

	res := &Result{
		Argv:     argv,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: dur,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	fields := logrus.Fields{
		"duration_ms": dur.Milliseconds(),
		"exit_code":   res.ExitCode,
	}
	if err != nil {
		logger.WithFields(fields).WithField("stderr", res.Stderr).Warn("external command failed")
		return res, &blockserr.ExternalCommandFailed{
			Argv:   argv,
			Status: res.ExitCode,
			Stderr: res.Stderr,
		}
	}

	logger.WithFields(fields).Debug("external command completed")
	return res, nil
}

// RunWithStdin is Run, but feeds stdin to argv[0] — needed for the
// handful of tools (sfdisk's script mode) that take their input that
// way instead of as arguments.
func (r *Runner) RunWithStdin(ctx context.Context, stdin string, argv ...string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("extutil: empty argv")
	}

	logger := r.logger().WithField("argv", argv)
	logger.Debug("executing external command with stdin")

	start := time.Now()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	dur := time.Since(start)

	res := &Result{
		Argv:     argv,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: dur,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	fields := logrus.Fields{
		"duration_ms": dur.Milliseconds(),
		"exit_code":   res.ExitCode,
	}
	if err != nil {
		logger.WithFields(fields).WithField("stderr", res.Stderr).Warn("external command failed")
		return res, &blockserr.ExternalCommandFailed{
			Argv:   argv,
			Status: res.ExitCode,
			Stderr: res.Stderr,
		}
	}

	logger.WithFields(fields).Debug("external command completed")
	return res, nil
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}

// RunWithRetry runs argv with an exponential backoff until it succeeds;
// maxElapsed bounds total retry time. No pipeline in this module calls
// it: internal/synthetic runs each "dmsetup create" once.
func (r *Runner) RunWithRetry(ctx context.Context, maxElapsed time.Duration, argv ...string) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	bctx := backoff.WithContext(b, ctx)

	var res *Result
	op := func() error {
		var err error
		res, err = r.Run(ctx, argv...)
		return err
	}

	if err := backoff.Retry(op, bctx); err != nil {
		return res, err
	}
	return res, nil
}

// RequireCommand fails with *blockserr.MissingRequirement if cmd is not on
// PATH. pkg is an optional hint for which package to install; it is
// advisory only and not parsed.
func RequireCommand(cmd, pkg string) error {
	if _, err := exec.LookPath(cmd); err != nil {
		return &blockserr.MissingRequirement{Cmd: cmd, Pkg: pkg}
	}
	return nil
}

// UdevSettle runs "udevadm settle --timeout=30". No pipeline in this
// module calls it.
func (r *Runner) UdevSettle(ctx context.Context) error {
	_, err := r.Run(ctx, "udevadm", "settle", "--timeout=30")
	return err
}
