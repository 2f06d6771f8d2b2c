// Package docker is a thin capability adapter over the Docker CLI: per-run
// isolated networks, a transient PostgreSQL instance, and one-shot engine
// containers with captured output.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

// Engine shells out to the docker binary. Every name it is handed is derived
// uniquely per run by the domain layer, so two runs never collide on the
// same host.
type Engine struct {
	log *slog.Logger
}

// NewEngine creates an Engine logging through log.
func NewEngine(log *slog.Logger) *Engine {
	return &Engine{log: log}
}

// Available verifies the docker CLI is installed and responding.
func (e *Engine) Available(ctx context.Context) error {
	if _, err := e.run(ctx, "--version"); err != nil {
		return fmt.Errorf("docker is not available: %w", err)
	}
	return nil
}

// Provision creates the run's isolated network, volume and database
// container, publishes the database port on a loopback-only ephemeral host
// port, and waits for the instance to accept connections. It is idempotent:
// resuming a run whose resources still exist reuses them.
func (e *Engine) Provision(ctx context.Context, rc *upgrade.RunContext) error {
	if !e.exists(ctx, "network", rc.NetworkName) {
		if _, err := e.run(ctx, "network", "create", rc.NetworkName); err != nil {
			return fmt.Errorf("create network: %w", err)
		}
	}
	if !e.exists(ctx, "volume", rc.VolumeName) {
		if _, err := e.run(ctx, "volume", "create", rc.VolumeName); err != nil {
			return fmt.Errorf("create volume: %w", err)
		}
	}

	if e.exists(ctx, "container", rc.DBContainerName) {
		if _, err := e.run(ctx, "start", rc.DBContainerName); err != nil {
			return fmt.Errorf("start database container: %w", err)
		}
	} else {
		args := []string{
			"run", "-d",
			"--name", rc.DBContainerName,
			"--network", rc.NetworkName,
			"-e", "POSTGRES_DB=" + rc.BootstrapDB,
			"-e", "POSTGRES_USER=" + rc.Credentials.User,
			"-e", "POSTGRES_PASSWORD=" + rc.Credentials.Password,
			"-v", rc.VolumeName + ":/var/lib/postgresql/data",
			"-p", "127.0.0.1:0:5432",
			"--restart", "unless-stopped",
			"postgres:" + rc.Options.PostgresVersion,
		}
		if _, err := e.run(ctx, args...); err != nil {
			return fmt.Errorf("start database container: %w", err)
		}
	}

	port, err := e.publishedPort(ctx, rc.DBContainerName)
	if err != nil {
		return err
	}
	rc.HostPort = port

	if err := e.waitReady(ctx, rc); err != nil {
		return err
	}

	e.log.Info("database instance ready",
		"container", rc.DBContainerName,
		"network", rc.NetworkName,
		"host_port", rc.HostPort,
	)
	return nil
}

// Teardown removes the run's containers and network. The data volume is
// left alone so an interrupted run can resume against it; RemoveData
// deletes it once the run is finished for good. Individual failures are
// collected and logged; they never mask the error that triggered the
// teardown.
func (e *Engine) Teardown(ctx context.Context, rc *upgrade.RunContext) error {
	var errs []error
	for _, args := range [][]string{
		{"rm", "-f", rc.StepContainerName},
		{"rm", "-f", rc.DBContainerName},
		{"network", "rm", rc.NetworkName},
	} {
		if _, err := e.run(ctx, args...); err != nil {
			e.log.Warn("teardown step failed", "args", strings.Join(args, " "), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveData deletes the run's data volume.
func (e *Engine) RemoveData(ctx context.Context, rc *upgrade.RunContext) error {
	if _, err := e.run(ctx, "volume", "rm", rc.VolumeName); err != nil {
		return fmt.Errorf("remove volume %s: %w", rc.VolumeName, err)
	}
	return nil
}

// Copy copies a local file into the container.
func (e *Engine) Copy(ctx context.Context, localPath, container, containerPath string) error {
	if _, err := e.run(ctx, "cp", localPath, container+":"+containerPath); err != nil {
		return fmt.Errorf("copy %s into %s: %w", localPath, container, err)
	}
	return nil
}

// ExecCapture runs a command inside a running container and returns its
// exit code with separated output streams. A non-zero exit is not an error;
// err reports only spawn failures.
func (e *Engine) ExecCapture(ctx context.Context, container string, command ...string) (int, string, string, error) {
	args := append([]string{"exec", "-i", container}, command...)
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // G204: args are constructed internally

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), stdout.String(), stderr.String(), nil
		}
		return -1, "", "", fmt.Errorf("docker exec %s: %w", container, err)
	}
	return 0, stdout.String(), stderr.String(), nil
}

// ExecToWriter runs a command inside the container streaming stdout to w.
// Used for pg_dump so large dumps never buffer in memory.
func (e *Engine) ExecToWriter(ctx context.Context, container string, w io.Writer, command ...string) error {
	args := append([]string{"exec", "-i", container}, command...)
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // G204: args are constructed internally

	var stderr bytes.Buffer
	cmd.Stdout = w
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker exec %s: %s: %w", container, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// BuildImage builds an image tag from the Dockerfile in contextDir.
func (e *Engine) BuildImage(ctx context.Context, tag, contextDir string) (string, error) {
	out, err := e.run(ctx, "build", "-t", tag, contextDir)
	if err != nil {
		return out, fmt.Errorf("build image %s: %w", tag, err)
	}
	return out, nil
}

// RunSpec describes a one-shot container invocation.
type RunSpec struct {
	Name    string
	Image   string
	Network string
	Env     []string // KEY=VALUE
	Mounts  []string // host:container
	Command []string
	Timeout time.Duration
}

// RunImage runs the container to completion and returns its exit code with
// combined output. A non-zero exit is not an error. Exceeding the timeout
// cancels the container and returns context.DeadlineExceeded.
func (e *Engine) RunImage(ctx context.Context, spec RunSpec) (int, string, error) {
	// A leftover container with the same name from an aborted attempt
	// blocks the run, so clear it first.
	_, _ = e.run(ctx, "rm", "-f", spec.Name)

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	args := []string{"run", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}
	for _, mount := range spec.Mounts {
		args = append(args, "-v", mount)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	e.log.Debug("running container", "name", spec.Name, "image", spec.Image)

	cmd := exec.CommandContext(runCtx, "docker", args...) //nolint:gosec // G204: args are constructed internally
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	defer func() { _, _ = e.run(ctx, "rm", "-f", spec.Name) }()

	if runCtx.Err() != nil {
		_, _ = e.run(ctx, "stop", "-t", "10", spec.Name)
		return -1, combined.String(), runCtx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), combined.String(), nil
		}
		return -1, combined.String(), fmt.Errorf("run image %s: %w", spec.Image, err)
	}
	return 0, combined.String(), nil
}

// waitReady polls pg_isready inside the database container until it answers
// or the configured budget elapses. Slow container startup is the common
// case on first pull, so the interval is coarse.
func (e *Engine) waitReady(ctx context.Context, rc *upgrade.RunContext) error {
	budget := rc.Options.ReadyTimeout
	if budget <= 0 {
		budget = time.Minute
	}
	deadline := time.Now().Add(budget)

	for {
		code, _, _, err := e.ExecCapture(ctx, rc.DBContainerName,
			"pg_isready", "-U", rc.Credentials.User, "-d", rc.BootstrapDB)
		if err == nil && code == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database failed to become ready within %s: timed out", budget)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// publishedPort resolves the loopback host port mapped to the database port.
func (e *Engine) publishedPort(ctx context.Context, container string) (int, error) {
	out, err := e.run(ctx, "port", container, "5432/tcp")
	if err != nil {
		return 0, fmt.Errorf("resolve published port: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(line[idx+1:]))
		if err == nil && port > 0 {
			return port, nil
		}
	}
	return 0, fmt.Errorf("resolve published port: unexpected output %q", out)
}

// exists reports whether a docker object of the given kind is known.
func (e *Engine) exists(ctx context.Context, kind, name string) bool {
	var args []string
	switch kind {
	case "container":
		args = []string{"inspect", name}
	default:
		args = []string{kind, "inspect", name}
	}
	_, err := e.run(ctx, args...)
	return err == nil
}

// run executes a docker command and returns stdout. Arguments are logged at
// debug with credential values redacted.
func (e *Engine) run(ctx context.Context, args ...string) (string, error) {
	e.log.Debug("docker", "args", redact(args))

	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // G204: args are constructed internally

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("docker %s: %w", args[0], err)
		}
		return "", fmt.Errorf("%s: %w", msg, err)
	}
	return stdout.String(), nil
}

// redact masks credential-bearing env arguments before they reach logs.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		if strings.HasPrefix(arg, "POSTGRES_PASSWORD=") {
			out[i] = "POSTGRES_PASSWORD=****"
			continue
		}
		out[i] = arg
	}
	return out
}
