package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dbshift/dbshift/internal/adapter/docker"
	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

// StepRunner executes one major-version increment by building an engine
// image for the target version and running it against the database
// container. Engine sources are cached per target version under the run's
// cache directory so repeated runs skip the clone.
type StepRunner struct {
	log        *slog.Logger
	docker     *docker.Engine
	classifier *upgrade.Classifier
}

func NewStepRunner(log *slog.Logger, engine *docker.Engine, classifier *upgrade.Classifier) *StepRunner {
	if classifier == nil {
		def := upgrade.DefaultClassifier()
		classifier = &def
	}
	return &StepRunner{log: log, docker: engine, classifier: classifier}
}

// Execute runs the increment to completion. A non-zero engine exit comes
// back as a StepError carrying the classified outcome; infrastructure
// failures (clone, build, spawn) are returned as plain errors after
// classification against the same patterns.
func (s *StepRunner) Execute(ctx context.Context, rc *upgrade.RunContext, inc upgrade.Increment) (upgrade.StepOutcome, error) {
	target, err := upgrade.ParseVersion(inc.To)
	if err != nil {
		return upgrade.StepOutcome{}, fmt.Errorf("%w: increment target %q", upgrade.ErrInputInvalid, inc.To)
	}

	engineDir, err := s.ensureEngineSource(ctx, rc, inc.To)
	if err != nil {
		return s.infraFailure(inc, err)
	}

	tag := fmt.Sprintf("dbshift-engine:%d", target.Major)
	if err := s.buildEngineImage(ctx, rc, engineDir, tag, inc.To); err != nil {
		return s.infraFailure(inc, err)
	}

	spec := docker.RunSpec{
		Name:    rc.StepContainerName,
		Image:   tag,
		Network: rc.NetworkName,
		Env: []string{
			"HOST=" + rc.DBContainerName,
			"USER=" + rc.Credentials.User,
			"PASSWORD=" + rc.Credentials.Password,
		},
		Mounts:  s.stepMounts(rc),
		Command: s.engineCommand(rc),
		Timeout: rc.Options.Retry.StepTimeout,
	}

	s.log.Info("running upgrade increment", "increment", inc.String(), "image", tag)

	code, output, err := s.docker.RunImage(ctx, spec)
	if err != nil {
		outcome := upgrade.StepOutcome{
			ExitCode: code,
			Output:   tailOf(output),
			Class:    s.classifier.Classify(err.Error() + "\n" + output),
		}
		if ctx.Err() != nil {
			// Caller cancellation is not a step failure.
			return outcome, err
		}
		return outcome, &upgrade.StepError{Increment: inc, Outcome: outcome}
	}

	outcome := upgrade.StepOutcome{ExitCode: code, Output: tailOf(output)}
	if code != 0 {
		outcome.Class = s.classifier.Classify(output)
		s.log.Warn("increment failed",
			"increment", inc.String(), "exit_code", code, "class", string(outcome.Class))
		return outcome, &upgrade.StepError{Increment: inc, Outcome: outcome}
	}

	s.log.Info("increment complete", "increment", inc.String())
	return outcome, nil
}

// ensureEngineSource clones the migration engine at the branch matching the
// target version, reusing a previous clone when present.
func (s *StepRunner) ensureEngineSource(ctx context.Context, rc *upgrade.RunContext, toVersion string) (string, error) {
	dir := filepath.Join(rc.CacheDir, "engine-"+toVersion)
	if isDir(filepath.Join(dir, ".git")) {
		s.log.Debug("engine source cached", "dir", dir)
		return dir, nil
	}
	_ = os.RemoveAll(dir)

	repo := rc.Options.EngineRepo
	s.log.Info("cloning engine source", "repo", repo, "branch", toVersion)

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1",
		"--branch", toVersion, repo, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("clone engine source: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return dir, nil
}

// buildEngineImage assembles a build context with the engine source and a
// generated Dockerfile, then builds the step image.
func (s *StepRunner) buildEngineImage(ctx context.Context, rc *upgrade.RunContext, engineDir, tag, toVersion string) error {
	buildDir := filepath.Join(rc.CacheDir, "build-"+toVersion)
	if err := os.RemoveAll(buildDir); err != nil {
		return fmt.Errorf("reset build context: %w", err)
	}
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return err
	}
	if err := copyTree(engineDir, filepath.Join(buildDir, "engine")); err != nil {
		return fmt.Errorf("stage engine source: %w", err)
	}

	dockerfile := fmt.Sprintf(`FROM %s:%s
USER root
COPY engine /opt/engine
RUN pip3 install --no-cache-dir --break-system-packages -r /opt/engine/requirements.txt \
 || pip3 install --no-cache-dir -r /opt/engine/requirements.txt
USER odoo
`, rc.Options.EngineImage, toVersion)

	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("write Dockerfile: %w", err)
	}

	if out, err := s.docker.BuildImage(ctx, tag, buildDir); err != nil {
		return fmt.Errorf("%w: %s", err, tailOf(out))
	}
	return nil
}

func (s *StepRunner) stepMounts(rc *upgrade.RunContext) []string {
	mounts := []string{rc.FilestoreDir + ":/var/lib/odoo/filestore/" + rc.TargetDatabase}
	if hasEntries(rc.AddonsDir) {
		mounts = append(mounts, rc.AddonsDir+":/mnt/extra-addons")
	}
	return mounts
}

// engineCommand builds the in-container invocation that migrates the
// database one major version and exits.
func (s *StepRunner) engineCommand(rc *upgrade.RunContext) []string {
	cmd := []string{
		"odoo",
		"-d", rc.TargetDatabase,
		"--db_host", rc.DBContainerName,
		"--db_user", rc.Credentials.User,
		"--db_password", rc.Credentials.Password,
		"--upgrade-path=/opt/engine/openupgrade_scripts/scripts",
		"--load=base,web,openupgrade_framework",
		"-u", "all",
		"--stop-after-init",
	}
	if hasEntries(rc.AddonsDir) {
		cmd = append(cmd, "--addons-path=/usr/lib/python3/dist-packages/odoo/addons,/mnt/extra-addons")
	}
	return cmd
}

func (s *StepRunner) infraFailure(inc upgrade.Increment, err error) (upgrade.StepOutcome, error) {
	outcome := upgrade.StepOutcome{
		ExitCode: -1,
		Output:   err.Error(),
		Class:    s.classifier.Classify(err.Error()),
	}
	return outcome, &upgrade.StepError{Increment: inc, Outcome: outcome}
}

func hasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// tailOf keeps the last portion of engine output for state files and error
// messages. Full output still reaches the log at debug level upstream.
func tailOf(output string) string {
	const keep = 4000
	output = strings.TrimSpace(output)
	if len(output) <= keep {
		return output
	}
	return "..." + output[len(output)-keep:]
}
