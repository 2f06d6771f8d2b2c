package service

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dbshift/dbshift/internal/adapter/docker"
	"github.com/dbshift/dbshift/internal/adapter/postgres"
	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

// SET parameters that older dumps carry but newer servers reject. Lines
// setting any of these are dropped during SQL compat passes.
var incompatibleSetParams = []string{
	"idle_in_transaction_session_timeout",
	"default_table_access_method",
	"row_security",
	"xmloption",
	"transaction_timeout",
	"default_with_oids",
}

const maxCompatPasses = 5

// DatabaseService restores dumps into the run's database container,
// detects the installed version, and packages the upgraded result.
type DatabaseService struct {
	log    *slog.Logger
	docker *docker.Engine
}

func NewDatabaseService(log *slog.Logger, engine *docker.Engine) *DatabaseService {
	return &DatabaseService{log: log, docker: engine}
}

// Restore loads the staged source into the target database, recreating it
// first so retries start clean.
func (s *DatabaseService) Restore(ctx context.Context, rc *upgrade.RunContext) error {
	if err := s.recreateDatabase(ctx, rc); err != nil {
		return err
	}

	switch rc.SourceFormat {
	case "sql":
		return s.restoreSQL(ctx, rc)
	case "binary":
		return s.restoreBinary(ctx, rc)
	default:
		return fmt.Errorf("%w: unknown source format %q", upgrade.ErrInputInvalid, rc.SourceFormat)
	}
}

func (s *DatabaseService) recreateDatabase(ctx context.Context, rc *upgrade.RunContext) error {
	code, _, stderr, err := s.docker.ExecCapture(ctx, rc.DBContainerName,
		"dropdb", "-U", rc.Credentials.User, "--if-exists", rc.TargetDatabase)
	if err != nil {
		return fmt.Errorf("drop database: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("drop database: %s", strings.TrimSpace(stderr))
	}

	code, _, stderr, err = s.docker.ExecCapture(ctx, rc.DBContainerName,
		"createdb", "-U", rc.Credentials.User, "-O", rc.Credentials.User, rc.TargetDatabase)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("create database: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// restoreSQL loads a plain SQL dump extracted from a zip bundle. When the
// server rejects a SET parameter the dump is sanitized and the load
// retried, up to a small fixed number of passes.
func (s *DatabaseService) restoreSQL(ctx context.Context, rc *upgrade.RunContext) error {
	dumpPath, err := s.findSQLDump(rc)
	if err != nil {
		return err
	}
	s.stageFilestore(rc)

	for pass := 1; pass <= maxCompatPasses; pass++ {
		if err := s.docker.Copy(ctx, dumpPath, rc.DBContainerName, "/tmp/restore.sql"); err != nil {
			return fmt.Errorf("copy dump into container: %w", err)
		}
		code, _, stderr, err := s.docker.ExecCapture(ctx, rc.DBContainerName,
			"psql", "-U", rc.Credentials.User, "-d", rc.TargetDatabase,
			"-v", "ON_ERROR_STOP=1", "-f", "/tmp/restore.sql")
		if err != nil {
			return fmt.Errorf("restore sql dump: %w", err)
		}
		if code == 0 {
			return nil
		}

		param := rejectedSetParam(stderr)
		if param == "" || pass == maxCompatPasses {
			return fmt.Errorf("restore sql dump: %s", strings.TrimSpace(stderr))
		}

		s.log.Warn("dump uses unsupported parameter, sanitizing and retrying",
			"parameter", param, "pass", pass)
		sanitized, err := sanitizeSQLDump(dumpPath, param)
		if err != nil {
			return err
		}
		if err := s.recreateDatabase(ctx, rc); err != nil {
			return err
		}
		dumpPath = sanitized
	}
	return fmt.Errorf("restore sql dump: sanitation passes exhausted")
}

func (s *DatabaseService) restoreBinary(ctx context.Context, rc *upgrade.RunContext) error {
	if err := s.docker.Copy(ctx, rc.LocalSource, rc.DBContainerName, "/tmp/restore.dump"); err != nil {
		return fmt.Errorf("copy dump into container: %w", err)
	}
	code, _, stderr, err := s.docker.ExecCapture(ctx, rc.DBContainerName,
		"pg_restore", "-U", rc.Credentials.User, "-d", rc.TargetDatabase,
		"--no-owner", "--no-privileges", "--clean", "--if-exists",
		"--single-transaction", "--exit-on-error", "/tmp/restore.dump")
	if err != nil {
		return fmt.Errorf("restore binary dump: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("restore binary dump: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// findSQLDump locates the SQL dump inside the extracted source tree.
func (s *DatabaseService) findSQLDump(rc *upgrade.RunContext) (string, error) {
	candidates := []string{
		filepath.Join(rc.SourceDir, "dump.sql"),
		filepath.Join(rc.SourceDir, "database.sql"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}

	var found string
	_ = filepath.WalkDir(rc.SourceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return err
		}
		if strings.HasSuffix(d.Name(), ".sql") {
			found = path
		}
		return nil
	})
	if found == "" {
		return "", fmt.Errorf("%w: no SQL dump found in source archive", upgrade.ErrInputInvalid)
	}
	return found, nil
}

// stageFilestore moves an extracted filestore next to the output artifacts
// so packaging picks it up. Missing filestores are normal for SQL-only
// backups.
func (s *DatabaseService) stageFilestore(rc *upgrade.RunContext) {
	src := filepath.Join(rc.SourceDir, "filestore")
	if !isDir(src) {
		return
	}
	_ = os.RemoveAll(rc.FilestoreDir)
	if err := os.Rename(src, rc.FilestoreDir); err != nil {
		if err := copyTree(src, rc.FilestoreDir); err != nil {
			s.log.Warn("filestore staging failed", "error", err)
		}
		return
	}
	s.log.Debug("filestore staged", "path", rc.FilestoreDir)
}

// DetectVersion reads the installed version out of the restored database.
// Several locations are tried since the authoritative one moved across
// releases.
func (s *DatabaseService) DetectVersion(ctx context.Context, rc *upgrade.RunContext) (string, error) {
	client, err := postgres.Connect(ctx, postgres.DSN(rc, rc.TargetDatabase))
	if err != nil {
		return "", fmt.Errorf("%w: connect for version detection: %v", upgrade.ErrDetection, err)
	}
	defer client.Close()

	raw, ok := client.ScalarFirst(ctx,
		`SELECT latest_version FROM ir_module_module WHERE name = 'base'`,
		`SELECT value FROM ir_config_parameter WHERE key = 'database.version'`,
		`SELECT latest_version FROM ir_module_module WHERE name = 'web' AND state = 'installed'`,
	)
	if !ok {
		return "", fmt.Errorf("%w: no version marker found in database", upgrade.ErrDetection)
	}

	v, err := upgrade.ParseVersion(raw)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable version %q", upgrade.ErrDetection, raw)
	}
	s.log.Info("database version detected", "version", v.String())
	return v.String(), nil
}

// Package dumps the upgraded database and bundles it with the filestore
// into the final artifact. Returns the artifact path.
func (s *DatabaseService) Package(ctx context.Context, rc *upgrade.RunContext) (string, error) {
	dumpPath := filepath.Join(rc.OutputDir, "dump.sql")
	if err := os.MkdirAll(rc.OutputDir, 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(dumpPath) //nolint:gosec // G304: path is under the run's output directory
	if err != nil {
		return "", fmt.Errorf("create dump file: %w", err)
	}

	dumpErr := s.docker.ExecToWriter(ctx, rc.DBContainerName, out,
		"pg_dump", "-U", rc.Credentials.User, "--no-owner", "--no-privileges", rc.TargetDatabase)
	closeErr := out.Close()
	if dumpErr != nil {
		_ = os.Remove(dumpPath)
		return "", fmt.Errorf("dump upgraded database: %w", dumpErr)
	}
	if closeErr != nil {
		_ = os.Remove(dumpPath)
		return "", fmt.Errorf("write dump file: %w", closeErr)
	}

	artifact := filepath.Join(rc.OutputDir, "upgraded.zip")
	sources := map[string]string{"dump.sql": dumpPath}
	if isDir(rc.FilestoreDir) {
		sources["filestore"] = rc.FilestoreDir
	}
	if err := WriteZipTree(artifact, sources); err != nil {
		return "", fmt.Errorf("package artifact: %w", err)
	}
	_ = os.Remove(dumpPath)

	s.log.Info("artifact packaged", "path", artifact)
	return artifact, nil
}

// rejectedSetParam extracts the offending parameter name from a psql error
// about an unrecognized configuration parameter.
func rejectedSetParam(stderr string) string {
	lower := strings.ToLower(stderr)
	if !strings.Contains(lower, "unrecognized configuration parameter") {
		return ""
	}
	for _, p := range incompatibleSetParams {
		if strings.Contains(lower, p) {
			return p
		}
	}
	// Fall back to the quoted name in the error message.
	if i := strings.Index(stderr, `parameter "`); i >= 0 {
		rest := stderr[i+len(`parameter "`):]
		if j := strings.Index(rest, `"`); j > 0 {
			return rest[:j]
		}
	}
	return ""
}

// sanitizeSQLDump writes a copy of the dump with every line setting the
// named parameter removed and returns the new path.
func sanitizeSQLDump(dumpPath, param string) (string, error) {
	in, err := os.Open(dumpPath) //nolint:gosec // G304: dump lives under the run's source directory
	if err != nil {
		return "", fmt.Errorf("sanitize dump: %w", err)
	}
	defer func() { _ = in.Close() }()

	outPath := strings.TrimSuffix(dumpPath, ".sql") + ".compat.sql"
	out, err := os.Create(outPath) //nolint:gosec // G304: path derived from the dump path
	if err != nil {
		return "", fmt.Errorf("sanitize dump: %w", err)
	}
	w := bufio.NewWriter(out)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	needle := strings.ToLower(param)
	dropped := 0
	for scanner.Scan() {
		line := scanner.Text()
		if isSetLineFor(line, needle) {
			dropped++
			continue
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			_ = out.Close()
			return "", fmt.Errorf("sanitize dump: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("sanitize dump: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("sanitize dump: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("sanitize dump: %w", err)
	}
	if dropped == 0 {
		return "", fmt.Errorf("sanitize dump: parameter %q not found in dump", param)
	}
	return outPath, nil
}

// isSetLineFor reports whether the line sets the given parameter, either
// via SET or select set_config.
func isSetLineFor(line, param string) bool {
	lower := strings.ToLower(strings.TrimSpace(line))
	if !strings.Contains(lower, param) {
		return false
	}
	return strings.HasPrefix(lower, "set ") || strings.Contains(lower, "set_config(")
}
