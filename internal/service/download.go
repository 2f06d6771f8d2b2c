package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

// Fetcher materializes the run's inputs on disk: it downloads or copies the
// source artifact, fetches and unpacks addons, and leaves the working
// directories in the layout the restore phase expects. Given identical
// inputs it is idempotent.
type Fetcher struct {
	log       *slog.Logger
	client    *http.Client
	validator *Validator
}

// NewFetcher creates a Fetcher. client may be nil to use the default.
func NewFetcher(log *slog.Logger, client *http.Client, validator *Validator) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{log: log, client: client, validator: validator}
}

// Fetch runs the download/extract phase. Source and addons are fetched
// concurrently; the first failure cancels the other download.
func (f *Fetcher) Fetch(ctx context.Context, rc *upgrade.RunContext) error {
	if err := f.prepareDirs(rc); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		local, err := f.stageSource(gctx, rc)
		if err != nil {
			return err
		}
		rc.LocalSource = local
		return nil
	})

	if rc.ExtraAddons != "" {
		g.Go(func() error {
			return f.stageAddons(gctx, rc)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	format, err := f.unpackSource(rc)
	if err != nil {
		return err
	}
	rc.SourceFormat = format

	f.log.Info("inputs staged", "source", rc.LocalSource, "format", format)
	return nil
}

// prepareDirs resets the source directory and creates the output layout.
// The output directory is kept so engine caches survive across runs.
func (f *Fetcher) prepareDirs(rc *upgrade.RunContext) error {
	if err := os.RemoveAll(rc.SourceDir); err != nil {
		return fmt.Errorf("reset source dir: %w", err)
	}
	for _, dir := range []string{rc.SourceDir, rc.FilestoreDir, rc.AddonsDir, rc.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// stageSource places the source artifact under the source directory and
// returns its local path. Local files are used in place.
func (f *Fetcher) stageSource(ctx context.Context, rc *upgrade.RunContext) (string, error) {
	if !IsURL(rc.Source) {
		return rc.Source, nil
	}

	u, err := url.Parse(rc.Source)
	if err != nil {
		return "", fmt.Errorf("%w: source URL: %v", upgrade.ErrInputInvalid, err)
	}
	name := filepath.Base(u.Path)
	if name == "." || name == "/" {
		name = "downloaded_db.dump"
	}
	dest := filepath.Join(rc.SourceDir, name)

	if err := f.download(ctx, rc.Source, dest, rc.SourceSHA256, "source database"); err != nil {
		return "", err
	}
	return dest, nil
}

// stageAddons fetches or copies the addons into the addons directory and
// normalizes their layout.
func (f *Fetcher) stageAddons(ctx context.Context, rc *upgrade.RunContext) error {
	switch {
	case IsURL(rc.ExtraAddons):
		zipPath := filepath.Join(rc.SourceDir, "addons.zip")
		if err := f.download(ctx, rc.ExtraAddons, zipPath, rc.AddonsSHA256, "extra addons"); err != nil {
			return err
		}
		if err := SafeExtractZip(zipPath, rc.AddonsDir); err != nil {
			return err
		}
		_ = os.Remove(zipPath)

	case isDir(rc.ExtraAddons):
		if err := copyTree(rc.ExtraAddons, rc.AddonsDir); err != nil {
			return fmt.Errorf("copy local addons: %w", err)
		}

	default:
		if err := SafeExtractZip(rc.ExtraAddons, rc.AddonsDir); err != nil {
			return err
		}
	}

	if err := NormalizeAddonsLayout(rc.AddonsDir, f.log); err != nil {
		return err
	}
	normalizeTreePermissions(rc.AddonsDir)

	// Downstream tooling expects a requirements file at the tree root even
	// when the addons bring no python dependencies.
	reqs := filepath.Join(rc.AddonsDir, "requirements.txt")
	if _, err := os.Stat(reqs); os.IsNotExist(err) {
		if werr := os.WriteFile(reqs, nil, 0o644); werr != nil {
			return fmt.Errorf("write requirements placeholder: %w", werr)
		}
	}
	return nil
}

// unpackSource prepares the staged source for restore and reports its
// format: "sql" for zip bundles carrying a plain SQL dump, "binary" for
// pg_dump custom-format files.
func (f *Fetcher) unpackSource(rc *upgrade.RunContext) (string, error) {
	switch locationExt(rc.LocalSource) {
	case ".zip":
		if err := SafeExtractZip(rc.LocalSource, rc.SourceDir); err != nil {
			return "", err
		}
		return "sql", nil
	case ".dump":
		dest := filepath.Join(rc.SourceDir, "database.dump")
		if rc.LocalSource != dest {
			if err := copyFile(rc.LocalSource, dest); err != nil {
				return "", fmt.Errorf("stage dump file: %w", err)
			}
		}
		return "binary", nil
	default:
		return "", fmt.Errorf("%w: unsupported source format, use .zip or .dump", upgrade.ErrInputInvalid)
	}
}

// download streams the URL to dest, verifying the SHA-256 digest when one
// was supplied. A mismatched download is deleted, never left on disk.
func (f *Fetcher) download(ctx context.Context, rawURL, dest, expectedSHA256, label string) error {
	if err := f.validator.CheckTransport(rawURL, label); err != nil {
		return err
	}

	f.log.Info("downloading", "label", label, "url", rawURL, "dest", dest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %s URL: %v", upgrade.ErrInputInvalid, label, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", label, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("download %s: status %s", label, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	out, err := os.Create(dest) //nolint:gosec // G304: dest is under the run's working directory
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	hasher := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(out, hasher), resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("download %s: %w", label, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("write %s: %w", dest, closeErr)
	}

	if expectedSHA256 != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if got != expectedSHA256 {
			_ = os.Remove(dest)
			return fmt.Errorf("%w: checksum mismatch for %s: expected %s, got %s",
				upgrade.ErrInputInvalid, label, expectedSHA256, got)
		}
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: path was validated upstream
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst) //nolint:gosec // G304: dst is under the run's working directory
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if d.Type()&os.ModeSymlink != 0 {
			// Symlinked addon content is skipped rather than followed.
			return nil
		}
		return copyFile(path, target)
	})
}
