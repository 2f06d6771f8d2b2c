package service

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

// SafeExtractZip unpacks archivePath under destDir. Entries escaping the
// destination and symlinks are rejected outright.
func SafeExtractZip(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: open archive %s: %v", upgrade.ErrInputInvalid, archivePath, err)
	}
	defer func() { _ = reader.Close() }()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", destDir, err)
	}

	root, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}

	for _, entry := range reader.File {
		if entry.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: archive contains symlink %q", upgrade.ErrInputInvalid, entry.Name)
		}
		target := filepath.Join(root, filepath.Clean(entry.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("%w: archive entry %q escapes destination", upgrade.ErrInputInvalid, entry.Name)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractZipEntry(entry, target); err != nil {
			return fmt.Errorf("extract %q: %w", entry.Name, err)
		}
	}
	return nil
}

func extractZipEntry(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode) //nolint:gosec // G304: target is confined to destDir
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil { //nolint:gosec // G110: archives come from operator-supplied inputs
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// NormalizeAddonsLayout rewrites an extracted addons tree into the flat
// layout the engine mounts: a directory per module, each holding a manifest.
// Two common shapes are corrected in place. An archive whose root is a
// single wrapper directory ("my-addons/mod_a", "my-addons/mod_b") is
// flattened, and an archive that IS a single module (manifest at the root)
// is moved into a directory named after it. A requirements.txt found along
// the way is kept at the top of the tree.
func NormalizeAddonsLayout(dir string, log *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read addons dir: %w", err)
	}

	if hasManifestEntry(entries) {
		// Flat module at the root: nest it under its own name.
		name := moduleNameFor(dir)
		tmp := dir + ".reorg"
		if err := os.Rename(dir, tmp); err != nil {
			return fmt.Errorf("reorganize addons: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("reorganize addons: %w", err)
		}
		log.Debug("addons reorganized as single module", "module", name)
		return nil
	}

	sub := soleSubdirectory(entries)
	if sub == "" {
		return nil
	}

	// Single wrapper directory: hoist its children one level up.
	wrapper := filepath.Join(dir, sub)
	children, err := os.ReadDir(wrapper)
	if err != nil {
		return err
	}
	for _, child := range children {
		from := filepath.Join(wrapper, child.Name())
		to := filepath.Join(dir, child.Name())
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("flatten addons wrapper: %w", err)
		}
	}
	if err := os.Remove(wrapper); err != nil {
		return err
	}
	log.Debug("addons wrapper flattened", "wrapper", sub)
	return nil
}

// hasManifestEntry reports whether a module manifest sits directly among
// the entries.
func hasManifestEntry(entries []os.DirEntry) bool {
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, m := range ManifestFiles {
			if e.Name() == m {
				return true
			}
		}
	}
	return false
}

// soleSubdirectory returns the name of the only subdirectory when the
// listing holds exactly one directory and no regular files besides
// requirements.txt, otherwise "".
func soleSubdirectory(entries []os.DirEntry) string {
	var sub string
	for _, e := range entries {
		if e.IsDir() {
			if sub != "" {
				return ""
			}
			sub = e.Name()
			continue
		}
		if e.Name() != "requirements.txt" {
			return ""
		}
	}
	return sub
}

func moduleNameFor(dir string) string {
	name := filepath.Base(dir)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." {
		name = "custom_module"
	}
	return name
}

// normalizeTreePermissions makes every directory traversable and every file
// world-readable so the engine container can read mounted addons. Shell
// scripts keep their execute bit.
func normalizeTreePermissions(root string) {
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		switch {
		case d.IsDir():
			_ = os.Chmod(path, 0o755)
		case strings.HasSuffix(d.Name(), ".sh"):
			_ = os.Chmod(path, 0o755)
		default:
			_ = os.Chmod(path, 0o644)
		}
		return nil
	})
}

// WriteZipTree packages the named sources into a zip archive at dest.
// Sources map archive paths to filesystem paths; directory sources are
// added recursively.
func WriteZipTree(dest string, sources map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest) //nolint:gosec // G304: dest is under the run's output directory
	if err != nil {
		return fmt.Errorf("create archive %s: %w", dest, err)
	}
	zw := zip.NewWriter(out)

	fail := func(err error) error {
		_ = zw.Close()
		_ = out.Close()
		_ = os.Remove(dest)
		return err
	}

	for arcRoot, fsPath := range sources {
		info, err := os.Stat(fsPath)
		if err != nil {
			return fail(fmt.Errorf("stat %s: %w", fsPath, err))
		}
		if !info.IsDir() {
			if err := addZipFile(zw, arcRoot, fsPath); err != nil {
				return fail(err)
			}
			continue
		}
		walkErr := filepath.WalkDir(fsPath, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(fsPath, path)
			if err != nil {
				return err
			}
			return addZipFile(zw, filepath.ToSlash(filepath.Join(arcRoot, rel)), path)
		})
		if walkErr != nil {
			return fail(walkErr)
		}
	}

	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("finalize archive: %w", err))
	}
	return out.Close()
}

func addZipFile(zw *zip.Writer, arcName, fsPath string) error {
	src, err := os.Open(fsPath) //nolint:gosec // G304: fsPath enumerated from the run's directories
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	w, err := zw.Create(arcName)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
