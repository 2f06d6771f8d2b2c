package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

func newTestFetcher(t *testing.T, client *http.Client) *Fetcher {
	t.Helper()
	log := discardLogger()
	return NewFetcher(log, client, NewValidator(log, client, true))
}

func fetchRunContext(t *testing.T) *upgrade.RunContext {
	t.Helper()
	work := t.TempDir()
	out := filepath.Join(work, "output")
	return &upgrade.RunContext{
		RunID:        "fetchtest",
		WorkDir:      work,
		SourceDir:    filepath.Join(work, "source"),
		OutputDir:    out,
		FilestoreDir: filepath.Join(out, "filestore"),
		AddonsDir:    filepath.Join(out, "custom_addons"),
		CacheDir:     filepath.Join(out, ".cache", "engine"),
	}
}

func TestFetchLocalZipSource(t *testing.T) {
	rc := fetchRunContext(t)
	src := filepath.Join(rc.WorkDir, "backup.zip")
	writeZip(t, src, map[string]string{"dump.sql": "SELECT 1;"})
	rc.Source = src

	f := newTestFetcher(t, nil)
	if err := f.Fetch(context.Background(), rc); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if rc.SourceFormat != "sql" {
		t.Errorf("source format = %q, want sql", rc.SourceFormat)
	}
	if _, err := os.Stat(filepath.Join(rc.SourceDir, "dump.sql")); err != nil {
		t.Errorf("dump not extracted: %v", err)
	}
}

func TestFetchLocalDumpSource(t *testing.T) {
	rc := fetchRunContext(t)
	src := filepath.Join(rc.WorkDir, "backup.dump")
	writeFile(t, src, []byte("PGDMP..."))
	rc.Source = src

	f := newTestFetcher(t, nil)
	if err := f.Fetch(context.Background(), rc); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if rc.SourceFormat != "binary" {
		t.Errorf("source format = %q, want binary", rc.SourceFormat)
	}
	if _, err := os.Stat(filepath.Join(rc.SourceDir, "database.dump")); err != nil {
		t.Errorf("dump not staged: %v", err)
	}
}

func TestFetchDownloadsAndVerifiesChecksum(t *testing.T) {
	payload := []byte("PGDMP binary dump bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	sum := sha256.Sum256(payload)

	rc := fetchRunContext(t)
	rc.Source = srv.URL + "/backup.dump"
	rc.SourceSHA256 = hex.EncodeToString(sum[:])

	f := newTestFetcher(t, srv.Client())
	if err := f.Fetch(context.Background(), rc); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if rc.LocalSource == "" {
		t.Fatal("local source path not recorded")
	}
	data, err := os.ReadFile(filepath.Join(rc.SourceDir, "database.dump"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(payload) {
		t.Error("downloaded content mismatch")
	}
}

func TestFetchChecksumMismatchDeletesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tampered content"))
	}))
	defer srv.Close()

	rc := fetchRunContext(t)
	rc.Source = srv.URL + "/backup.dump"
	rc.SourceSHA256 = "0000000000000000000000000000000000000000000000000000000000000000"

	f := newTestFetcher(t, srv.Client())
	err := f.Fetch(context.Background(), rc)
	if !errors.Is(err, upgrade.ErrInputInvalid) {
		t.Fatalf("error = %v, want ErrInputInvalid", err)
	}

	if _, statErr := os.Stat(filepath.Join(rc.SourceDir, "backup.dump")); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("mismatched download left on disk")
	}
}

func TestFetchDownloadFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rc := fetchRunContext(t)
	rc.Source = srv.URL + "/backup.dump"

	f := newTestFetcher(t, srv.Client())
	if err := f.Fetch(context.Background(), rc); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestFetchAddonsZipNormalized(t *testing.T) {
	rc := fetchRunContext(t)
	src := filepath.Join(rc.WorkDir, "backup.zip")
	writeZip(t, src, map[string]string{"dump.sql": "SELECT 1;"})
	rc.Source = src

	addonsZip := filepath.Join(rc.WorkDir, "addons.zip")
	writeZip(t, addonsZip, map[string]string{
		"bundle/mod_a/__manifest__.py": "{}",
		"bundle/mod_b/__manifest__.py": "{}",
	})
	rc.ExtraAddons = addonsZip

	f := newTestFetcher(t, nil)
	if err := f.Fetch(context.Background(), rc); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	// The single wrapper directory inside the archive is flattened away.
	for _, mod := range []string{"mod_a", "mod_b"} {
		if _, err := os.Stat(filepath.Join(rc.AddonsDir, mod, "__manifest__.py")); err != nil {
			t.Errorf("module %s not staged: %v", mod, err)
		}
	}
	if _, err := os.Stat(filepath.Join(rc.AddonsDir, "requirements.txt")); err != nil {
		t.Errorf("requirements placeholder not created: %v", err)
	}
}

func TestFetchRejectsUnknownSourceFormat(t *testing.T) {
	rc := fetchRunContext(t)
	src := filepath.Join(rc.WorkDir, "backup.tar")
	writeFile(t, src, []byte("tar"))
	rc.Source = src

	f := newTestFetcher(t, nil)
	if err := f.Fetch(context.Background(), rc); !errors.Is(err, upgrade.ErrInputInvalid) {
		t.Fatalf("error = %v, want ErrInputInvalid", err)
	}
}
