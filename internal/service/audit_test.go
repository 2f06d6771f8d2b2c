package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestIsCoreModule(t *testing.T) {
	core := []string{"base", "web", "sale_management", "l10n_de", "account_accountant", "stock_picking_batch"}
	for _, name := range core {
		if !isCoreModule(name) {
			t.Errorf("isCoreModule(%q) = false, want true", name)
		}
	}

	community := []string{"custom_crm", "queue_job", "mis_builder", "connector"}
	for _, name := range community {
		if isCoreModule(name) {
			t.Errorf("isCoreModule(%q) = true, want false", name)
		}
	}
}

func TestLocalModules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "custom_crm", "__manifest__.py"), []byte("{}"))
	writeFile(t, filepath.Join(dir, "legacy_mod", "__openerp__.py"), []byte("{}"))
	writeFile(t, filepath.Join(dir, "not_a_module", "models.py"), []byte("pass"))
	writeFile(t, filepath.Join(dir, "requirements.txt"), []byte(""))

	a := NewAuditor(discardLogger(), nil, "https://example.invalid", "")
	local := a.localModules(dir)

	if !local["custom_crm"] || !local["legacy_mod"] {
		t.Errorf("modules with manifests not indexed: %v", local)
	}
	if local["not_a_module"] {
		t.Error("directory without manifest indexed as module")
	}
}

func TestLookupUpstreamFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Module published in the "web" repository at the target branch.
		if strings.HasPrefix(r.URL.Path, "/web/contents/web_responsive") && r.URL.Query().Get("ref") == "16.0" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewAuditor(discardLogger(), srv.Client(), srv.URL, "")
	repo, _, ok := a.lookupUpstream(context.Background(), "web_responsive", "16.0")
	if !ok {
		t.Fatal("published module reported missing")
	}
	if repo != "web" {
		t.Errorf("repo = %q, want web", repo)
	}
}

func TestLookupUpstreamMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewAuditor(discardLogger(), srv.Client(), srv.URL, "")
	_, detail, ok := a.lookupUpstream(context.Background(), "custom_only_mod", "16.0")
	if ok {
		t.Fatal("unpublished module reported available")
	}
	if detail == "" {
		t.Error("missing module has no detail")
	}
}

func TestLookupUpstreamRetriesRateLimit(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAuditor(discardLogger(), srv.Client(), srv.URL, "")
	a.retrier.Backoff = 0

	_, _, ok := a.lookupUpstream(context.Background(), "queue_job", "16.0")
	if !ok {
		t.Fatal("lookup did not recover from a single 429")
	}
	if hits != 2 {
		t.Errorf("requests = %d, want 2 (one rate-limited, one retry)", hits)
	}
}

func TestLookupUpstreamSendsToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewAuditor(discardLogger(), srv.Client(), srv.URL, "tok123")
	_, _, _ = a.lookupUpstream(context.Background(), "queue_job", "16.0")

	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q, want Bearer tok123", gotAuth)
	}
}

func TestWriteAuditReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "module-audit.json")
	report := auditReport{
		GeneratedAt:   time.Now().UTC(),
		Database:      "database",
		TargetVersion: "16.0",
		Installed:     42,
		Checked:       3,
		Missing:       []string{"custom_crm"},
		Modules: []ModuleCheck{
			{Name: "custom_crm", Version: "14.0.1.0", Available: false},
			{Name: "queue_job", Version: "14.0.2.1", Available: true, Repo: "queue"},
			{Name: "local_mod", Version: "14.0.1.0", Local: true, Available: true},
		},
	}
	if err := writeAuditReport(path, report); err != nil {
		t.Fatalf("writeAuditReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var loaded auditReport
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if loaded.Installed != 42 || len(loaded.Modules) != 3 {
		t.Errorf("loaded report = %+v", loaded)
	}
	if len(loaded.Missing) != 1 || loaded.Missing[0] != "custom_crm" {
		t.Errorf("missing = %v", loaded.Missing)
	}
}
