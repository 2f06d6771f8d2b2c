package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dbshift/dbshift/internal/adapter/postgres"
	"github.com/dbshift/dbshift/internal/domain/upgrade"
	"github.com/dbshift/dbshift/internal/resilience"
)

// Modules shipped with the core distribution. They migrate with the engine
// and are never looked up upstream.
var coreModulePrefixes = []string{
	"base", "web", "mail", "portal", "bus", "http_routing", "auth_",
	"account", "sale", "purchase", "stock", "mrp", "crm", "hr", "project",
	"point_of_sale", "pos_", "website", "payment", "product", "uom",
	"resource", "calendar", "contacts", "digest", "fetchmail", "iap",
	"im_livechat", "link_tracker", "mass_mailing", "note", "phone_validation",
	"sms", "snailmail", "social_media", "spreadsheet", "survey", "utm",
	"barcodes", "board", "delivery", "event", "fleet", "gamification",
	"google_", "l10n_", "lunch", "maintenance", "membership", "mrp_",
	"repair", "sale_", "stock_", "purchase_", "account_", "analytic",
	"attachment_indexation", "base_", "data_", "hw_", "pad", "partner_",
	"rating", "report_", "transifex", "web_", "website_",
}

// ModuleCheck is the audit result for one installed module.
type ModuleCheck struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Local     bool   `json:"local"`
	Available bool   `json:"available"`
	Repo      string `json:"repo,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type auditReport struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	Database      string        `json:"database"`
	TargetVersion string        `json:"target_version"`
	Installed     int           `json:"installed_modules"`
	Checked       int           `json:"checked_modules"`
	Missing       []string      `json:"missing_modules"`
	Modules       []ModuleCheck `json:"modules"`
}

// Auditor inspects the installed third-party modules of a restored database
// and checks whether each one is carried locally or published upstream for
// the target version. Upstream lookups go through a circuit breaker so a
// dead index does not stall the whole audit, and individual lookups retry
// on rate limits and server errors.
type Auditor struct {
	log     *slog.Logger
	client  *http.Client
	breaker *resilience.Breaker
	retrier *resilience.Retrier

	indexURL string
	token    string
}

func NewAuditor(log *slog.Logger, client *http.Client, indexURL, token string) *Auditor {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &Auditor{
		log:      log,
		client:   client,
		breaker:  resilience.NewBreaker(5, 30*time.Second),
		retrier:  &resilience.Retrier{MaxAttempts: 3, Backoff: 2 * time.Second},
		indexURL: strings.TrimRight(indexURL, "/"),
		token:    token,
	}
}

// Audit runs the module check against the restored database and writes the
// JSON report to reportPath. The summary always comes back even when some
// upstream lookups failed; lookup failures mark modules missing.
func (a *Auditor) Audit(ctx context.Context, rc *upgrade.RunContext, reportPath string) (*upgrade.AuditSummary, error) {
	client, err := postgres.Connect(ctx, postgres.DSN(rc, rc.TargetDatabase))
	if err != nil {
		return nil, fmt.Errorf("connect for module audit: %w", err)
	}
	installed, err := client.InstalledModules(ctx)
	client.Close()
	if err != nil {
		return nil, fmt.Errorf("list installed modules: %w", err)
	}

	local := a.localModules(rc.AddonsDir)

	var checks []ModuleCheck
	var missing []string
	checked := 0
	for _, mod := range installed {
		if isCoreModule(mod.Name) {
			continue
		}
		checked++
		check := ModuleCheck{Name: mod.Name, Version: mod.Version}

		if local[mod.Name] {
			check.Local = true
			check.Available = true
			checks = append(checks, check)
			continue
		}

		repo, detail, ok := a.lookupUpstream(ctx, mod.Name, rc.TargetVersion)
		check.Available = ok
		check.Repo = repo
		check.Detail = detail
		if !ok {
			missing = append(missing, mod.Name)
		}
		checks = append(checks, check)
	}
	sort.Strings(missing)

	report := auditReport{
		GeneratedAt:   time.Now().UTC(),
		Database:      rc.TargetDatabase,
		TargetVersion: rc.TargetVersion,
		Installed:     len(installed),
		Checked:       checked,
		Missing:       missing,
		Modules:       checks,
	}
	if err := writeAuditReport(reportPath, report); err != nil {
		return nil, err
	}

	a.log.Info("module audit complete",
		"installed", len(installed), "checked", checked, "missing", len(missing))

	return &upgrade.AuditSummary{
		InstalledModules: len(installed),
		CheckedModules:   checked,
		MissingModules:   missing,
		ReportPath:       reportPath,
	}, nil
}

// localModules indexes the addon directories carried with the run.
func (a *Auditor) localModules(addonsDir string) map[string]bool {
	local := make(map[string]bool)
	entries, err := os.ReadDir(addonsDir)
	if err != nil {
		return local
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		for _, m := range ManifestFiles {
			if _, err := os.Stat(filepath.Join(addonsDir, e.Name(), m)); err == nil {
				local[e.Name()] = true
				break
			}
		}
	}
	return local
}

// Repositories holding the bulk of community modules, probed in order.
var communityRepos = []string{
	"server-tools", "server-ux", "web", "reporting-engine", "account-financial-tools",
	"account-financial-reporting", "account-invoicing", "partner-contact",
	"sale-workflow", "purchase-workflow", "stock-logistics-workflow",
	"stock-logistics-warehouse", "project", "hr", "queue", "rest-framework",
	"server-auth", "bank-payment", "community-data-files", "product-attribute",
}

// lookupUpstream probes the community repositories for the module at the
// target series branch. Returns the repository name when found.
func (a *Auditor) lookupUpstream(ctx context.Context, module, targetVersion string) (string, string, bool) {
	for _, repo := range communityRepos {
		url := fmt.Sprintf("%s/%s/contents/%s?ref=%s", a.indexURL, repo, module, targetVersion)

		var status int
		err := a.breaker.Execute(func() error {
			var lookupErr error
			_, lookupErr = a.retrier.Do(ctx, retryableHTTP, func(ctx context.Context) error {
				var err error
				status, err = a.probe(ctx, url)
				return err
			})
			return lookupErr
		})
		if err != nil {
			a.log.Warn("upstream lookup failed", "module", module, "repo", repo, "error", err)
			return "", "lookup failed: " + err.Error(), false
		}
		if status == http.StatusOK {
			return repo, "", true
		}
	}
	return "", "not found in community repositories", false
}

func (a *Auditor) probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return resp.StatusCode, &httpStatusError{status: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.status)
}

func retryableHTTP(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	// Transport-level failures are worth a retry too.
	return err != nil && !strings.Contains(err.Error(), "context canceled")
}

func isCoreModule(name string) bool {
	for _, prefix := range coreModulePrefixes {
		if name == strings.TrimSuffix(prefix, "_") || strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func writeAuditReport(path string, report auditReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".audit-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
