package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
	"github.com/dbshift/dbshift/internal/state"
)

type fakeRuntime struct {
	provisions  int
	teardowns   int
	dataRemoved int
}

func (f *fakeRuntime) Available(context.Context) error { return nil }
func (f *fakeRuntime) Provision(context.Context, *upgrade.RunContext) error {
	f.provisions++
	return nil
}
func (f *fakeRuntime) Teardown(context.Context, *upgrade.RunContext) error {
	f.teardowns++
	return nil
}
func (f *fakeRuntime) RemoveData(context.Context, *upgrade.RunContext) error {
	f.dataRemoved++
	return nil
}

// fakeDatabase tracks a simulated version marker that fakeSteps advances.
type fakeDatabase struct {
	version  string
	restores int
}

func (f *fakeDatabase) Restore(context.Context, *upgrade.RunContext) error {
	f.restores++
	return nil
}

func (f *fakeDatabase) DetectVersion(context.Context, *upgrade.RunContext) (string, error) {
	return f.version, nil
}

func (f *fakeDatabase) Package(context.Context, *upgrade.RunContext) (string, error) {
	return "/out/upgraded.zip", nil
}

// fakeSteps fails each increment per its scripted error queue, then
// succeeds and moves the database version forward.
type fakeSteps struct {
	db       *fakeDatabase
	failures map[string][]error
	calls    []string
}

func (f *fakeSteps) Execute(_ context.Context, _ *upgrade.RunContext, inc upgrade.Increment) (upgrade.StepOutcome, error) {
	f.calls = append(f.calls, inc.String())
	key := inc.String()
	if queue := f.failures[key]; len(queue) > 0 {
		err := queue[0]
		f.failures[key] = queue[1:]
		return upgrade.StepOutcome{ExitCode: 1}, err
	}
	f.db.version = inc.To
	return upgrade.StepOutcome{}, nil
}

type fakeInputs struct {
	validateErr error
	validations int
	fetches     int
}

func (f *fakeInputs) Validate(context.Context, *upgrade.RunContext) error {
	f.validations++
	return f.validateErr
}

func (f *fakeInputs) Fetch(context.Context, *upgrade.RunContext) error {
	f.fetches++
	return nil
}

type fakeAuditor struct {
	summary *upgrade.AuditSummary
	err     error
	calls   int
}

func (f *fakeAuditor) Audit(context.Context, *upgrade.RunContext, string) (*upgrade.AuditSummary, error) {
	f.calls++
	return f.summary, f.err
}

func stepFailure(inc upgrade.Increment, class upgrade.FailureClass) error {
	return &upgrade.StepError{
		Increment: inc,
		Outcome:   upgrade.StepOutcome{ExitCode: 1, Class: class},
	}
}

type orchFixture struct {
	orch         *Orchestrator
	runtime      *fakeRuntime
	db           *fakeDatabase
	steps        *fakeSteps
	inputs       *fakeInputs
	store        *state.Store
	manifestPath string
}

func newOrchFixture(t *testing.T, startVersion string) *orchFixture {
	t.Helper()
	dir := t.TempDir()
	runtime := &fakeRuntime{}
	db := &fakeDatabase{version: startVersion}
	steps := &fakeSteps{db: db, failures: map[string][]error{}}
	inputs := &fakeInputs{}
	store := state.NewStore(filepath.Join(dir, "state.json"))
	manifestPath := filepath.Join(dir, "manifest.json")

	orch := NewOrchestrator(OrchestratorDeps{
		Log:          slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Runtime:      runtime,
		Database:     db,
		Steps:        steps,
		Validator:    inputs,
		Fetcher:      inputs,
		Store:        store,
		ManifestPath: manifestPath,
	})
	return &orchFixture{
		orch: orch, runtime: runtime, db: db, steps: steps,
		inputs: inputs, store: store, manifestPath: manifestPath,
	}
}

func testRunContext(target string) *upgrade.RunContext {
	return &upgrade.RunContext{
		RunID:         "testrun",
		Source:        "/data/backup.zip",
		TargetVersion: target,
		Options: upgrade.Options{
			Retry: upgrade.RetryPolicy{RetryCount: 2},
		},
	}
}

func TestRunTwoIncrements(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	rc := testRunContext("16.0")

	m, err := fx.orch.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Status != "success" {
		t.Errorf("status = %q, want success", m.Status)
	}
	if len(m.Increments) != 2 {
		t.Fatalf("increments = %d, want 2", len(m.Increments))
	}
	if m.Increments[0].From != "14.0" || m.Increments[0].To != "15.0" {
		t.Errorf("first increment = %+v", m.Increments[0])
	}
	if m.Increments[1].From != "15.0" || m.Increments[1].To != "16.0" {
		t.Errorf("second increment = %+v", m.Increments[1])
	}
	for _, rec := range m.Increments {
		if rec.Outcome != "success" || rec.Attempts != 1 {
			t.Errorf("increment record = %+v, want success in 1 attempt", rec)
		}
	}
	if m.RetriesUsed != 0 {
		t.Errorf("retries used = %d, want 0", m.RetriesUsed)
	}
	if m.ArtifactPath != "/out/upgraded.zip" {
		t.Errorf("artifact = %q", m.ArtifactPath)
	}

	if fx.runtime.provisions != 1 || fx.runtime.teardowns != 1 || fx.runtime.dataRemoved != 1 {
		t.Errorf("runtime calls = %+v, want one provision, teardown and data removal", fx.runtime)
	}

	st, err := fx.store.Load()
	if err != nil {
		t.Fatalf("Load state: %v", err)
	}
	if st.Phase != upgrade.PhaseComplete {
		t.Errorf("final phase = %s, want complete", st.Phase)
	}
	if _, err := os.Stat(fx.manifestPath); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	rc := testRunContext("15.0")

	inc := upgrade.Increment{From: "14.0", To: "15.0"}
	fx.steps.failures[inc.String()] = []error{
		stepFailure(inc, upgrade.Transient),
		stepFailure(inc, upgrade.Transient),
	}

	m, err := fx.orch.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(fx.steps.calls); got != 3 {
		t.Errorf("step calls = %d, want 3", got)
	}
	if m.Increments[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", m.Increments[0].Attempts)
	}
	if m.RetriesUsed != 2 {
		t.Errorf("retries used = %d, want 2", m.RetriesUsed)
	}
}

func TestTransientBudgetExhausted(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	rc := testRunContext("15.0")
	rc.Options.Retry.RetryCount = 1

	inc := upgrade.Increment{From: "14.0", To: "15.0"}
	fx.steps.failures[inc.String()] = []error{
		stepFailure(inc, upgrade.Transient),
		stepFailure(inc, upgrade.Transient),
		stepFailure(inc, upgrade.Transient),
	}

	m, err := fx.orch.Run(context.Background(), rc)
	if err == nil {
		t.Fatal("expected run failure")
	}
	if got := len(fx.steps.calls); got != 2 {
		t.Errorf("step calls = %d, want retry_count+1 = 2", got)
	}
	if m.Status != "failed" {
		t.Errorf("status = %q, want failed", m.Status)
	}
	if fx.runtime.teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", fx.runtime.teardowns)
	}
	// The data volume survives failure so the run can resume.
	if fx.runtime.dataRemoved != 0 {
		t.Errorf("data removed %d times on failure, want 0", fx.runtime.dataRemoved)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	rc := testRunContext("15.0")

	inc := upgrade.Increment{From: "14.0", To: "15.0"}
	fx.steps.failures[inc.String()] = []error{
		stepFailure(inc, upgrade.Permanent),
	}

	m, err := fx.orch.Run(context.Background(), rc)
	if err == nil {
		t.Fatal("expected run failure")
	}
	if got := len(fx.steps.calls); got != 1 {
		t.Errorf("step calls = %d, want 1 (no retries for permanent failures)", got)
	}
	if m.Increments[0].Outcome != "failed" {
		t.Errorf("increment outcome = %q, want failed", m.Increments[0].Outcome)
	}
}

func TestResumeSkipsCompletedIncrements(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	rc := testRunContext("16.0")

	// First run fails permanently on the second increment.
	inc2 := upgrade.Increment{From: "15.0", To: "16.0"}
	fx.steps.failures[inc2.String()] = []error{stepFailure(inc2, upgrade.Permanent)}

	if _, err := fx.orch.Run(context.Background(), rc); err == nil {
		t.Fatal("expected first run to fail")
	}
	firstCalls := len(fx.steps.calls)

	// The resumed run picks up at the failed increment only.
	fx.steps.failures = map[string][]error{}
	rc2 := testRunContext("16.0")

	m, err := fx.orch.Run(context.Background(), rc2)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}

	resumedCalls := fx.steps.calls[firstCalls:]
	if len(resumedCalls) != 1 || resumedCalls[0] != "15.0->16.0" {
		t.Fatalf("resumed step calls = %v, want only 15.0->16.0", resumedCalls)
	}
	if m.Status != "success" {
		t.Errorf("status = %q, want success", m.Status)
	}
	if rc2.RunID != rc.RunID {
		t.Errorf("resumed run did not reuse the original run identity")
	}
}

func TestResumeCompletedRunReEmitsManifest(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	rc := testRunContext("15.0")

	if _, err := fx.orch.Run(context.Background(), rc); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := os.Remove(fx.manifestPath); err != nil {
		t.Fatal(err)
	}
	provisionsBefore := fx.runtime.provisions

	m, err := fx.orch.Run(context.Background(), testRunContext("15.0"))
	if err != nil {
		t.Fatalf("re-run of completed run: %v", err)
	}
	if m.Status != "success" {
		t.Errorf("status = %q, want success", m.Status)
	}
	if fx.runtime.provisions != provisionsBefore {
		t.Error("completed run re-provisioned infrastructure")
	}
	if _, err := os.Stat(fx.manifestPath); err != nil {
		t.Errorf("manifest not re-emitted: %v", err)
	}
}

func TestCorruptStateAbortsBeforeProvisioning(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	if err := os.WriteFile(fx.store.Path(), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := fx.orch.Run(context.Background(), testRunContext("15.0"))
	if !errors.Is(err, upgrade.ErrStateCorrupt) {
		t.Fatalf("error = %v, want ErrStateCorrupt", err)
	}
	if fx.runtime.provisions != 0 {
		t.Error("provisioning happened despite corrupt state")
	}
	if _, err := os.Stat(fx.manifestPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("manifest written despite corrupt state")
	}
}

func TestResumeWithChangedInputsRejected(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	rc := testRunContext("16.0")
	inc := upgrade.Increment{From: "14.0", To: "15.0"}
	fx.steps.failures[inc.String()] = []error{stepFailure(inc, upgrade.Permanent)}

	if _, err := fx.orch.Run(context.Background(), rc); err == nil {
		t.Fatal("expected first run to fail")
	}

	changed := testRunContext("17.0")
	_, err := fx.orch.Run(context.Background(), changed)
	if !errors.Is(err, upgrade.ErrInputInvalid) {
		t.Fatalf("error = %v, want ErrInputInvalid", err)
	}
}

func TestValidationFailureSkipsProvisioning(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	fx.inputs.validateErr = fmt.Errorf("%w: no such file", upgrade.ErrInputInvalid)

	_, err := fx.orch.Run(context.Background(), testRunContext("15.0"))
	if !errors.Is(err, upgrade.ErrInputInvalid) {
		t.Fatalf("error = %v, want ErrInputInvalid", err)
	}
	if fx.runtime.provisions != 0 {
		t.Error("provisioning happened despite validation failure")
	}
}

func TestStrictAuditAbortsWhenAuditFails(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	auditor := &fakeAuditor{err: errors.New("upstream index unreachable")}
	fx.orch.auditor = auditor

	rc := testRunContext("15.0")
	rc.Options.StrictAudit = true

	_, err := fx.orch.Run(context.Background(), rc)
	if err == nil {
		t.Fatal("run succeeded despite failed audit under strict mode")
	}
	if auditor.calls != 1 {
		t.Errorf("audit calls = %d, want 1", auditor.calls)
	}
	if len(fx.steps.calls) != 0 {
		t.Errorf("increments executed after failed strict audit: %v", fx.steps.calls)
	}
}

func TestStrictAuditAbortsOnMissingModules(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	fx.orch.auditor = &fakeAuditor{
		summary: &upgrade.AuditSummary{CheckedModules: 2, MissingModules: []string{"custom_crm"}},
	}

	rc := testRunContext("15.0")
	rc.Options.StrictAudit = true

	_, err := fx.orch.Run(context.Background(), rc)
	if !errors.Is(err, upgrade.ErrInputInvalid) {
		t.Fatalf("error = %v, want ErrInputInvalid", err)
	}
	if len(fx.steps.calls) != 0 {
		t.Errorf("increments executed after strict audit found missing modules: %v", fx.steps.calls)
	}
}

func TestInformationalAuditFailureProceeds(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	auditor := &fakeAuditor{err: errors.New("upstream index unreachable")}
	fx.orch.auditor = auditor

	rc := testRunContext("15.0")
	rc.Options.AuditModules = true

	m, err := fx.orch.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Status != "success" {
		t.Errorf("status = %q, want success", m.Status)
	}
	if m.ModuleAudit != nil {
		t.Error("failed audit still reported a summary in the manifest")
	}
}

func TestNoProgressGuard(t *testing.T) {
	fx := newOrchFixture(t, "14.0")
	rc := testRunContext("15.0")

	// The step reports success without moving the version marker.
	fx.steps.db = &fakeDatabase{version: "14.0"}

	_, err := fx.orch.Run(context.Background(), rc)
	if !errors.Is(err, upgrade.ErrNoProgress) {
		t.Fatalf("error = %v, want ErrNoProgress", err)
	}
}

func TestAlreadyAtTarget(t *testing.T) {
	fx := newOrchFixture(t, "16.0")
	rc := testRunContext("16.0")

	m, err := fx.orch.Run(context.Background(), rc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fx.steps.calls) != 0 {
		t.Errorf("step calls = %v, want none", fx.steps.calls)
	}
	if m.Status != "success" {
		t.Errorf("status = %q, want success", m.Status)
	}
}

func TestPlan(t *testing.T) {
	fx := newOrchFixture(t, "14.0")

	plan, err := fx.orch.Plan("14.0", "17.0")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []string{"14.0->15.0", "15.0->16.0", "16.0->17.0"}
	if len(plan) != len(want) {
		t.Fatalf("plan length = %d, want %d", len(plan), len(want))
	}
	for i, inc := range plan {
		if inc.String() != want[i] {
			t.Errorf("plan[%d] = %s, want %s", i, inc, want[i])
		}
	}

	if _, err := fx.orch.Plan("14.0", "nonsense"); !errors.Is(err, upgrade.ErrInputInvalid) {
		t.Errorf("error = %v, want ErrInputInvalid", err)
	}
}
