package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
	"github.com/dbshift/dbshift/internal/resilience"
	"github.com/dbshift/dbshift/internal/state"
)

// Runtime provisions and tears down the container infrastructure of a run.
type Runtime interface {
	Available(ctx context.Context) error
	Provision(ctx context.Context, rc *upgrade.RunContext) error
	Teardown(ctx context.Context, rc *upgrade.RunContext) error
	RemoveData(ctx context.Context, rc *upgrade.RunContext) error
}

// Database restores, inspects, and packages the target database.
type Database interface {
	Restore(ctx context.Context, rc *upgrade.RunContext) error
	DetectVersion(ctx context.Context, rc *upgrade.RunContext) (string, error)
	Package(ctx context.Context, rc *upgrade.RunContext) (string, error)
}

// StepExecutor runs one version increment against the provisioned database.
type StepExecutor interface {
	Execute(ctx context.Context, rc *upgrade.RunContext, inc upgrade.Increment) (upgrade.StepOutcome, error)
}

// InputValidator checks the run's inputs before anything is provisioned.
type InputValidator interface {
	Validate(ctx context.Context, rc *upgrade.RunContext) error
}

// InputFetcher stages the run's inputs on disk.
type InputFetcher interface {
	Fetch(ctx context.Context, rc *upgrade.RunContext) error
}

// ModuleAuditor checks installed modules against local addons and the
// upstream index.
type ModuleAuditor interface {
	Audit(ctx context.Context, rc *upgrade.RunContext, reportPath string) (*upgrade.AuditSummary, error)
}

// StateStore persists execution state and the final manifest.
type StateStore interface {
	Load() (*upgrade.ExecutionState, error)
	Save(st *upgrade.ExecutionState) error
	WriteManifest(path string, m *upgrade.Manifest) error
}

// Orchestrator drives a run end to end: validate, provision, restore,
// upgrade one major version at a time, package, and report. State is
// persisted after every transition so an interrupted run resumes where it
// stopped.
type Orchestrator struct {
	log       *slog.Logger
	runtime   Runtime
	database  Database
	steps     StepExecutor
	validator InputValidator
	fetcher   InputFetcher
	auditor   ModuleAuditor
	store     StateStore

	manifestPath string
	auditPath    string
	now          func() time.Time
}

// OrchestratorDeps bundles the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Log          *slog.Logger
	Runtime      Runtime
	Database     Database
	Steps        StepExecutor
	Validator    InputValidator
	Fetcher      InputFetcher
	Auditor      ModuleAuditor
	Store        StateStore
	ManifestPath string
	AuditPath    string
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		log:          deps.Log,
		runtime:      deps.Runtime,
		database:     deps.Database,
		steps:        deps.Steps,
		validator:    deps.Validator,
		fetcher:      deps.Fetcher,
		auditor:      deps.Auditor,
		store:        deps.Store,
		manifestPath: deps.ManifestPath,
		auditPath:    deps.AuditPath,
		now:          time.Now,
	}
}

// Run executes or resumes an upgrade. The manifest is written on success
// and on handled failure; corrupt or incompatible state aborts before any
// infrastructure exists and leaves no manifest.
func (o *Orchestrator) Run(ctx context.Context, rc *upgrade.RunContext) (*upgrade.Manifest, error) {
	st, resumed, err := o.loadOrCreateState(rc)
	if err != nil {
		return nil, err
	}

	if resumed && st.Phase == upgrade.PhaseComplete {
		o.log.Info("run already complete, re-emitting manifest", "run_id", st.Run.RunID)
		m := o.buildManifest(st, "success", nil, "")
		m.StartedAt = st.CreatedAt
		m.EndedAt = st.UpdatedAt
		if err := o.store.WriteManifest(o.manifestPath, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	if resumed {
		// Resumed runs reuse the recorded context so container names and
		// credentials match what is already provisioned. Options are not
		// persisted and stay as resolved for this invocation.
		opts := rc.Options
		*rc = st.Run
		rc.Options = opts
		o.log.Info("resuming run",
			"run_id", rc.RunID, "phase", string(st.Phase), "current_version", st.CurrentVersion)
	}

	started := o.now()
	var auditSummary *upgrade.AuditSummary

	runErr := o.execute(ctx, rc, st, &auditSummary)

	// Teardown always runs and never masks the run's own error. The data
	// volume is kept on failure so a resumed run picks up the restored
	// database instead of starting over.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	if terr := o.runtime.Teardown(tctx, rc); terr != nil {
		o.log.Warn("teardown incomplete", "error", terr)
	}
	if runErr == nil {
		if derr := o.runtime.RemoveData(tctx, rc); derr != nil {
			o.log.Warn("data volume removal failed", "error", derr)
		}
	}
	cancel()

	status := "success"
	if runErr != nil {
		status = "failed"
		st.LastError = runErr.Error()
		if serr := o.store.Save(st); serr != nil {
			o.log.Warn("state save failed", "error", serr)
		}
	}

	m := o.buildManifest(st, status, auditSummary, errString(runErr))
	m.StartedAt = started
	m.EndedAt = o.now()
	if werr := o.store.WriteManifest(o.manifestPath, m); werr != nil {
		o.log.Warn("manifest write failed", "error", werr)
	}
	return m, runErr
}

// execute advances the phase machine from wherever the state left off.
func (o *Orchestrator) execute(ctx context.Context, rc *upgrade.RunContext, st *upgrade.ExecutionState, auditOut **upgrade.AuditSummary) error {
	if !st.Phase.Reached(upgrade.PhaseValidated) {
		if err := o.validator.Validate(ctx, rc); err != nil {
			return err
		}
		if err := o.advance(st, rc, upgrade.PhaseValidated); err != nil {
			return err
		}
	}

	if !st.Phase.Reached(upgrade.PhaseDownloaded) {
		if err := o.fetcher.Fetch(ctx, rc); err != nil {
			return err
		}
		if err := o.advance(st, rc, upgrade.PhaseDownloaded); err != nil {
			return err
		}
	}

	if err := o.runtime.Available(ctx); err != nil {
		return err
	}
	if err := o.runtime.Provision(ctx, rc); err != nil {
		return fmt.Errorf("provision runtime: %w", err)
	}

	if !st.Phase.Reached(upgrade.PhaseRestored) {
		if err := o.database.Restore(ctx, rc); err != nil {
			return fmt.Errorf("restore database: %w", err)
		}
		current, err := o.database.DetectVersion(ctx, rc)
		if err != nil {
			return err
		}
		rc.CurrentVersion = current
		st.CurrentVersion = current
		if err := o.advance(st, rc, upgrade.PhaseRestored); err != nil {
			return err
		}
	}

	if o.auditor != nil && (rc.Options.AuditModules || rc.Options.StrictAudit) {
		summary, err := o.auditor.Audit(ctx, rc, o.auditPath)
		if err != nil {
			// An audit that cannot complete gives no missing-module answer,
			// so the strict gate treats it as a failed gate.
			if rc.Options.StrictAudit {
				return fmt.Errorf("module audit failed: %w", err)
			}
			o.log.Warn("module audit failed", "error", err)
		} else {
			*auditOut = summary
			if rc.Options.StrictAudit && len(summary.MissingModules) > 0 {
				return fmt.Errorf("%w: %d modules unavailable for %s: %v",
					upgrade.ErrInputInvalid, len(summary.MissingModules),
					rc.TargetVersion, summary.MissingModules)
			}
		}
	}

	if err := o.runIncrements(ctx, rc, st); err != nil {
		return err
	}

	if !st.Phase.Reached(upgrade.PhasePackaged) {
		artifact, err := o.database.Package(ctx, rc)
		if err != nil {
			return err
		}
		st.ArtifactPath = artifact
		if err := o.advance(st, rc, upgrade.PhasePackaged); err != nil {
			return err
		}
	}

	return o.advance(st, rc, upgrade.PhaseComplete)
}

// runIncrements walks the version plan, skipping increments a previous run
// already completed and retrying transient failures per the run's policy.
func (o *Orchestrator) runIncrements(ctx context.Context, rc *upgrade.RunContext, st *upgrade.ExecutionState) error {
	current := st.CurrentVersion
	if current == "" {
		return fmt.Errorf("%w: no current version recorded before upgrade phase", upgrade.ErrStateCorrupt)
	}

	from, err := upgrade.ParseVersion(current)
	if err != nil {
		return fmt.Errorf("%w: current version %q", upgrade.ErrStateCorrupt, current)
	}
	target, err := upgrade.ParseVersion(rc.TargetVersion)
	if err != nil {
		return fmt.Errorf("%w: target version %q", upgrade.ErrInputInvalid, rc.TargetVersion)
	}

	plan, err := upgrade.Plan(from, target)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		o.log.Info("database already at or beyond target", "current", current, "target", rc.TargetVersion)
		return o.advance(st, rc, upgrade.PhaseUpgrading)
	}

	if err := o.advance(st, rc, upgrade.PhaseUpgrading); err != nil {
		return err
	}

	retrier := &resilience.Retrier{
		MaxAttempts: rc.Options.Retry.MaxAttempts(),
		Backoff:     rc.Options.Retry.Backoff,
	}

	for _, inc := range plan {
		if st.IncrementDone(inc) {
			o.log.Info("increment already complete, skipping", "increment", inc.String())
			continue
		}

		st.Current = &inc
		if err := o.store.Save(st); err != nil {
			return err
		}

		start := o.now()
		attempts, err := retrier.Do(ctx, upgrade.IsTransient, func(ctx context.Context) error {
			_, stepErr := o.steps.Execute(ctx, rc, inc)
			return stepErr
		})
		record := upgrade.IncrementRecord{
			From:      inc.From,
			To:        inc.To,
			DurationS: o.now().Sub(start).Seconds(),
			Attempts:  attempts,
		}

		if err != nil {
			record.Outcome = "failed"
			st.Increments = append(st.Increments, record)
			st.LastError = err.Error()
			if serr := o.store.Save(st); serr != nil {
				o.log.Warn("state save failed", "error", serr)
			}
			return err
		}

		// Confirm the engine actually moved the database forward. An
		// engine that exits zero without migrating would otherwise loop
		// forever across resumed runs.
		detected, derr := o.database.DetectVersion(ctx, rc)
		if derr != nil {
			return derr
		}
		if detected != inc.To {
			return fmt.Errorf("%w: increment %s reported success but database is at %s",
				upgrade.ErrNoProgress, inc.String(), detected)
		}

		record.Outcome = "success"
		st.Increments = append(st.Increments, record)
		st.MarkIncrementDone(inc)
		rc.CurrentVersion = inc.To
		if err := o.store.Save(st); err != nil {
			return err
		}
		o.log.Info("increment done", "increment", inc.String(), "attempts", attempts)
	}

	return nil
}

// Plan returns the increments a run from the given version would execute,
// without touching any infrastructure.
func (o *Orchestrator) Plan(fromVersion, targetVersion string) ([]upgrade.Increment, error) {
	from, err := upgrade.ParseVersion(fromVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: from version %q", upgrade.ErrInputInvalid, fromVersion)
	}
	target, err := upgrade.ParseVersion(targetVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: target version %q", upgrade.ErrInputInvalid, targetVersion)
	}
	return upgrade.Plan(from, target)
}

// AuditOnly runs the preflight audit: inputs are validated and staged, the
// database restored, modules audited, and everything torn down again. No
// increment runs.
func (o *Orchestrator) AuditOnly(ctx context.Context, rc *upgrade.RunContext) (*upgrade.AuditSummary, error) {
	if err := o.validator.Validate(ctx, rc); err != nil {
		return nil, err
	}
	if err := o.fetcher.Fetch(ctx, rc); err != nil {
		return nil, err
	}
	if err := o.runtime.Available(ctx); err != nil {
		return nil, err
	}
	if err := o.runtime.Provision(ctx, rc); err != nil {
		return nil, fmt.Errorf("provision runtime: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if terr := o.runtime.Teardown(tctx, rc); terr != nil {
			o.log.Warn("teardown incomplete", "error", terr)
		}
		if derr := o.runtime.RemoveData(tctx, rc); derr != nil {
			o.log.Warn("data volume removal failed", "error", derr)
		}
	}()

	if err := o.database.Restore(ctx, rc); err != nil {
		return nil, fmt.Errorf("restore database: %w", err)
	}
	current, err := o.database.DetectVersion(ctx, rc)
	if err != nil {
		return nil, err
	}
	rc.CurrentVersion = current

	return o.auditor.Audit(ctx, rc, o.auditPath)
}

// loadOrCreateState loads persisted state when present and compatible with
// the requested inputs, otherwise starts fresh. Corrupt state aborts before
// any provisioning happens.
func (o *Orchestrator) loadOrCreateState(rc *upgrade.RunContext) (*upgrade.ExecutionState, bool, error) {
	st, err := o.store.Load()
	switch {
	case errors.Is(err, state.ErrNotFound):
		fresh := upgrade.NewExecutionState(rc.Meta(), *rc)
		if serr := o.store.Save(fresh); serr != nil {
			return nil, false, serr
		}
		return fresh, false, nil
	case err != nil:
		return nil, false, err
	}

	if err := st.CheckResume(rc.Meta()); err != nil {
		return nil, false, err
	}
	return st, true, nil
}

func (o *Orchestrator) advance(st *upgrade.ExecutionState, rc *upgrade.RunContext, p upgrade.Phase) error {
	if err := st.Advance(p); err != nil {
		return err
	}
	st.Run = *rc
	return o.store.Save(st)
}

func (o *Orchestrator) buildManifest(st *upgrade.ExecutionState, status string, audit *upgrade.AuditSummary, errMsg string) *upgrade.Manifest {
	retries := 0
	for _, rec := range st.Increments {
		if rec.Attempts > 1 {
			retries += rec.Attempts - 1
		}
	}
	return &upgrade.Manifest{
		RunID:        st.Run.RunID,
		Status:       status,
		Source:       st.Metadata.Source,
		TargetVer:    st.Metadata.TargetVersion,
		Increments:   st.Increments,
		RetriesUsed:  retries,
		ArtifactPath: st.ArtifactPath,
		ModuleAudit:  audit,
		Error:        errMsg,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
