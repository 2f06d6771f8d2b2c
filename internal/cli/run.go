package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
	"github.com/dbshift/dbshift/internal/service"
	"github.com/dbshift/dbshift/internal/state"
)

type runFlags struct {
	source        string
	targetVersion string
	extraAddons   string
	sourceSHA     string
	addonsSHA     string
	fromVersion   string

	postgresVersion string
	retryCount      int
	allowInsecure   bool
	resume          bool
	dryRun          bool
	auditModules    bool
	strictAudit     bool
}

func newRunCommand(o *rootOptions) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute or resume an upgrade run",
		Long: `Run the full upgrade pipeline: validate and stage inputs, provision an
isolated database container, restore the source, apply one major-version
increment at a time, and package the upgraded database.

State is checkpointed after every phase. A run interrupted or failed
partway can be resumed with --resume; completed increments are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.apply(cmd, o)

			rc, err := o.runContext()
			if err != nil {
				return err
			}
			if rc.Source == "" || rc.TargetVersion == "" {
				return fmt.Errorf("%w: --source and --target-version are required", upgrade.ErrInputInvalid)
			}

			orch := o.orchestrator()

			if o.cfg.Run.DryRun {
				// Dry runs still validate inputs so they fail the way a
				// real run would, just without provisioning anything.
				validator := service.NewValidator(o.log, nil, o.cfg.Run.AllowInsecureHTTP)
				if err := validator.Validate(cmd.Context(), rc); err != nil {
					return err
				}
				return o.printDryRun(orch, rc, f.fromVersion)
			}

			if !o.cfg.Run.Resume {
				if err := o.rejectStaleState(); err != nil {
					return err
				}
			}

			m, runErr := orch.Run(cmd.Context(), rc)
			if m != nil {
				fmt.Fprintf(os.Stdout, "run %s: %s (manifest: %s)\n",
					m.RunID, m.Status, o.resolvePath(o.cfg.Paths.ManifestFile))
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&f.source, "source", "s", "", "database source: local .zip/.dump file or URL")
	cmd.Flags().StringVarP(&f.targetVersion, "target-version", "t", "", "target major version, e.g. 17.0")
	cmd.Flags().StringVar(&f.extraAddons, "extra-addons", "", "custom addons: directory, .zip file or URL")
	cmd.Flags().StringVar(&f.sourceSHA, "source-sha256", "", "expected SHA-256 of a downloaded source")
	cmd.Flags().StringVar(&f.addonsSHA, "addons-sha256", "", "expected SHA-256 of downloaded addons")
	cmd.Flags().StringVar(&f.fromVersion, "from-version", "", "assume this current version for --dry-run planning")
	cmd.Flags().StringVar(&f.postgresVersion, "postgres-version", "", "postgres image tag for the transient instance")
	cmd.Flags().IntVar(&f.retryCount, "retry-count", 0, "retries per increment on transient failure")
	cmd.Flags().BoolVar(&f.allowInsecure, "allow-insecure-http", false, "permit plain HTTP downloads")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "resume from persisted state")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print the planned increments and exit")
	cmd.Flags().BoolVar(&f.auditModules, "audit-modules", false, "audit installed modules before upgrading")
	cmd.Flags().BoolVar(&f.strictAudit, "strict-audit", false, "abort before the first increment when audited modules are missing")

	return cmd
}

// apply overlays changed flags onto the loaded configuration.
func (f *runFlags) apply(cmd *cobra.Command, o *rootOptions) {
	set := func(name string, fn func()) {
		if cmd.Flags().Changed(name) {
			fn()
		}
	}
	set("source", func() { o.cfg.Run.Source = f.source })
	set("target-version", func() { o.cfg.Run.TargetVersion = f.targetVersion })
	set("extra-addons", func() { o.cfg.Run.ExtraAddons = f.extraAddons })
	set("source-sha256", func() { o.cfg.Run.SourceSHA256 = f.sourceSHA })
	set("addons-sha256", func() { o.cfg.Run.ExtraAddonsSHA256 = f.addonsSHA })
	set("postgres-version", func() { o.cfg.Postgres.Version = f.postgresVersion })
	set("retry-count", func() { o.cfg.Retry.Count = f.retryCount })
	set("allow-insecure-http", func() { o.cfg.Run.AllowInsecureHTTP = f.allowInsecure })
	set("resume", func() { o.cfg.Run.Resume = f.resume })
	set("dry-run", func() { o.cfg.Run.DryRun = f.dryRun })
	set("audit-modules", func() { o.cfg.Audit.Enabled = f.auditModules })
	set("strict-audit", func() { o.cfg.Audit.Strict = f.strictAudit })
}

// printDryRun shows the increments a run would execute without touching
// any infrastructure. The starting version comes from persisted state when
// present, otherwise from --from-version.
func (o *rootOptions) printDryRun(orch planSource, rc *upgrade.RunContext, fromVersion string) error {
	from := fromVersion
	if from == "" {
		st, err := state.NewStore(o.resolvePath(o.cfg.Paths.StateFile)).Load()
		if err == nil && st.CurrentVersion != "" {
			from = st.CurrentVersion
		}
	}
	if from == "" {
		return fmt.Errorf("%w: dry run needs --from-version (or existing run state) to plan from", upgrade.ErrInputInvalid)
	}

	plan, err := orch.Plan(from, rc.TargetVersion)
	if err != nil {
		return err
	}
	if len(plan) == 0 {
		fmt.Fprintf(os.Stdout, "nothing to do: %s is already at or beyond %s\n", from, rc.TargetVersion)
		return nil
	}
	fmt.Fprintf(os.Stdout, "planned increments (%s -> %s):\n", from, rc.TargetVersion)
	for i, inc := range plan {
		fmt.Fprintf(os.Stdout, "  %d. %s\n", i+1, inc.String())
	}
	return nil
}

type planSource interface {
	Plan(fromVersion, targetVersion string) ([]upgrade.Increment, error)
}

// rejectStaleState refuses to start a fresh run over leftover state, which
// would otherwise be silently resumed or clobbered.
func (o *rootOptions) rejectStaleState() error {
	store := state.NewStore(o.resolvePath(o.cfg.Paths.StateFile))
	_, err := store.Load()
	switch {
	case errors.Is(err, state.ErrNotFound):
		return nil
	case err != nil:
		// Corrupt state is surfaced as such rather than overwritten.
		return err
	default:
		return fmt.Errorf("%w: state file %s exists; pass --resume to continue that run or remove the file",
			upgrade.ErrInputInvalid, store.Path())
	}
}
