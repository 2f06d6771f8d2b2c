package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

func newAuditCommand(o *rootOptions) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit installed modules against local addons and the upstream index",
		Long: `Restore the source database into a transient container, list its
installed third-party modules, and check each one for a migration path:
either carried in the supplied addons or published upstream for the
target version. Everything is torn down afterwards; no upgrade runs.`,
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

			summary, err := o.orchestrator().AuditOnly(cmd.Context(), rc)
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "installed: %d, checked: %d, missing: %d\n",
				summary.InstalledModules, summary.CheckedModules, len(summary.MissingModules))
			for _, name := range summary.MissingModules {
				fmt.Fprintf(os.Stdout, "  missing: %s\n", name)
			}
			fmt.Fprintf(os.Stdout, "report: %s\n", summary.ReportPath)

			if o.cfg.Audit.Strict && len(summary.MissingModules) > 0 {
				return fmt.Errorf("%w: %d modules have no migration path to %s",
					upgrade.ErrInputInvalid, len(summary.MissingModules), rc.TargetVersion)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.source, "source", "s", "", "database source: local .zip/.dump file or URL")
	cmd.Flags().StringVarP(&f.targetVersion, "target-version", "t", "", "target major version, e.g. 17.0")
	cmd.Flags().StringVar(&f.extraAddons, "extra-addons", "", "custom addons: directory, .zip file or URL")
	cmd.Flags().StringVar(&f.sourceSHA, "source-sha256", "", "expected SHA-256 of a downloaded source")
	cmd.Flags().StringVar(&f.addonsSHA, "addons-sha256", "", "expected SHA-256 of downloaded addons")
	cmd.Flags().StringVar(&f.postgresVersion, "postgres-version", "", "postgres image tag for the transient instance")
	cmd.Flags().BoolVar(&f.allowInsecure, "allow-insecure-http", false, "permit plain HTTP downloads")
	cmd.Flags().BoolVar(&f.strictAudit, "strict-audit", false, "exit non-zero when modules are missing")

	return cmd
}
