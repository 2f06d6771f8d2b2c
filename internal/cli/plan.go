package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

func newPlanCommand(o *rootOptions) *cobra.Command {
	var fromVersion, targetVersion string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the increments an upgrade would execute",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if targetVersion == "" {
				targetVersion = o.cfg.Run.TargetVersion
			}
			if fromVersion == "" || targetVersion == "" {
				return fmt.Errorf("%w: --from-version and --target-version are required", upgrade.ErrInputInvalid)
			}

			from, err := upgrade.ParseVersion(fromVersion)
			if err != nil {
				return fmt.Errorf("%w: from version %q", upgrade.ErrInputInvalid, fromVersion)
			}
			target, err := upgrade.ParseVersion(targetVersion)
			if err != nil {
				return fmt.Errorf("%w: target version %q", upgrade.ErrInputInvalid, targetVersion)
			}

			plan, err := upgrade.Plan(from, target)
			if err != nil {
				return err
			}
			if len(plan) == 0 {
				fmt.Fprintf(os.Stdout, "nothing to do: %s is already at or beyond %s\n", from, target)
				return nil
			}
			for i, inc := range plan {
				fmt.Fprintf(os.Stdout, "%d. %s\n", i+1, inc.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fromVersion, "from-version", "", "version to plan from, e.g. 14.0")
	cmd.Flags().StringVarP(&targetVersion, "target-version", "t", "", "target major version, e.g. 17.0")

	return cmd
}
