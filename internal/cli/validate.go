package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/druarnfield/blobload/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long:  "Parse blobload.toml, check every watch, and confirm each watch has a database connection string.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}

			errs := config.Validate(rt.cfg)
			var problems []string
			for _, e := range errs {
				problems = append(problems, e.Error())
			}
			for _, w := range rt.cfg.Watches {
				connStr, err := rt.cfg.ConnString(w.Name, w.Connection, rt.resolver())
				if err != nil {
					problems = append(problems, fmt.Sprintf("watch %q: %s", w.Name, err))
				} else if connStr == "" {
					problems = append(problems, fmt.Sprintf("watch %q: no connection string (set database.connection or $%s)", w.Name, rt.cfg.Database.ConnectionEnv))
				}
			}

			out := cmd.OutOrStdout()
			if len(problems) == 0 {
				fmt.Fprintf(out, "Configuration valid: %d watch(es).\n", len(rt.cfg.Watches))
				return nil
			}

			for _, p := range problems {
				fmt.Fprintf(cmd.ErrOrStderr(), "ERROR: %s\n", p)
			}
			return fmt.Errorf("validation found %d error(s)", len(problems))
		},
	}
}
