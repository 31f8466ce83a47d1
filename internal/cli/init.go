package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/druarnfield/blobload/internal/scaffold"
)

func newInitCmd() *cobra.Command {
	var (
		dir    string
		source string
	)

	cmd := &cobra.Command{
		Use:   "init <watch>",
		Short: "Scaffold a blobload.toml with one watch",
		Long:  "Create blobload.toml and secrets.toml with a single watch of the chosen source type.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := scaffold.Create(dir, name, scaffold.SourceType(source)); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s with %s watch %q in %s\n", scaffold.ConfigFile, source, name, dir)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintf(out, "  1. Fill in the credentials in %s\n", scaffold.SecretsFile)
			fmt.Fprintln(out, "  2. Run `blobload validate` to check your configuration")
			fmt.Fprintln(out, "  3. Run `blobload serve`")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory to write the files into")
	cmd.Flags().StringVar(&source, "type", string(scaffold.TypeFTP), "source type: ftp, sqs or kafka")
	return cmd
}
