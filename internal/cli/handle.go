package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/druarnfield/blobload/internal/config"
	"github.com/druarnfield/blobload/internal/handler"
	"github.com/druarnfield/blobload/internal/trigger"
)

func newHandleCmd() *cobra.Command {
	var (
		size  int64
		file  string
		watch string
	)

	cmd := &cobra.Command{
		Use:   "handle <blob-name>",
		Short: "Run the handler once for a blob name",
		Long: "Invoke the blob handler for one object name, as a trigger would. " +
			"Use --file to measure the length from a local copy, or --size to state it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}

			var connKey string
			if watch != "" {
				w := findWatch(rt.cfg, watch)
				if w == nil {
					return fmt.Errorf("watch %q not found in %s", watch, rt.cfg.Path())
				}
				connKey = w.Connection
			}
			connStr, err := rt.cfg.ConnString(watch, connKey, rt.resolver())
			if err != nil {
				return fmt.Errorf("resolving connection string: %w", err)
			}

			obj := handler.Object{Name: args[0], Size: size}
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				if !cmd.Flags().Changed("size") {
					obj.Size = -1
					obj.Body = f
				}
			}

			var opts []handler.Option
			if openDB != nil {
				opts = append(opts, handler.WithOpener(openDB))
			}
			h := handler.New(handler.Config{
				ConnStr:        connStr,
				Procedure:      rt.cfg.Database.Procedure,
				Parameter:      rt.cfg.Database.Parameter,
				Suffix:         rt.cfg.Handler.Suffix,
				CommandTimeout: rt.cfg.Database.CommandTimeout.Duration,
			}, rt.logger, opts...)

			res, err := h.Handle(cmd.Context(), obj)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", res.Object, res.Status, res.Elapsed.Round(time.Millisecond))
			if !trigger.Acknowledge(res, rt.cfg.Handler.OnFailure) {
				return fmt.Errorf("loading %q failed: %w", res.Object, res.Err)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&size, "size", 0, "blob length in bytes, for the receipt log line")
	cmd.Flags().StringVar(&file, "file", "", "local copy of the blob, read to measure its length")
	cmd.Flags().StringVar(&watch, "watch", "", "resolve the connection string as this watch would")
	return cmd
}

func findWatch(cfg *config.Config, name string) *config.WatchConfig {
	for i := range cfg.Watches {
		if cfg.Watches[i].Name == name {
			return &cfg.Watches[i]
		}
	}
	return nil
}
