package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/druarnfield/blobload/internal/handler"
	"github.com/druarnfield/blobload/internal/serve"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every configured watch until interrupted",
		Long:  "Start the trigger of each [[watch]] in blobload.toml and load qualifying blobs as they arrive.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []handler.Option
			if openDB != nil {
				opts = append(opts, handler.WithOpener(openDB))
			}
			srv, err := serve.NewServer(ctx, rt.cfg, rt.store, rt.logger, opts...)
			if err != nil {
				return err
			}
			return srv.Start(ctx)
		},
	}
}
