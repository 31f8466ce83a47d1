package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/go-kit/log"
	"github.com/spf13/cobra"

	"github.com/druarnfield/blobload/internal/config"
	"github.com/druarnfield/blobload/internal/loader"
	"github.com/druarnfield/blobload/internal/logging"
	"github.com/druarnfield/blobload/internal/secrets"
)

// DefaultConfigFile is read when --config is not given.
const DefaultConfigFile = "blobload.toml"

var (
	configPath   string
	logLevel     string
	secretsPath  string
	identityPath string

	// openDB replaces sql.Open in the handler when set (tests).
	openDB loader.Opener
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "blobload",
		Short: "Load newly created CSV blobs into a database",
		Long: "blobload watches storage for newly created CSV objects and hands each object name " +
			"to a bulk-load stored procedure (dbo.BulkLoadFromAzure by default).",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", DefaultConfigFile, "path to blobload.toml")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error, none (overrides config)")
	root.PersistentFlags().StringVar(&secretsPath, "secrets", "", "path to secrets file (overrides config)")
	root.PersistentFlags().StringVar(&identityPath, "identity", "", "age identity file for encrypted secrets (overrides config)")

	root.AddCommand(
		newValidateCmd(),
		newInitCmd(),
		newHandleCmd(),
		newServeCmd(),
	)

	return root
}

// runtime is what every command that touches the database needs.
type runtime struct {
	cfg    *config.Config
	store  *secrets.Store
	logger log.Logger
}

// loadConfig reads --config. A missing default file yields the default
// configuration so `blobload handle` works with only the environment variable.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.Default(), nil
	}
	return nil, err
}

func loadRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if secretsPath != "" {
		cfg.Secrets.File = secretsPath
	}
	if identityPath != "" {
		cfg.Secrets.Identity = identityPath
	}

	logger, err := logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:  logging.SelectLevel(logLevel, cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, err
	}

	store, err := secrets.Load(cfg.Secrets.File, cfg.Secrets.Identity)
	if err != nil {
		return nil, fmt.Errorf("loading secrets: %w", err)
	}

	return &runtime{cfg: cfg, store: store, logger: logger}, nil
}

// resolver returns the store as a config.SecretsResolver, nil when no
// secrets file is configured.
func (rt *runtime) resolver() config.SecretsResolver {
	if rt.store == nil {
		return nil
	}
	return rt.store
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
