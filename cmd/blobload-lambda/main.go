package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/go-kit/log"

	"github.com/druarnfield/blobload/internal/config"
	"github.com/druarnfield/blobload/internal/handler"
	"github.com/druarnfield/blobload/internal/logging"
	"github.com/druarnfield/blobload/internal/secrets"
	"github.com/druarnfield/blobload/internal/trigger"
)

func main() {
	var (
		configPath = os.Getenv("BLOBLOAD_CONFIG")
		bucket     = os.Getenv("BLOBLOAD_BUCKET")
		prefix     = os.Getenv("BLOBLOAD_PREFIX")
	)

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			panic(err)
		}
	}

	logger, err := logging.New(os.Stdout, logging.Options{
		Level:  logging.SelectLevel("", cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	if err != nil {
		panic(err)
	}

	store, err := secrets.Load(cfg.Secrets.File, cfg.Secrets.Identity)
	if err != nil {
		panic(fmt.Errorf("loading secrets: %w", err))
	}
	var resolver config.SecretsResolver
	if store != nil {
		resolver = store
	}
	connStr, err := cfg.ConnString("lambda", "", resolver)
	if err != nil {
		panic(fmt.Errorf("resolving connection string: %w", err))
	}

	hcfg := handler.Config{
		ConnStr:        connStr,
		Procedure:      cfg.Database.Procedure,
		Parameter:      cfg.Database.Parameter,
		Suffix:         cfg.Handler.Suffix,
		CommandTimeout: cfg.Database.CommandTimeout.Duration,
	}

	// Start up lambda handler
	lambda.Start(func(ctx context.Context, event events.S3Event) (*Response, error) {
		lc, _ := lambdacontext.FromContext(ctx)
		requestLogger := logger
		if lc != nil {
			requestLogger = log.With(logger, "request_id", lc.AwsRequestID)
		}
		h := lambdaHandler{
			h:         handler.New(hcfg, requestLogger),
			filter:    trigger.S3Filter{Bucket: bucket, Prefix: prefix},
			onFailure: cfg.Handler.OnFailure,
		}
		return h.handle(ctx, event)
	})
}
