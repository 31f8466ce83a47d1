package config

import (
	"fmt"
	"path"
	"regexp"

	"github.com/robfig/cron/v3"

	"github.com/druarnfield/blobload/internal/loader"
)

// ValidationError represents a single validation problem.
type ValidationError struct {
	Watch   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Watch != "" {
		return fmt.Sprintf("watch %q: %s", e.Watch, e.Message)
	}
	return e.Message
}

var validWatchName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var validOnFailure = map[string]bool{
	OnFailureAbsorb: true,
	OnFailureRetry:  true,
}

// Validate checks a Config for errors and returns all of them.
func Validate(cfg *Config) []*ValidationError {
	var errs []*ValidationError

	procedure := cfg.Database.Procedure
	if procedure == "" {
		procedure = loader.DefaultProcedure
	}
	parameter := cfg.Database.Parameter
	if parameter == "" {
		parameter = loader.DefaultParameter
	}
	if err := loader.ValidateNames(procedure, parameter); err != nil {
		errs = append(errs, &ValidationError{Message: "database: " + err.Error()})
	}
	if cfg.Database.CommandTimeout.Duration < 0 {
		errs = append(errs, &ValidationError{Message: "database.command_timeout must not be negative"})
	}

	if !validOnFailure[cfg.Handler.OnFailure] {
		errs = append(errs, &ValidationError{
			Message: fmt.Sprintf("invalid handler.on_failure value %q (must be absorb or retry)", cfg.Handler.OnFailure),
		})
	}
	if cfg.Handler.MaxConcurrent < 0 {
		errs = append(errs, &ValidationError{Message: "handler.max_concurrent must not be negative"})
	}

	if cfg.Secrets.Identity != "" && cfg.Secrets.File == "" {
		errs = append(errs, &ValidationError{Message: "secrets.identity is set but secrets.file is not"})
	}

	names := make(map[string]bool, len(cfg.Watches))
	for i := range cfg.Watches {
		w := &cfg.Watches[i]
		name := w.Name
		if name == "" {
			errs = append(errs, &ValidationError{Message: fmt.Sprintf("watch #%d: name is required", i+1)})
			name = fmt.Sprintf("#%d", i+1)
		} else if !validWatchName.MatchString(name) {
			errs = append(errs, &ValidationError{Watch: name, Message: "name must match [a-z][a-z0-9_]*"})
		}
		if names[name] {
			errs = append(errs, &ValidationError{Watch: name, Message: "duplicate watch name"})
		}
		names[name] = true

		sources := 0
		for _, set := range []bool{w.FTP != nil, w.SQS != nil, w.Kafka != nil} {
			if set {
				sources++
			}
		}
		if sources != 1 {
			errs = append(errs, &ValidationError{Watch: name, Message: "exactly one of ftp, sqs or kafka must be configured"})
			continue
		}

		switch {
		case w.FTP != nil:
			errs = append(errs, validateFTP(w.FTP, name)...)
		case w.SQS != nil:
			errs = append(errs, validateSQS(w.SQS, name)...)
		case w.Kafka != nil:
			errs = append(errs, validateKafka(w.Kafka, name)...)
		}
	}

	return errs
}

func validateFTP(fw *FTPWatchConfig, watch string) []*ValidationError {
	var errs []*ValidationError

	if fw.Secret == "" {
		if fw.Host == "" {
			errs = append(errs, &ValidationError{Watch: watch, Message: "ftp.host is required (or set ftp.secret)"})
		}
		if fw.User == "" {
			errs = append(errs, &ValidationError{Watch: watch, Message: "ftp.user is required (or set ftp.secret)"})
		}
		if fw.PasswordSecret == "" {
			errs = append(errs, &ValidationError{Watch: watch, Message: "ftp.password_secret is required (or set ftp.secret)"})
		}
	}
	if fw.Directory == "" {
		errs = append(errs, &ValidationError{Watch: watch, Message: "ftp.directory is required"})
	}
	if fw.Pattern == "" {
		errs = append(errs, &ValidationError{Watch: watch, Message: "ftp.pattern is required"})
	} else if _, err := path.Match(fw.Pattern, ""); err != nil {
		errs = append(errs, &ValidationError{Watch: watch, Message: fmt.Sprintf("invalid ftp.pattern %q: %s", fw.Pattern, err)})
	}
	if fw.Schedule != "" {
		if _, err := cron.ParseStandard(fw.Schedule); err != nil {
			errs = append(errs, &ValidationError{Watch: watch, Message: fmt.Sprintf("invalid ftp.schedule %q: %s", fw.Schedule, err)})
		}
	}
	if fw.PollInterval.Duration < 0 {
		errs = append(errs, &ValidationError{Watch: watch, Message: "ftp.poll_interval must not be negative"})
	}
	if fw.StableSeconds < 0 {
		errs = append(errs, &ValidationError{Watch: watch, Message: "ftp.stable_seconds must not be negative"})
	}

	return errs
}

func validateSQS(sw *SQSWatchConfig, watch string) []*ValidationError {
	var errs []*ValidationError

	if sw.QueueURL == "" {
		errs = append(errs, &ValidationError{Watch: watch, Message: "sqs.queue_url is required"})
	}
	if sw.WaitTimeSeconds < 0 || sw.WaitTimeSeconds > 20 {
		errs = append(errs, &ValidationError{Watch: watch, Message: "sqs.wait_time_seconds must be between 0 and 20"})
	}
	if sw.MaxMessages < 1 || sw.MaxMessages > 10 {
		errs = append(errs, &ValidationError{Watch: watch, Message: "sqs.max_messages must be between 1 and 10"})
	}
	if sw.VisibilityTimeout < 0 {
		errs = append(errs, &ValidationError{Watch: watch, Message: "sqs.visibility_timeout must not be negative"})
	}
	if sw.ArchivePrefix != "" && sw.ArchivePrefix == sw.Prefix {
		errs = append(errs, &ValidationError{Watch: watch, Message: "sqs.archive_prefix must differ from sqs.prefix"})
	}

	return errs
}

func validateKafka(kw *KafkaWatchConfig, watch string) []*ValidationError {
	var errs []*ValidationError

	if len(kw.Brokers) == 0 {
		errs = append(errs, &ValidationError{Watch: watch, Message: "kafka.brokers is required"})
	}
	if kw.Topic == "" {
		errs = append(errs, &ValidationError{Watch: watch, Message: "kafka.topic is required"})
	}
	if kw.ArchivePrefix != "" && kw.ArchivePrefix == kw.Prefix {
		errs = append(errs, &ValidationError{Watch: watch, Message: "kafka.archive_prefix must differ from kafka.prefix"})
	}

	return errs
}
