package serve

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/druarnfield/blobload/internal/config"
	"github.com/druarnfield/blobload/internal/handler"
	"github.com/druarnfield/blobload/internal/secrets"
	"github.com/druarnfield/blobload/internal/trigger"
)

// Server hosts the triggers of every watch and runs the handler for each
// object they deliver.
type Server struct {
	cfg      *config.Config
	handlers map[string]*handler.Handler
	triggers []trigger.Trigger
	eventCh  chan trigger.Event
	sem      chan struct{} // nil = unbounded
	logger   log.Logger
}

// NewServer validates cfg, builds one handler per watch with its resolved
// connection string, and registers one trigger per watch.
func NewServer(ctx context.Context, cfg *config.Config, store *secrets.Store, logger log.Logger, opts ...handler.Option) (*Server, error) {
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	if len(cfg.Watches) == 0 {
		return nil, fmt.Errorf("no watches configured (add at least one [[watch]] to %s)", cfg.Path())
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	// A nil *secrets.Store must not become a non-nil interface
	var resolver trigger.SecretsResolver
	if store != nil {
		resolver = store
	}

	s := &Server{
		cfg:      cfg,
		handlers: make(map[string]*handler.Handler, len(cfg.Watches)),
		eventCh:  make(chan trigger.Event, 64),
		logger:   logger,
	}
	if cfg.Handler.MaxConcurrent > 0 {
		s.sem = make(chan struct{}, cfg.Handler.MaxConcurrent)
	}

	for i := range cfg.Watches {
		w := &cfg.Watches[i]

		connStr, err := cfg.ConnString(w.Name, w.Connection, resolver)
		if err != nil {
			return nil, fmt.Errorf("watch %q: resolving connection string: %w", w.Name, err)
		}
		if connStr == "" {
			level.Warn(logger).Log("msg", "no connection string configured; csv blobs will fail", "watch", w.Name)
		}
		s.handlers[w.Name] = handler.New(handler.Config{
			ConnStr:        connStr,
			Procedure:      cfg.Database.Procedure,
			Parameter:      cfg.Database.Parameter,
			Suffix:         cfg.Handler.Suffix,
			CommandTimeout: cfg.Database.CommandTimeout.Duration,
		}, log.With(logger, "watch", w.Name), opts...)

		trig, err := newTrigger(ctx, cfg, w, resolver, logger)
		if err != nil {
			return nil, fmt.Errorf("watch %q: %w", w.Name, err)
		}
		s.triggers = append(s.triggers, trig)
	}

	return s, nil
}

func newTrigger(ctx context.Context, cfg *config.Config, w *config.WatchConfig, resolver trigger.SecretsResolver, logger log.Logger) (trigger.Trigger, error) {
	onFailure := cfg.Handler.OnFailure
	switch w.Type() {
	case "ftp":
		return trigger.NewFTPWatchTrigger(w.Name, w.FTP, onFailure, resolver, logger)
	case "sqs":
		return trigger.NewSQSTrigger(ctx, w.Name, w.SQS, onFailure, logger)
	case "kafka":
		return trigger.NewKafkaTrigger(ctx, w.Name, w.Kafka, onFailure, logger)
	default:
		return nil, fmt.Errorf("no trigger source configured")
	}
}

// Start launches all triggers and processes events until the context is
// cancelled, then waits for triggers and in-flight invocations to finish.
func (s *Server) Start(ctx context.Context) error {
	level.Info(s.logger).Log("msg", "blobload serve starting", "triggers", len(s.triggers))
	for _, t := range s.triggers {
		level.Info(s.logger).Log("msg", "registered trigger", "trigger", t.Name())
	}

	// Launch triggers
	triggerCtx, triggerCancel := context.WithCancel(ctx)
	defer triggerCancel()

	var triggerWg sync.WaitGroup
	for _, t := range s.triggers {
		triggerWg.Add(1)
		go func(trig trigger.Trigger) {
			defer triggerWg.Done()
			if err := trig.Start(triggerCtx, s.eventCh); err != nil {
				level.Error(s.logger).Log("msg", "trigger stopped", "trigger", trig.Name(), "err", err)
			}
		}(t)
	}

	// Process events
	var runWg sync.WaitGroup
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-s.eventCh:
				s.handleEvent(ctx, ev, &runWg)
			}
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	level.Info(s.logger).Log("msg", "blobload serve shutting down")

	// Cancel triggers and wait
	triggerCancel()
	triggerWg.Wait()
	<-dispatchDone

	// Wait for in-flight invocations to finish
	runWg.Wait()
	level.Info(s.logger).Log("msg", "blobload serve stopped")
	return nil
}

// handleEvent runs the watch's handler for one event in its own goroutine.
// Blocks while max_concurrent invocations are running.
func (s *Server) handleEvent(ctx context.Context, ev trigger.Event, wg *sync.WaitGroup) {
	h, ok := s.handlers[ev.Watch]
	if !ok {
		level.Warn(s.logger).Log("msg", "event for unknown watch, skipping", "watch", ev.Watch, "blob", ev.Object.Name)
		return
	}

	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			// Not completed: the source redelivers it
			return
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if s.sem != nil {
			defer func() { <-s.sem }()
		}

		// In-flight loads run to completion on shutdown, bounded by the command timeout
		runCtx := context.WithoutCancel(ctx)

		res, err := h.Handle(runCtx, ev.Object)
		if err != nil {
			level.Error(s.logger).Log("msg", "invocation failed", "watch", ev.Watch, "source", ev.Source, "blob", ev.Object.Name, "err", err)
			res.Object = ev.Object.Name
			res.Status = handler.StatusError
			res.Err = err
		}
		level.Debug(s.logger).Log("msg", "invocation complete", "watch", ev.Watch, "source", ev.Source, "blob", res.Object, "status", res.Status, "elapsed", res.Elapsed)

		if err := ev.Complete(runCtx, res); err != nil {
			level.Error(s.logger).Log("msg", "completing event failed", "watch", ev.Watch, "blob", ev.Object.Name, "err", err)
		}
	}()
}
