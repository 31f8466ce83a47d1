package trigger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/robfig/cron/v3"

	"github.com/druarnfield/blobload/internal/config"
	blobftp "github.com/druarnfield/blobload/internal/ftp"
	"github.com/druarnfield/blobload/internal/handler"
)

// SecretsResolver resolves secrets by watch scope.
type SecretsResolver interface {
	Resolve(scope, key string) (string, error)
	ResolveField(scope, secret, field string) (string, error)
}

// ftpConn is the part of the FTP client the watch uses.
type ftpConn interface {
	List(dir, pattern string) ([]blobftp.FileInfo, error)
	Archive(dir, name, archiveDir string) error
	Close() error
}

// FTPDialer opens an FTP session.
type FTPDialer func(ctx context.Context, opts blobftp.Options) (ftpConn, error)

func dialFTP(ctx context.Context, opts blobftp.Options) (ftpConn, error) {
	return blobftp.Connect(ctx, opts)
}

const defaultPollInterval = 30 * time.Second

// fileState tracks a file's stability during polling.
type fileState struct {
	Size      int64
	FirstSeen time.Time
}

// FTPWatchTrigger polls an FTP server for stable files matching a pattern.
type FTPWatchTrigger struct {
	watch     string
	cfg       *config.FTPWatchConfig
	onFailure string
	secrets   SecretsResolver
	logger    log.Logger
	dial      FTPDialer

	tracking map[string]fileState

	mu      sync.Mutex
	emitted map[string]int64 // name -> size at emission
}

// NewFTPWatchTrigger creates an FTP watch trigger.
func NewFTPWatchTrigger(watch string, cfg *config.FTPWatchConfig, onFailure string, secrets SecretsResolver, logger log.Logger) (*FTPWatchTrigger, error) {
	if secrets == nil {
		return nil, fmt.Errorf("secrets store required for FTP watch")
	}
	if cfg.Schedule != "" {
		if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
			return nil, fmt.Errorf("invalid cron schedule %q: %w", cfg.Schedule, err)
		}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &FTPWatchTrigger{
		watch:     watch,
		cfg:       cfg,
		onFailure: onFailure,
		secrets:   secrets,
		logger:    log.With(logger, "trigger", "ftp_watch", "watch", watch),
		dial:      dialFTP,
		tracking:  make(map[string]fileState),
		emitted:   make(map[string]int64),
	}, nil
}

// Name returns a human-readable identifier for this trigger.
func (ft *FTPWatchTrigger) Name() string {
	return fmt.Sprintf("ftp_watch(%s:%d%s %s) → %s",
		ft.cfg.Host, ft.cfg.Port, ft.cfg.Directory, ft.cfg.Pattern, ft.watch)
}

// Start begins the poll loop and sends one event per stable file.
// Blocks until the context is cancelled.
func (ft *FTPWatchTrigger) Start(ctx context.Context, events chan<- Event) error {
	var ticks *Ticks
	if ft.cfg.Schedule != "" {
		var err error
		ticks, err = NewCronTicks(ft.cfg.Schedule)
		if err != nil {
			return err
		}
	} else {
		interval := ft.cfg.PollInterval.Duration
		if interval <= 0 {
			interval = defaultPollInterval
		}
		ticks = NewIntervalTicks(interval)
	}
	defer ticks.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticks.C:
			ft.poll(ctx, events, now)
		}
	}
}

// connOptions resolves host, user, and password for the FTP connection.
// When cfg.Secret is set, all three are pulled from a structured secret, which
// may also carry port and tls. Otherwise cfg.Host / cfg.User /
// cfg.PasswordSecret are used.
func (ft *FTPWatchTrigger) connOptions() (blobftp.Options, error) {
	opts := blobftp.Options{Host: ft.cfg.Host, Port: ft.cfg.Port, User: ft.cfg.User, TLS: ft.cfg.TLS}

	if ft.cfg.Secret != "" {
		fields := map[string]*string{"host": &opts.Host, "user": &opts.User, "password": &opts.Password}
		for _, name := range []string{"host", "user", "password"} {
			val, err := ft.secrets.ResolveField(ft.watch, ft.cfg.Secret, name)
			if err != nil {
				return opts, fmt.Errorf("resolving %s.%s: %w", ft.cfg.Secret, name, err)
			}
			*fields[name] = val
		}
		if val, err := ft.secrets.ResolveField(ft.watch, ft.cfg.Secret, "port"); err == nil {
			port, err := strconv.Atoi(val)
			if err != nil {
				return opts, fmt.Errorf("resolving %s.port: %w", ft.cfg.Secret, err)
			}
			opts.Port = port
		}
		if val, err := ft.secrets.ResolveField(ft.watch, ft.cfg.Secret, "tls"); err == nil {
			opts.TLS = val == "true"
		}
		return opts, nil
	}

	password, err := ft.secrets.Resolve(ft.watch, ft.cfg.PasswordSecret)
	if err != nil {
		return opts, fmt.Errorf("resolving password secret %q: %w", ft.cfg.PasswordSecret, err)
	}
	opts.Password = password
	return opts, nil
}

func (ft *FTPWatchTrigger) connect(ctx context.Context) (ftpConn, error) {
	opts, err := ft.connOptions()
	if err != nil {
		return nil, err
	}
	conn, err := ft.dial(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return conn, nil
}

func (ft *FTPWatchTrigger) poll(ctx context.Context, events chan<- Event, now time.Time) {
	conn, err := ft.connect(ctx)
	if err != nil {
		level.Error(ft.logger).Log("msg", "poll failed", "err", err)
		return
	}
	files, err := conn.List(ft.cfg.Directory, ft.cfg.Pattern)
	conn.Close()
	if err != nil {
		level.Error(ft.logger).Log("msg", "poll failed", "err", err)
		return
	}

	stable := ft.update(files, now)
	for _, f := range stable {
		ev := Event{
			Watch:  ft.watch,
			Source: "ftp_watch",
			Object: handler.Object{Name: f.Name, Size: f.Size},
			Done:   ft.doneFunc(f.Name),
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// update folds a listing into the tracking state and returns the files that
// became stable. A file already emitted is not returned again while it stays
// listed with the same size.
func (ft *FTPWatchTrigger) update(files []blobftp.FileInfo, now time.Time) []blobftp.FileInfo {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	seen := make(map[string]int64, len(files))
	for _, f := range files {
		seen[f.Name] = f.Size
		if size, ok := ft.emitted[f.Name]; ok {
			if size == f.Size {
				continue
			}
			// Rewritten after emission: watch it again
			delete(ft.emitted, f.Name)
		}
		prev, exists := ft.tracking[f.Name]
		if !exists || prev.Size != f.Size {
			// New file or size changed, (re)start stability timer
			ft.tracking[f.Name] = fileState{Size: f.Size, FirstSeen: now}
		}
	}

	// Forget files that disappeared
	for name := range ft.tracking {
		if _, ok := seen[name]; !ok {
			delete(ft.tracking, name)
		}
	}
	for name := range ft.emitted {
		if _, ok := seen[name]; !ok {
			delete(ft.emitted, name)
		}
	}

	stableThreshold := time.Duration(ft.cfg.StableSeconds) * time.Second
	var stable []blobftp.FileInfo
	for _, name := range FindStableFiles(ft.tracking, stableThreshold, now) {
		size := ft.tracking[name].Size
		delete(ft.tracking, name)
		ft.emitted[name] = size
		stable = append(stable, blobftp.FileInfo{Name: name, Size: size})
	}
	return stable
}

// doneFunc archives a loaded file when archive_dir is set. A result that is
// not acknowledged is forgotten so the next stable poll emits it again.
func (ft *FTPWatchTrigger) doneFunc(name string) func(context.Context, handler.Result) error {
	return func(ctx context.Context, res handler.Result) error {
		if !Acknowledge(res, ft.onFailure) {
			ft.mu.Lock()
			delete(ft.emitted, name)
			ft.mu.Unlock()
			return nil
		}
		if res.Status != handler.StatusLoaded || ft.cfg.ArchiveDir == "" {
			return nil
		}

		conn, err := ft.connect(ctx)
		if err != nil {
			return fmt.Errorf("archiving %q: %w", name, err)
		}
		defer conn.Close()
		if err := conn.Archive(ft.cfg.Directory, name, ft.cfg.ArchiveDir); err != nil {
			return fmt.Errorf("archiving %q: %w", name, err)
		}
		level.Info(ft.logger).Log("msg", "archived file", "file", name, "archive_dir", ft.cfg.ArchiveDir)
		return nil
	}
}

// FindStableFiles returns filenames that have been stable for at least the threshold duration.
// Exported for testability.
func FindStableFiles(tracking map[string]fileState, threshold time.Duration, now time.Time) []string {
	var stable []string
	for name, state := range tracking {
		if now.Sub(state.FirstSeen) >= threshold {
			stable = append(stable, name)
		}
	}
	return stable
}
