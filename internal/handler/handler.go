// Package handler implements the blob trigger: filter an incoming object by
// suffix and hand its name to the bulk-load stored procedure.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/druarnfield/blobload/internal/loader"
)

// DefaultSuffix is the object name suffix that qualifies an object for loading.
const DefaultSuffix = ".csv"

// ErrNoConnString is returned when an object qualifies for loading but no
// connection string was configured. It is not absorbed.
var ErrNoConnString = errors.New("database connection string not configured")

// Status is the outcome of one invocation.
type Status string

const (
	StatusSkipped    Status = "skipped"
	StatusLoaded     Status = "loaded"
	StatusLoadFailed Status = "load_failed"

	// StatusError is never returned by Handle. Hosts record it when Handle
	// returns an error, which no failure policy absorbs.
	StatusError Status = "error"
)

// Object is a newly created storage object as delivered by a trigger.
type Object struct {
	Name string
	Size int64     // byte length; negative when unknown
	Body io.Reader // optional; drained to measure the length when Size is unknown
}

// Result describes what Handle did with an object.
type Result struct {
	Object  string
	Status  Status
	Err     error // database error for StatusLoadFailed, handler error for StatusError
	Elapsed time.Duration
}

// Config is injected at construction.
type Config struct {
	ConnStr        string
	Procedure      string        // default loader.DefaultProcedure
	Parameter      string        // default loader.DefaultParameter
	Suffix         string        // default ".csv", matched case-sensitively
	CommandTimeout time.Duration // default loader.DefaultTimeout
}

// Handler runs one load per qualifying object. It holds no per-invocation
// state and is safe for concurrent use.
type Handler struct {
	cfg    Config
	logger log.Logger
	open   loader.Opener
}

// Option customises a Handler.
type Option func(*Handler)

// WithOpener replaces sql.Open, mainly for tests.
func WithOpener(open loader.Opener) Option {
	return func(h *Handler) {
		h.open = open
	}
}

// New creates a Handler, filling defaults for unset Config fields.
func New(cfg Config, logger log.Logger, opts ...Option) *Handler {
	if cfg.Procedure == "" {
		cfg.Procedure = loader.DefaultProcedure
	}
	if cfg.Parameter == "" {
		cfg.Parameter = loader.DefaultParameter
	}
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultSuffix
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = loader.DefaultTimeout
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Handler{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one object.
//
// A database failure is logged and reported through Result with a nil error,
// so the trigger host sees the invocation complete. Callers that need to act
// on failed loads inspect Result.Status. Errors returned are configuration or
// stream problems and are meant to reach the host.
func (h *Handler) Handle(ctx context.Context, obj Object) (Result, error) {
	start := time.Now()
	res := Result{Object: obj.Name}

	size := obj.Size
	if size < 0 && obj.Body != nil {
		n, err := io.Copy(io.Discard, obj.Body)
		if err != nil {
			return res, fmt.Errorf("reading blob %q: %w", obj.Name, err)
		}
		size = n
	}

	level.Info(h.logger).Log("msg", "blob trigger received blob", "blob", obj.Name, "size", size)

	if !strings.HasSuffix(obj.Name, h.cfg.Suffix) {
		level.Info(h.logger).Log("msg", fmt.Sprintf("blob doesn't have the %s extension, skipping", h.cfg.Suffix), "blob", obj.Name)
		res.Status = StatusSkipped
		res.Elapsed = time.Since(start)
		return res, nil
	}

	level.Info(h.logger).Log("msg", "uploading blob to database", "blob", obj.Name, "procedure", h.cfg.Procedure)

	if h.cfg.ConnStr == "" {
		return res, ErrNoConnString
	}

	err := loader.Load(ctx, loader.Params{
		ConnStr:   h.cfg.ConnStr,
		Procedure: h.cfg.Procedure,
		Parameter: h.cfg.Parameter,
		Value:     obj.Name,
		Timeout:   h.cfg.CommandTimeout,
	}, h.open)
	res.Elapsed = time.Since(start)

	if err != nil {
		if !loader.IsDBError(err) {
			return res, fmt.Errorf("loading blob %q: %w", obj.Name, err)
		}
		level.Error(h.logger).Log("msg", "blob upload failed", "blob", obj.Name, "elapsed", res.Elapsed, "err", err)
		res.Status = StatusLoadFailed
		res.Err = err
		return res, nil
	}

	level.Info(h.logger).Log("msg", "blob uploaded", "blob", obj.Name, "elapsed", res.Elapsed)
	res.Status = StatusLoaded
	return res, nil
}
