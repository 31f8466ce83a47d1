// Package trigger turns "object created" notifications from storage systems
// into handler invocations.
package trigger

import (
	"context"
	"sync"

	"github.com/druarnfield/blobload/internal/config"
	"github.com/druarnfield/blobload/internal/handler"
)

// Event represents one object delivered by a trigger for a watch.
type Event struct {
	Watch  string
	Source string // "ftp_watch", "sqs" or "kafka"
	Object handler.Object

	// Done reports the handler outcome back to the trigger, which uses it to
	// acknowledge, archive or leave the notification for redelivery.
	Done func(ctx context.Context, res handler.Result) error
}

// Complete calls Done if the trigger set one.
func (e Event) Complete(ctx context.Context, res handler.Result) error {
	if e.Done == nil {
		return nil
	}
	return e.Done(ctx, res)
}

// Trigger watches for conditions and emits events.
type Trigger interface {
	Start(ctx context.Context, events chan<- Event) error
	Name() string
}

// Acknowledge reports whether a notification should be acknowledged for res
// under the given on_failure policy. A handler error is always left for
// redelivery; a load_failed result only under the retry policy.
func Acknowledge(res handler.Result, onFailure string) bool {
	switch res.Status {
	case handler.StatusError:
		return false
	case handler.StatusLoadFailed:
		return onFailure != config.OnFailureRetry
	}
	return true
}

// ackGroup collects the results for every object carried by one
// notification and runs finish once the last of them has completed.
type ackGroup struct {
	mu      sync.Mutex
	pending int
	ack     bool
	finish  func(ctx context.Context, ack bool) error
}

func newAckGroup(n int, finish func(ctx context.Context, ack bool) error) *ackGroup {
	return &ackGroup{pending: n, ack: true, finish: finish}
}

// done records one result under the on_failure policy.
func (g *ackGroup) done(ctx context.Context, res handler.Result, onFailure string) error {
	g.mu.Lock()
	g.pending--
	if !Acknowledge(res, onFailure) {
		g.ack = false
	}
	last := g.pending == 0
	ack := g.ack
	g.mu.Unlock()

	if !last {
		return nil
	}
	return g.finish(ctx, ack)
}
