package trigger

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Ticks delivers poll times, either on a fixed interval or on a cron schedule.
type Ticks struct {
	C    <-chan time.Time
	stop func()
}

// NewIntervalTicks fires every d.
func NewIntervalTicks(d time.Duration) *Ticks {
	t := time.NewTicker(d)
	return &Ticks{C: t.C, stop: t.Stop}
}

// NewCronTicks fires on a standard cron schedule (5 fields or @descriptors).
// Returns an error if the schedule expression is invalid.
func NewCronTicks(schedule string) (*Ticks, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	// Ticks that arrive while a poll is still running are dropped, like time.Ticker.
	ch := make(chan time.Time, 1)
	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() {
		select {
		case ch <- time.Now():
		default:
		}
	}))
	c.Start()

	return &Ticks{C: ch, stop: func() { <-c.Stop().Done() }}, nil
}

// Stop releases the underlying ticker or scheduler.
func (t *Ticks) Stop() {
	t.stop()
}
