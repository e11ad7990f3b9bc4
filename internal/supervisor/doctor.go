// Package supervisor implements the Doctor: a periodic scan that restarts
// stalled Running handles, reaps Dead ones, and leaves Disabled handles
// alone.
package supervisor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/openwhisk/openwhisk-package-kafka/internal/registry"
	"github.com/openwhisk/openwhisk-package-kafka/internal/trigger"
)

// DefaultMaxConcurrentRestarts bounds how many stalled triggers the Doctor
// will restart at once, so a mass-stall event (e.g. a broker outage)
// cannot spin up unbounded concurrent restart goroutines.
const DefaultMaxConcurrentRestarts = 8

// Doctor periodically scans a Registry.
type Doctor struct {
	registry       *registry.Registry
	stallThreshold time.Duration
	interval       time.Duration
	sem            *semaphore.Weighted
}

// New builds a Doctor. stallThreshold and interval are deployment-tunable.
func New(reg *registry.Registry, stallThreshold, interval time.Duration) *Doctor {
	return &Doctor{
		registry:       reg,
		stallThreshold: stallThreshold,
		interval:       interval,
		sem:            semaphore.NewWeighted(DefaultMaxConcurrentRestarts),
	}
}

// Run blocks, scanning every interval until ctx is cancelled.
func (d *Doctor) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

// scan works off a snapshot from Registry.List, so concurrent create and
// delete calls never invalidate the iteration.
func (d *Doctor) scan(ctx context.Context) {
	for _, h := range d.registry.List() {
		switch h.CurrentState() {
		case trigger.Dead:
			d.registry.Reap(h.ID())

		case trigger.Running:
			if h.SecondsSinceLastPoll() > d.stallThreshold.Seconds() {
				d.restartStalled(ctx, h)
			}
		}
	}
}

func (d *Doctor) restartStalled(ctx context.Context, h *trigger.Handle) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer d.sem.Release(1)
		logrus.WithFields(logrus.Fields{
			"trigger":                 h.ID(),
			"seconds_since_last_poll": h.SecondsSinceLastPoll(),
		}).Warn("trigger stalled, restarting")
		if err := h.Restart(); err != nil {
			logrus.WithError(err).WithField("trigger", h.ID()).Error("failed to restart stalled trigger")
		}
	}()
}
