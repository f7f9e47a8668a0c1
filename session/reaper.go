package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically sweeps expired sessions out of a Store.
type Reaper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewReaper returns a Reaper that sweeps store every interval.
func NewReaper(store Store, interval time.Duration, log *zap.Logger) *Reaper {
	return &Reaper{store: store, interval: interval, now: time.Now, log: log}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Reaper) sweepOnce() {
	n, err := r.store.Sweep(r.now())
	if err != nil {
		r.log.Warn("session sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Debug("expired sessions reclaimed", zap.Int("count", n))
	}
}
