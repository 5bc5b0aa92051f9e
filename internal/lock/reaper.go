package lock

import (
	"context"
	"log"
	"sync"
	"time"
)

type expiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Reaper periodically sweeps expired locks from backends that do not
// expire them natively.
type Reaper struct {
	backend  expiredDeleter
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReaper(backend expiredDeleter, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{backend: backend, interval: interval, now: time.Now}
}

func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(runCtx, r.done)
	log.Printf("lock: reaper started interval=%s", r.interval)
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of removed locks.
func (r *Reaper) RunOnce(ctx context.Context) int64 {
	reaperRunsTotal.Inc()
	deleted, err := r.backend.DeleteExpired(ctx, r.now())
	if err != nil {
		log.Printf("lock: reap expired locks: %v", err)
		return 0
	}
	if deleted > 0 {
		reaperDeletedTotal.Add(float64(deleted))
		log.Printf("lock: reaped %d expired locks", deleted)
	}
	return deleted
}
