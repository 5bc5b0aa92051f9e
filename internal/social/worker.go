package social

import (
	"context"
	"errors"
	"log"
	"sync"
)

// Enqueue schedules an activity for counting. It never blocks; a full or
// stopped queue drops the activity and returns false.
func (s *Service) Enqueue(activity Activity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		activitiesDroppedTotal.Inc()
		return false
	}
	select {
	case s.queue <- activity:
		return true
	default:
		activitiesDroppedTotal.Inc()
		log.Printf("social: queue full, dropped activity %d on %s/%d", activity.Type, activity.ClassName, activity.ClassPK)
		return false
	}
}

// Start launches the workers that drain the queue. Only the first call
// starts workers; a stopped service stays stopped.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil || s.queue == nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	s.done = done
	queue := s.queue

	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx, queue)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	log.Printf("social: %d counter workers started", s.opts.Workers)
}

func (s *Service) work(ctx context.Context, queue <-chan Activity) {
	for {
		select {
		case <-ctx.Done():
			return
		case activity, ok := <-queue:
			if !ok {
				return
			}
			s.process(ctx, activity)
		}
	}
}

func (s *Service) process(ctx context.Context, activity Activity) {
	err := s.AddActivityCounters(ctx, activity)
	switch {
	case err == nil:
		activitiesProcessedTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, context.Canceled):
		activitiesProcessedTotal.WithLabelValues("canceled").Inc()
	default:
		activitiesProcessedTotal.WithLabelValues("error").Inc()
		log.Printf("social: count activity %d on %s/%d: %v", activity.Type, activity.ClassName, activity.ClassPK, err)
	}
}

// Stop closes the queue, lets the workers finish what is queued and waits.
// Activities enqueued afterwards are dropped.
func (s *Service) Stop() {
	s.mu.Lock()
	queue, done, cancel := s.queue, s.done, s.cancel
	s.queue = nil
	s.mu.Unlock()
	if queue != nil {
		close(queue)
	}
	if done != nil {
		<-done
	}
	if cancel != nil {
		cancel()
	}
}
