package coordinator

import (
	"sync"
	"time"
)

// RetryScheduler defers failed-sell resubmissions without parking a pool
// worker on a sleep. Stop drains pending timers so shutdown never fires a
// retry into a torn-down pipeline.
type RetryScheduler struct {
	delay time.Duration

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
}

func NewRetryScheduler(delay time.Duration) *RetryScheduler {
	return &RetryScheduler{
		delay:  delay,
		timers: make(map[*time.Timer]struct{}),
	}
}

// Schedule runs fn once after the configured delay. Returns false if the
// scheduler is already stopped.
func (s *RetryScheduler) Schedule(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(s.delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.timers, timer)
		s.mu.Unlock()

		fn()
	})
	s.timers[timer] = struct{}{}
	return true
}

// Stop cancels pending retries and waits for in-flight ones to finish.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, timer)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
