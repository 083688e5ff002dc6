package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Job is a unit of work run under the limiter.
type Job func(ctx context.Context) error

// Limiter runs at most one job per group at a time and at most maxActive jobs
// overall. Jobs run on the caller's goroutine.
type Limiter struct {
	global *semaphore.Weighted

	mu     sync.Mutex
	groups map[string]*semaphore.Weighted
	active int
}

// New creates a Limiter allowing maxConcurrent simultaneous jobs.
func New(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{
		global: semaphore.NewWeighted(int64(maxConcurrent)),
		groups: make(map[string]*semaphore.Weighted),
	}
}

// Do blocks until group and global slots are free, then runs job. Waiting
// ends early with ctx.Err() if ctx is cancelled.
func (l *Limiter) Do(ctx context.Context, group string, job Job) error {
	gs := l.groupSlot(group)
	// Group slot first so a busy group does not hold a global slot while queued.
	if err := gs.Acquire(ctx, 1); err != nil {
		return err
	}
	defer gs.Release(1)

	if err := l.global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.global.Release(1)

	l.mu.Lock()
	l.active++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
	}()

	return job(ctx)
}

// Active returns the number of jobs currently running.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Limiter) groupSlot(group string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.groups[group]
	if !ok {
		s = semaphore.NewWeighted(1)
		l.groups[group] = s
	}
	return s
}
