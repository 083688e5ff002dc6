package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_SerialisesPerGroup(t *testing.T) {
	l := New(5)
	var (
		inFlight int32
		maxSeen  int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), "main", func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func TestLimiter_GlobalCap(t *testing.T) {
	l := New(2)
	var (
		inFlight int32
		maxSeen  int32
		wg       sync.WaitGroup
	)
	groups := []string{"a", "b", "c", "d", "e", "f"}
	for _, g := range groups {
		wg.Add(1)
		go func(g string) {
			defer wg.Done()
			_ = l.Do(context.Background(), g, func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen, int32(2))
	assert.Equal(t, 0, l.Active())
}

func TestLimiter_ReturnsJobError(t *testing.T) {
	l := New(1)
	boom := errors.New("boom")
	err := l.Do(context.Background(), "g", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLimiter_CancelWhileWaiting(t *testing.T) {
	l := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.Do(context.Background(), "g", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := l.Do(ctx, "g", func(ctx context.Context) error {
		ran = true
		return nil
	})
	close(release)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}
