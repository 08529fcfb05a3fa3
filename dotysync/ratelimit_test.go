package dotysync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func rateCfg(quota int, period time.Duration) *Configuration {
	return &Configuration{
		ID:                1,
		CloudID:           "cloud-1",
		RateLimitRequests: quota,
		RateLimitPeriod:   period,
	}
}

func TestRateLimiter_AdmitWithinQuota(t *testing.T) {
	limiter := NewRateLimiter(nil)
	cfg := rateCfg(3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Admit(ctx, cfg))
	}
	require.Equal(t, 0, limiter.Remaining(cfg))
	require.False(t, limiter.ResetAt(cfg).IsZero())
}

func TestRateLimiter_BlocksUntilWindowSlides(t *testing.T) {
	limiter := NewRateLimiter(nil)
	period := 150 * time.Millisecond
	cfg := rateCfg(2, period)
	ctx := context.Background()

	require.NoError(t, limiter.Admit(ctx, cfg))
	require.NoError(t, limiter.Admit(ctx, cfg))

	start := time.Now()
	require.NoError(t, limiter.Admit(ctx, cfg))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, period/2, "third admit should have waited for the window to slide")
}

func TestRateLimiter_DeadlineReturnsRateLimited(t *testing.T) {
	limiter := NewRateLimiter(nil)
	cfg := rateCfg(1, time.Minute)

	require.NoError(t, limiter.Admit(context.Background(), cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := limiter.Admit(ctx, cfg)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimiter_ConcurrentAdmitsNeverOvershoot(t *testing.T) {
	limiter := NewRateLimiter(nil)
	quota := 10
	cfg := rateCfg(quota, time.Minute)

	var wg sync.WaitGroup
	admitted := make(chan struct{}, quota)
	for i := 0; i < quota; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Admit(context.Background(), cfg); err == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	require.Equal(t, quota, count)
	require.Equal(t, 0, limiter.Remaining(cfg))

	// One more caller must not sneak in.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, limiter.Admit(ctx, cfg), ErrRateLimited)
}

func TestRateLimiter_RecordCountsTowardWindow(t *testing.T) {
	limiter := NewRateLimiter(nil)
	cfg := rateCfg(2, time.Minute)

	limiter.Record(cfg)
	require.Equal(t, 1, limiter.Remaining(cfg))

	require.NoError(t, limiter.Admit(context.Background(), cfg))
	require.Equal(t, 0, limiter.Remaining(cfg))
}

func TestRateLimiter_ClearHistory(t *testing.T) {
	limiter := NewRateLimiter(nil)
	cfg := rateCfg(1, time.Minute)

	require.NoError(t, limiter.Admit(context.Background(), cfg))
	require.Equal(t, 0, limiter.Remaining(cfg))

	limiter.ClearHistory(cfg.ID)
	require.Equal(t, 1, limiter.Remaining(cfg))
}

func TestRateLimiter_IndependentWindowsPerConfig(t *testing.T) {
	limiter := NewRateLimiter(nil)
	cfgA := rateCfg(1, time.Minute)
	cfgB := &Configuration{ID: 2, CloudID: "cloud-2", RateLimitRequests: 1, RateLimitPeriod: time.Minute}

	require.NoError(t, limiter.Admit(context.Background(), cfgA))
	require.NoError(t, limiter.Admit(context.Background(), cfgB))
	require.Equal(t, 0, limiter.Remaining(cfgA))
	require.Equal(t, 0, limiter.Remaining(cfgB))
}
