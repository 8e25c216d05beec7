package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{Interval: 5 * time.Millisecond, RetryInterval: 5 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, fastPolicy().Validate())
	assert.Error(t, Policy{RetryInterval: time.Second}.Validate())
	assert.Error(t, Policy{Interval: time.Second}.Validate())
	assert.Error(t, Policy{Interval: time.Second, RetryInterval: time.Second, RequestTimeout: -1}.Validate())
}

func TestLoop_ReschedulesUntilStopped(t *testing.T) {
	var n int32
	l := New("test-again", func(context.Context) (Outcome, error) {
		atomic.AddInt32(&n, 1)
		return Again, nil
	}, fastPolicy())

	require.True(t, l.Start(context.Background()))
	waitFor(t, func() bool { return atomic.LoadInt32(&n) >= 3 })
	l.Stop()
	assert.False(t, l.Running())

	stopped := atomic.LoadInt32(&n)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&n), "no ticks after Stop")
}

func TestLoop_StartIsSingleFlight(t *testing.T) {
	var inFlight, maxInFlight int32
	l := New("test-single", func(context.Context) (Outcome, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if cur <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return Again, nil
	}, fastPolicy())

	ctx := context.Background()
	require.True(t, l.Start(ctx))
	for i := 0; i < 10; i++ {
		assert.False(t, l.Start(ctx))
	}
	time.Sleep(30 * time.Millisecond)
	l.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestLoop_FailureUsesRetryInterval(t *testing.T) {
	var n int32
	policy := Policy{Interval: time.Hour, RetryInterval: 5 * time.Millisecond}
	l := New("test-retry", func(context.Context) (Outcome, error) {
		atomic.AddInt32(&n, 1)
		return Again, errors.New("down")
	}, policy)

	l.Start(context.Background())
	defer l.Stop()
	// With a one-hour success interval only retries can produce extra ticks.
	waitFor(t, func() bool { return atomic.LoadInt32(&n) >= 3 })
}

func TestLoop_EscalatesOncePerStreak(t *testing.T) {
	var ticks, escalations int32
	var failing int32 = 1
	policy := Policy{Interval: 2 * time.Millisecond, RetryInterval: 2 * time.Millisecond, MaxRetries: 2}
	l := New("test-escalate", func(context.Context) (Outcome, error) {
		atomic.AddInt32(&ticks, 1)
		if atomic.LoadInt32(&failing) == 1 {
			return Again, errors.New("down")
		}
		return Again, nil
	}, policy, WithOnEscalate(func(name string, failures int, err error) {
		assert.Equal(t, "test-escalate", name)
		assert.Equal(t, 3, failures)
		atomic.AddInt32(&escalations, 1)
	}))

	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool { return atomic.LoadInt32(&ticks) >= 10 })
	assert.Equal(t, int32(1), atomic.LoadInt32(&escalations), "still one escalation while the streak continues")
	atomic.StoreInt32(&failing, 0)
	// The loop keeps running after escalation.
	before := atomic.LoadInt32(&ticks)
	waitFor(t, func() bool { return atomic.LoadInt32(&ticks) > before+2 })
}

func TestLoop_ParkRunsHookAndAllowsRestart(t *testing.T) {
	parked := make(chan struct{}, 1)
	var n int32
	var l *Loop
	l = New("test-park", func(context.Context) (Outcome, error) {
		atomic.AddInt32(&n, 1)
		return Park, nil
	}, fastPolicy(), WithOnPark(func(ctx context.Context) {
		assert.False(t, l.Running(), "loop is marked stopped before the hook runs")
		parked <- struct{}{}
	}))

	require.True(t, l.Start(context.Background()))
	select {
	case <-parked:
	case <-time.After(time.Second):
		t.Fatal("park hook not called")
	}
	<-l.Done()
	assert.Equal(t, int32(1), atomic.LoadInt32(&n))

	require.True(t, l.Start(context.Background()))
	<-parked
	<-l.Done()
	assert.Equal(t, int32(2), atomic.LoadInt32(&n))
}

func TestLoop_FailedTickDoesNotPark(t *testing.T) {
	var n int32
	var parks int32
	l := New("test-park-fail", func(context.Context) (Outcome, error) {
		atomic.AddInt32(&n, 1)
		return Park, errors.New("down")
	}, fastPolicy(), WithOnPark(func(context.Context) { atomic.AddInt32(&parks, 1) }))

	l.Start(context.Background())
	waitFor(t, func() bool { return atomic.LoadInt32(&n) >= 3 })
	l.Stop()
	assert.Equal(t, int32(0), atomic.LoadInt32(&parks))
}

func TestLoop_WakeSkipsWait(t *testing.T) {
	var n int32
	l := New("test-wake", func(context.Context) (Outcome, error) {
		atomic.AddInt32(&n, 1)
		return Again, nil
	}, Policy{Interval: time.Hour, RetryInterval: time.Hour})

	l.Start(context.Background())
	defer l.Stop()
	waitFor(t, func() bool { return atomic.LoadInt32(&n) == 1 })
	l.Wake()
	waitFor(t, func() bool { return atomic.LoadInt32(&n) == 2 })
}

func TestLoop_RequestTimeoutBoundsTick(t *testing.T) {
	errs := make(chan error, 1)
	l := New("test-timeout", func(ctx context.Context) (Outcome, error) {
		<-ctx.Done()
		select {
		case errs <- ctx.Err():
		default:
		}
		return Again, ctx.Err()
	}, Policy{Interval: time.Hour, RetryInterval: time.Hour, RequestTimeout: 5 * time.Millisecond})

	l.Start(context.Background())
	defer l.Stop()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("tick was not bounded by the request timeout")
	}
}

func TestLoop_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := New("test-canceled", func(context.Context) (Outcome, error) { return Again, nil }, fastPolicy())
	assert.False(t, l.Start(ctx))
	l.Stop() // never started: returns immediately
}
