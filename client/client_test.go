package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/dreamwatch/internal/devbackend"
	"github.com/mycelian/dreamwatch/internal/poller"
	"github.com/mycelian/dreamwatch/internal/state"
	"github.com/mycelian/dreamwatch/internal/types"
)

const waitFor = 3 * time.Second

func fastPolicy(d time.Duration) poller.Policy {
	return poller.Policy{Interval: d, RetryInterval: d, RequestTimeout: time.Second}
}

func fastOptions() []Option {
	return []Option{
		WithMemoriesPolicy(fastPolicy(5 * time.Millisecond)),
		WithDreamStatePolicy(fastPolicy(5 * time.Millisecond)),
		WithDreamsPolicy(fastPolicy(5 * time.Millisecond)),
	}
}

func newHarness(t *testing.T, cfg devbackend.Config, opts ...Option) (*Client, *devbackend.Backend) {
	t.Helper()
	b := devbackend.New(cfg)
	srv := httptest.NewServer(devbackend.NewRouter(b))
	c, err := New(srv.URL, append(fastOptions(), opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Stop()
		srv.Close()
		_ = b.Close()
	})
	return c, b
}

func TestPollers_MirrorBackend(t *testing.T) {
	c, b := newHarness(t, devbackend.Config{})
	b.AddMemory("8:00 - Coffee", "routine", nil, nil)
	b.AddMemory("9:00 - Emails", "work", nil, nil)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()), "second Start is a no-op")

	require.Eventually(t, func() bool { return len(c.Store().Memories().Regular) == 2 }, waitFor, time.Millisecond)
	status := c.Store().Status()
	assert.False(t, status.Dreaming)
	assert.Equal(t, types.StageIdle, c.Store().Stage())
}

func TestFailedPollKeepsState(t *testing.T) {
	c, b := newHarness(t, devbackend.Config{})
	b.AddMemory("8:00 - Coffee", "routine", nil, nil)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(c.Store().Memories().Regular) == 1 }, waitFor, time.Millisecond)

	b.Fail("/api/memories", http.StatusServiceUnavailable)
	before := b.Hits("/api/memories")
	require.Eventually(t, func() bool { return b.Hits("/api/memories") >= before+3 }, waitFor, time.Millisecond)

	got := c.Store().Memories().Regular
	require.Len(t, got, 1, "a failed poll must not clear stored memories")
	assert.Equal(t, "8:00 - Coffee", got[0].Text)

	b.Heal("/api/memories")
	b.AddMemory("9:00 - Emails", "work", nil, nil)
	require.Eventually(t, func() bool { return len(c.Store().Memories().Regular) == 2 }, waitFor, time.Millisecond)
}

func TestFailedDreamPollsKeepState(t *testing.T) {
	c, b := newHarness(t, devbackend.Config{StageDuration: 150 * time.Millisecond})
	b.AddMemory("8:00 - Coffee", "routine", nil, nil)
	require.NoError(t, c.Start(context.Background()))

	_, err := c.TriggerDream(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.AwaitCommands(context.Background()))
	require.Eventually(t, func() bool {
		return len(c.Store().Dreams()) == 1 && !c.Store().Dreaming()
	}, waitFor, time.Millisecond)

	started, _ := b.Trigger()
	require.True(t, started)
	require.Eventually(t, func() bool { return c.Store().Dreaming() }, waitFor, time.Millisecond)

	// Detail ticks reach /api/dreams and fail there.
	b.Fail("/api/dreams", http.StatusServiceUnavailable)
	before := b.Hits("/api/dreams")
	require.Eventually(t, func() bool { return b.Hits("/api/dreams") >= before+3 }, waitFor, time.Millisecond)
	assert.Len(t, c.Store().Dreams(), 1, "a failed dreams poll must not clear records")
	assert.True(t, c.Store().Status().Dreaming)

	// Detail ticks now fail on the state request.
	b.Fail("/api/dream/state", http.StatusServiceUnavailable)
	before = b.Hits("/api/dream/state")
	require.Eventually(t, func() bool { return b.Hits("/api/dream/state") >= before+3 }, waitFor, time.Millisecond)
	assert.True(t, c.Store().Status().Dreaming, "a failed state poll must not clear the status")
	assert.NotEqual(t, types.StageIdle, c.Store().Stage())
	assert.Len(t, c.Store().Dreams(), 1)

	b.Heal("/api/dreams")
	b.Heal("/api/dream/state")
	require.Eventually(t, func() bool {
		return len(c.Store().Dreams()) == 2 && !c.Store().Dreaming()
	}, waitFor, time.Millisecond)
}

func TestTriggerDream_BackendAlreadyDreamingCountsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/dreams/trigger":
			_, _ = w.Write([]byte(`{"success":true,"result":{"status":"already_dreaming","message":"Dream cycle already in progress"}}`))
		case "/api/memories":
			_, _ = w.Write([]byte(`{}`))
		default:
			_, _ = w.Write([]byte(`{"dreaming":false,"current_stage":"idle"}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, fastOptions()...)
	require.NoError(t, err)
	defer c.Stop()

	rejected := testutil.ToFloat64(commandsTotal.WithLabelValues("trigger-dream", "rejected"))
	accepted := testutil.ToFloat64(commandsTotal.WithLabelValues("trigger-dream", "ok"))

	_, err = c.TriggerDream(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.AwaitCommands(context.Background()))

	assert.Equal(t, rejected+1, testutil.ToFloat64(commandsTotal.WithLabelValues("trigger-dream", "rejected")))
	assert.Equal(t, accepted, testutil.ToFloat64(commandsTotal.WithLabelValues("trigger-dream", "ok")))
}

func TestPollMemories_MergeByPresence(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/memories":
			if atomic.AddInt32(&calls, 1) == 1 {
				_, _ = w.Write([]byte(`{"regular":[{"text":"a"}],"consolidated":[{"text":"ab"}],"insights":[{"text":"i"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"regular":[{"text":"b"},{"text":"c"}]}`))
		default:
			_, _ = w.Write([]byte(`{"dreaming":false,"current_stage":"idle"}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, fastOptions()...)
	require.NoError(t, err)
	defer c.Stop()
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, waitFor, time.Millisecond)
	mems := c.Store().Memories()
	assert.Len(t, mems.Regular, 2)
	require.Len(t, mems.Consolidated, 1)
	assert.Equal(t, "ab", mems.Consolidated[0].Text)
	require.Len(t, mems.Insights, 1)
	assert.Equal(t, "i", mems.Insights[0].Text)
}

func TestDreamHandoff_DetailStopsWhenDreamEnds(t *testing.T) {
	c, b := newHarness(t, devbackend.Config{StageDuration: 25 * time.Millisecond})
	b.AddMemory("Coffee", "routine", nil, nil)
	b.AddMemory("Coffee again", "routine", nil, nil)
	require.NoError(t, c.Start(context.Background()))

	_, err := c.TriggerDream(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.dreamDetail.Running() }, waitFor, time.Millisecond)
	assert.False(t, c.dreamState.Running(), "state loop parks while dreaming")

	require.Eventually(t, func() bool {
		return !c.Store().Dreaming() && !c.dreamDetail.Running() && c.dreamState.Running()
	}, waitFor, time.Millisecond)
	assert.Equal(t, types.StageIdle, c.Store().Stage())
	require.Len(t, c.Store().Dreams(), 1)
	assert.Len(t, c.Store().Dreams()[0].Consolidations, 1)

	hits := b.Hits("/api/dreams")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, hits, b.Hits("/api/dreams"), "no detail requests after dreaming ended")
}

func TestTriggerWhileDreaming(t *testing.T) {
	c, b := newHarness(t, devbackend.Config{StageDuration: time.Second})
	require.NoError(t, c.Start(context.Background()))

	ack, err := c.TriggerDream(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, ack.RequestID)
	assert.Equal(t, "trigger-dream", ack.Command)

	require.Eventually(t, func() bool { return c.Store().Dreaming() && c.dreamDetail.Running() }, waitFor, time.Millisecond)

	_, err = c.TriggerDream(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyDreaming)
	assert.False(t, c.dreamDetail.Start(context.Background()), "detail loop is single-flight")
	assert.Equal(t, 1, b.Hits("/api/dreams/trigger"))
}

func TestStageTransitionPublishedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/dream/state":
			_, _ = w.Write([]byte(`{"dreaming":true,"current_stage":"consolidation"}`))
		case "/api/dreams":
			_, _ = w.Write([]byte(`[]`))
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, fastOptions()...)
	require.NoError(t, err)
	defer c.Stop()

	events, cancel := c.Store().Subscribe(1024)
	defer cancel()
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return c.dreamDetail.Ticks() >= 5 }, waitFor, time.Millisecond)
	c.Stop()

	stageEvents := 0
	for len(events) > 0 {
		if ev := <-events; ev.Kind == state.EventStage {
			stageEvents++
			assert.Equal(t, types.StageConsolidation, ev.Stage)
		}
	}
	assert.Equal(t, 1, stageEvents)
}

func TestResetSystem_ClearsLocalState(t *testing.T) {
	c, b := newHarness(t, devbackend.Config{})
	b.AddMemory("8:00 - Coffee", "routine", nil, nil)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(c.Store().Memories().Regular) == 1 }, waitFor, time.Millisecond)

	_, err := c.PostEvents(context.Background(), []DailyEvent{{Time: "12:00", Content: "Lunch", Type: "meal"}})
	require.NoError(t, err)
	require.NoError(t, c.AwaitCommands(context.Background()))
	require.NotEmpty(t, c.Snapshot().DailyEvents)

	require.NoError(t, c.ResetSystem(context.Background()))
	snap := c.Snapshot()
	assert.Empty(t, snap.Memories.Regular)
	assert.Empty(t, snap.Memories.Consolidated)
	assert.Empty(t, snap.Memories.Insights)
	assert.Empty(t, snap.DailyEvents)
	assert.Empty(t, snap.Dreams)
	assert.Equal(t, types.StageIdle, snap.Stage)
	assert.Empty(t, b.Memories().Regular)
}

func TestResetSystem_FailureKeepsLocalState(t *testing.T) {
	c, b := newHarness(t, devbackend.Config{})
	b.AddMemory("8:00 - Coffee", "routine", nil, nil)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return len(c.Store().Memories().Regular) == 1 }, waitFor, time.Millisecond)

	b.Fail("/api/system/reset", http.StatusBadRequest)
	err := c.ResetSystem(context.Background())
	require.Error(t, err)
	assert.True(t, IsIrrecoverable(err))
	assert.Len(t, c.Store().Memories().Regular, 1)
}

func TestEscalationAfterRetryBudget(t *testing.T) {
	var mu sync.Mutex
	var escalations []string
	var failures []int
	p := poller.Policy{Interval: 5 * time.Millisecond, RetryInterval: 5 * time.Millisecond, MaxRetries: 2}

	c, b := newHarness(t, devbackend.Config{},
		WithMemoriesPolicy(p),
		WithOnEscalate(func(loop string, n int, err error) {
			mu.Lock()
			defer mu.Unlock()
			escalations = append(escalations, loop)
			failures = append(failures, n)
		}))
	b.Fail("/api/memories", http.StatusServiceUnavailable)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return b.Hits("/api/memories") >= 8 }, waitFor, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{LoopMemories}, escalations, "one escalation per failure streak")
	assert.Equal(t, []int{3}, failures)
}

func TestPostEvents_SendsMemories(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c, b := newHarness(t, devbackend.Config{}, WithClock(func() time.Time { return now }))
	similar := 0
	batch := []DailyEvent{
		{Time: "8:00", Content: "Coffee", Type: "routine"},
		{Time: "10:00", Content: "Coffee again", Type: "routine", SimilarTo: &similar},
	}

	ack, err := c.PostEvents(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, "post-memories", ack.Command)
	require.NoError(t, c.AwaitCommands(context.Background()))

	got := b.Memories().Regular
	require.Len(t, got, 2)
	texts := map[string]types.Memory{}
	for _, m := range got {
		texts[m.Text] = m
	}
	require.Contains(t, texts, "10:00 - Coffee again")
	assert.Equal(t, "Coffee", texts["10:00 - Coffee again"].Metadata["similar_to"])
	assert.Equal(t, "routine", texts["8:00 - Coffee"].Source)
	assert.Equal(t, batch, c.Snapshot().DailyEvents)

	_, err = c.PostEvents(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrEmptyBatch)
}

func TestSnapshotJSONShape(t *testing.T) {
	c, _ := newHarness(t, devbackend.Config{})
	raw, err := json.Marshal(c.Snapshot())
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	for _, key := range []string{"memories", "dailyEvents", "status", "stage", "dreams", "generation"} {
		assert.Contains(t, out, key)
	}
}

func TestRefresh_OneShot(t *testing.T) {
	c, b := newHarness(t, devbackend.Config{StageDuration: time.Second})
	b.AddMemory("8:00 - Coffee", "routine", nil, nil)
	started, _ := b.Trigger()
	require.True(t, started)

	require.NoError(t, c.Refresh(context.Background()))
	assert.Len(t, c.Store().Memories().Regular, 1)
	assert.True(t, c.Store().Dreaming())
	assert.False(t, c.memories.Running(), "Refresh does not start the loops")

	_, err := c.TriggerDream(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyDreaming)
}
