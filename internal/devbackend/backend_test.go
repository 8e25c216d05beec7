package devbackend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/dreamwatch/internal/types"
)

func newTestServer(t *testing.T, cfg Config) (*Backend, *httptest.Server) {
	t.Helper()
	if cfg.StageDuration == 0 {
		cfg.StageDuration = 5 * time.Millisecond
	}
	b := New(cfg)
	srv := httptest.NewServer(NewRouter(b))
	t.Cleanup(func() {
		srv.Close()
		_ = b.Close()
	})
	return b, srv
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestBulkThenMemories(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	out := postJSON(t, srv.URL+"/api/memories/bulk", map[string]any{
		"memories": []map[string]any{
			{"text": "8:00 - Coffee", "source": "routine", "metadata": map[string]any{"time": "8:00"}},
			{"text": "9:00 - Emails", "source": "work"},
		},
	})
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Added 2 memories", out["message"])

	var mems types.MemoriesResponse
	getJSON(t, srv.URL+"/api/memories", &mems)
	require.NotNil(t, mems.Regular)
	require.Len(t, *mems.Regular, 2)
	assert.NotNil(t, mems.Consolidated)
	assert.NotNil(t, mems.Insights)
	for _, m := range *mems.Regular {
		assert.NotZero(t, m.ID)
		assert.NotEmpty(t, m.FormattedTime)
	}
}

func TestBulkWithoutMemories(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	out := postJSON(t, srv.URL+"/api/memories/bulk", map[string]any{"memories": []any{}})
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "No memories provided", out["message"])
}

func TestDreamCycleWalksStages(t *testing.T) {
	b, srv := newTestServer(t, Config{StageDuration: 20 * time.Millisecond})
	b.AddMemory("Coffee", "routine", nil, nil)
	b.AddMemory("Coffee again", "routine", nil, nil)
	b.AddMemory("Meeting", "work", nil, nil)

	out := postJSON(t, srv.URL+"/api/dreams/trigger", nil)
	assert.Equal(t, "started", out["status"])

	seen := map[types.Stage]bool{}
	require.Eventually(t, func() bool {
		st := b.State()
		if st.Dreaming {
			seen[st.CurrentStage] = true
		}
		return !st.Dreaming && len(b.Dreams()) == 1
	}, 2*time.Second, 2*time.Millisecond)

	assert.True(t, seen[types.StageMemorySelection] || seen[types.StageConsolidation])
	assert.True(t, seen[types.StageInsight])
	assert.Equal(t, types.StageIdle, b.State().CurrentStage)

	var dreams []types.DreamRecord
	getJSON(t, srv.URL+"/api/dreams", &dreams)
	require.Len(t, dreams, 1)
	rec := dreams[0]
	assert.Equal(t, int64(1), rec.ID)
	assert.Greater(t, rec.Duration, 0.0)
	require.Len(t, rec.Consolidations, 1)
	assert.Equal(t, 2, rec.Consolidations[0].Count)
	assert.Equal(t, "routine", rec.Consolidations[0].Source)
	require.Len(t, rec.Insights, 1)

	mems := b.Memories()
	assert.Len(t, mems.Consolidated, 1)
	assert.Len(t, mems.Insights, 1)
}

func TestTriggerWhileDreaming(t *testing.T) {
	_, srv := newTestServer(t, Config{StageDuration: time.Second})
	first := postJSON(t, srv.URL+"/api/dreams/trigger", nil)
	assert.Equal(t, "started", first["status"])

	second := postJSON(t, srv.URL+"/api/dreams/trigger", nil)
	assert.Equal(t, "already_dreaming", second["status"])
	assert.Equal(t, true, second["success"])
}

func TestDreamRecordsCapped(t *testing.T) {
	b, _ := newTestServer(t, Config{StageDuration: time.Millisecond, MaxDreams: 3})
	for i := 0; i < 5; i++ {
		started, _ := b.Trigger()
		require.True(t, started)
		require.Eventually(t, func() bool { return !b.State().Dreaming }, time.Second, time.Millisecond)
	}
	dreams := b.Dreams()
	require.Len(t, dreams, 3)
	assert.Equal(t, int64(3), dreams[0].ID)
	assert.Equal(t, int64(5), dreams[2].ID)
}

func TestResetAbortsCycle(t *testing.T) {
	b, srv := newTestServer(t, Config{StageDuration: time.Hour})
	b.AddMemory("Coffee", "routine", nil, nil)
	started, _ := b.Trigger()
	require.True(t, started)
	require.True(t, b.State().Dreaming)

	out := postJSON(t, srv.URL+"/api/system/reset", nil)
	assert.Equal(t, true, out["success"])

	st := b.State()
	assert.False(t, st.Dreaming)
	assert.Equal(t, types.StageIdle, st.CurrentStage)
	assert.Empty(t, b.Memories().Regular)
	assert.Empty(t, b.Dreams())
}

func TestFaultInjection(t *testing.T) {
	b, srv := newTestServer(t, Config{})
	b.Fail("/api/memories", http.StatusServiceUnavailable)

	resp, err := http.Get(srv.URL + "/api/memories")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	b.Heal("/api/memories")
	resp, err = http.Get(srv.URL + "/api/memories")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, b.Hits("/api/memories"))
}

func TestAutoDreamOnBacklog(t *testing.T) {
	b, _ := newTestServer(t, Config{StageDuration: time.Millisecond, AutoDreamInterval: time.Hour, AutoDreamBacklog: 2})
	// The first check is due immediately since no dream ran yet.
	require.Eventually(t, func() bool { return len(b.Dreams()) >= 1 }, time.Second, time.Millisecond)
}
