// Package devbackend is an in-memory stand-in for the memory / dream backend.
//
// It serves the six endpoints the client consumes and simulates a dream
// cycle that walks memory-selection, consolidation, hypothesis and insight
// before returning to idle. Stage durations are configurable so tests can run
// a full cycle in milliseconds.
package devbackend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mycelian/dreamwatch/internal/types"
)

// Config tunes the simulation. Zero values pick the defaults.
type Config struct {
	// StageDuration is how long each dream stage lasts.
	StageDuration time.Duration
	// MaxDreams caps the kept dream records.
	MaxDreams int
	// AutoDreamInterval starts a dream when this much time passed since the
	// last one. Zero disables automatic dreaming.
	AutoDreamInterval time.Duration
	// AutoDreamBacklog starts a dream when more unprocessed memories than
	// this are waiting. Only checked while automatic dreaming is enabled.
	AutoDreamBacklog int
	Logger           *zerolog.Logger
}

const (
	maxRegularKept      = 100
	maxConsolidatedKept = 50
	maxInsightsKept     = 30
	maxScenariosKept    = 15

	recentRegular      = 20
	recentConsolidated = 10
	recentInsights     = 10

	insightStoreThreshold = 0.6
	defaultImportance     = 0.5
)

// Backend holds the simulated memory and dream state. Use New.
type Backend struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu            sync.Mutex
	nextID        int64
	regular       []types.Memory
	processed     map[int64]bool
	consolidated  []types.Memory
	insights      []types.Memory
	scenarios     int
	dreams        []types.DreamRecord
	dreaming      bool
	stage         types.Stage
	lastDreamTime float64
	dreamSeq      int64
	epoch         uint64
	cancelCycle   context.CancelFunc

	faults map[string]int
	hits   map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an idle backend. Call Close to stop a running dream cycle.
func New(cfg Config) *Backend {
	if cfg.StageDuration <= 0 {
		cfg.StageDuration = 5 * time.Second
	}
	if cfg.MaxDreams <= 0 {
		cfg.MaxDreams = 10
	}
	if cfg.AutoDreamBacklog <= 0 {
		cfg.AutoDreamBacklog = 15
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		cfg:       cfg,
		log:       logger.With().Str("component", "devbackend").Logger(),
		now:       time.Now,
		processed: make(map[int64]bool),
		stage:     types.StageIdle,
		faults:    make(map[string]int),
		hits:      make(map[string]int),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.clearLocked()
	if cfg.AutoDreamInterval > 0 {
		b.wg.Add(1)
		go b.autoDream()
	}
	return b
}

// Close cancels any running dream cycle and waits for background work.
func (b *Backend) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

// AddMemory stores a regular memory. A nil importance gets the default.
func (b *Backend) AddMemory(text, source string, importance *float64, metadata map[string]any) types.Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	imp := defaultImportance
	if importance != nil {
		imp = *importance
	}
	if source == "" {
		source = "generated"
	}
	m := b.newMemoryLocked(text, source, imp, metadata)
	b.regular = append(b.regular, m)
	if len(b.regular) > maxRegularKept {
		b.regular = b.regular[len(b.regular)-maxRegularKept:]
	}
	return m
}

// Memories returns what GET /api/memories serves: the newest regular
// memories first, then the head of the consolidated and insight lists.
func (b *Backend) Memories() types.MemorySnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	regular := append([]types.Memory(nil), b.regular...)
	sort.SliceStable(regular, func(i, j int) bool { return regular[i].Timestamp > regular[j].Timestamp })
	return types.MemorySnapshot{
		Regular:      head(regular, recentRegular),
		Consolidated: head(b.consolidated, recentConsolidated),
		Insights:     head(b.insights, recentInsights),
	}
}

// State returns what GET /api/dream/state serves.
func (b *Backend) State() types.DreamStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	last := b.lastDreamTime
	return types.DreamStatus{
		Dreaming:          b.dreaming,
		CurrentStage:      b.stage,
		LastDreamTime:     &last,
		ConsolidatedCount: len(b.consolidated),
		ScenariosCount:    b.scenarios,
		InsightsCount:     len(b.insights),
	}
}

// Dreams returns the kept dream records, oldest first.
func (b *Backend) Dreams() []types.DreamRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.DreamRecord{}, b.dreams...)
}

// Trigger starts a dream cycle unless one is running. It reports whether a
// cycle was started and the id of the dream it will record.
func (b *Backend) Trigger() (started bool, dreamID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dreaming || b.ctx.Err() != nil {
		return false, 0
	}
	return true, b.startCycleLocked()
}

// Reset discards every memory and dream and aborts a running cycle.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.epoch++
	if b.cancelCycle != nil {
		b.cancelCycle()
		b.cancelCycle = nil
	}
	b.clearLocked()
	b.log.Info().Msg("backend reset")
}

// Fail makes every request to path answer status until Heal is called.
func (b *Backend) Fail(path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[path] = status
}

// Heal removes an injected failure.
func (b *Backend) Heal(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.faults, path)
}

// Hits counts requests received for path, failed ones included.
func (b *Backend) Hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

func (b *Backend) record(path string) (faultStatus int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hits[path]++
	return b.faults[path]
}

// ------------------------- dream cycle -------------------------

func (b *Backend) startCycleLocked() int64 {
	ctx, cancel := context.WithCancel(b.ctx)
	b.cancelCycle = cancel
	b.dreaming = true
	start := b.now()
	b.dreamSeq++
	rec := types.DreamRecord{
		ID:             b.dreamSeq,
		Timestamp:      epochSeconds(start),
		FormattedTime:  start.Format("2006-01-02 15:04:05"),
		Stages:         []types.DreamStageEntry{},
		Consolidations: []types.Consolidation{},
		Insights:       []types.Insight{},
	}
	b.lastDreamTime = rec.Timestamp

	b.wg.Add(1)
	go b.runCycle(ctx, b.epoch, rec, start)
	b.log.Info().Int64("dream_id", rec.ID).Msg("dream cycle started")
	return rec.ID
}

func (b *Backend) runCycle(ctx context.Context, epoch uint64, rec types.DreamRecord, start time.Time) {
	defer b.wg.Done()
	defer b.finishCycle(epoch)

	if !b.enterStage(epoch, &rec, types.StageMemorySelection) || !b.wait(ctx) {
		return
	}

	groups := b.selectGroups(epoch)
	if len(groups) > 0 {
		if !b.enterStage(epoch, &rec, types.StageConsolidation) || !b.wait(ctx) {
			return
		}
		if !b.consolidate(epoch, &rec, groups) {
			return
		}
	} else {
		rec.Stages = append(rec.Stages, types.DreamStageEntry{
			Timestamp:   epochSeconds(b.now()),
			Description: "No memories found for consolidation",
		})
	}

	if !b.enterStage(epoch, &rec, types.StageHypothesis) || !b.wait(ctx) {
		return
	}
	scenarios := len(groups) + 1

	if !b.enterStage(epoch, &rec, types.StageInsight) || !b.wait(ctx) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return
	}
	b.scenarios += scenarios
	if b.scenarios > maxScenariosKept {
		b.scenarios = maxScenariosKept
	}
	for _, c := range rec.Consolidations {
		ins := types.Insight{
			Text:        fmt.Sprintf("Repeated %s events suggest a routine worth keeping", c.Source),
			Value:       0.7,
			Application: "Anticipate this pattern tomorrow",
			Timestamp:   epochSeconds(b.now()),
		}
		rec.Insights = append(rec.Insights, ins)
		if ins.Value > insightStoreThreshold {
			m := b.newMemoryLocked(ins.Text, "insight", ins.Value, map[string]any{"dream_id": rec.ID})
			b.insights = append(b.insights, m)
		}
	}
	b.insights = keepMostImportant(b.insights, maxInsightsKept)

	rec.Duration = b.now().Sub(start).Seconds()
	b.dreams = append(b.dreams, rec)
	if len(b.dreams) > b.cfg.MaxDreams {
		b.dreams = b.dreams[len(b.dreams)-b.cfg.MaxDreams:]
	}
	b.log.Info().Int64("dream_id", rec.ID).Int("consolidations", len(rec.Consolidations)).Msg("dream cycle completed")
}

// finishCycle returns to idle unless a reset already did.
func (b *Backend) finishCycle(epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return
	}
	b.dreaming = false
	b.stage = types.StageIdle
	if b.cancelCycle != nil {
		b.cancelCycle()
		b.cancelCycle = nil
	}
}

func (b *Backend) enterStage(epoch uint64, rec *types.DreamRecord, stage types.Stage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return false
	}
	b.stage = stage
	rec.Stages = append(rec.Stages, types.DreamStageEntry{Timestamp: epochSeconds(b.now()), Description: string(stage)})
	b.log.Debug().Str("stage", string(stage)).Msg("dream stage")
	return true
}

func (b *Backend) wait(ctx context.Context) bool {
	t := time.NewTimer(b.cfg.StageDuration)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// selectGroups groups unprocessed regular memories by source; groups of two
// or more are consolidated.
func (b *Backend) selectGroups(epoch uint64) [][]types.Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return nil
	}
	bySource := map[string][]types.Memory{}
	var order []string
	for _, m := range b.regular {
		if b.processed[m.ID] {
			continue
		}
		if _, ok := bySource[m.Source]; !ok {
			order = append(order, m.Source)
		}
		bySource[m.Source] = append(bySource[m.Source], m)
	}
	var groups [][]types.Memory
	for _, src := range order {
		if len(bySource[src]) >= 2 {
			groups = append(groups, bySource[src])
		}
	}
	return groups
}

func (b *Backend) consolidate(epoch uint64, rec *types.DreamRecord, groups [][]types.Memory) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return false
	}
	for _, group := range groups {
		texts := make([]string, 0, len(group))
		ids := make([]int64, 0, len(group))
		var sum float64
		for _, m := range group {
			texts = append(texts, m.Text)
			ids = append(ids, m.ID)
			sum += m.Importance
			b.processed[m.ID] = true
		}
		text := fmt.Sprintf("Combined memory from %d similar events: %s", len(group), group[0].Text)
		meta := map[string]any{
			"dream_id":          rec.ID,
			"original_count":    len(group),
			"consolidated_from": ids,
			"event_type":        group[0].Source,
		}
		b.consolidated = append(b.consolidated, b.newMemoryLocked(text, "consolidated", sum/float64(len(group)), meta))
		rec.Consolidations = append(rec.Consolidations, types.Consolidation{
			OriginalMemories: texts,
			ConsolidatedText: text,
			Source:           group[0].Source,
			Count:            len(group),
		})
	}
	b.consolidated = keepMostImportant(b.consolidated, maxConsolidatedKept)
	return true
}

func (b *Backend) autoDream() {
	defer b.wg.Done()
	t := time.NewTicker(b.cfg.StageDuration)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-t.C:
		}
		b.mu.Lock()
		due := epochSeconds(b.now())-b.lastDreamTime > b.cfg.AutoDreamInterval.Seconds()
		if !b.dreaming && (due || b.unprocessedLocked() > b.cfg.AutoDreamBacklog) {
			b.startCycleLocked()
		}
		b.mu.Unlock()
	}
}

// ------------------------- helpers -------------------------

func (b *Backend) newMemoryLocked(text, source string, importance float64, metadata map[string]any) types.Memory {
	b.nextID++
	now := b.now()
	if metadata == nil {
		metadata = map[string]any{}
	}
	return types.Memory{
		ID:            b.nextID,
		Text:          text,
		Source:        source,
		Timestamp:     epochSeconds(now),
		FormattedTime: now.Format("2006-01-02 15:04:05"),
		Importance:    importance,
		Metadata:      metadata,
	}
}

func (b *Backend) unprocessedLocked() int {
	n := 0
	for _, m := range b.regular {
		if !b.processed[m.ID] {
			n++
		}
	}
	return n
}

func (b *Backend) clearLocked() {
	b.nextID = 0
	b.regular = []types.Memory{}
	b.processed = make(map[int64]bool)
	b.consolidated = []types.Memory{}
	b.insights = []types.Memory{}
	b.scenarios = 0
	b.dreams = []types.DreamRecord{}
	b.dreaming = false
	b.stage = types.StageIdle
	b.lastDreamTime = 0
	b.dreamSeq = 0
}

func keepMostImportant(ms []types.Memory, n int) []types.Memory {
	if len(ms) <= n {
		return ms
	}
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Importance > ms[j].Importance })
	return ms[:n]
}

func head[T any](in []T, n int) []T {
	if len(in) > n {
		in = in[:n]
	}
	return append([]T{}, in...)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
