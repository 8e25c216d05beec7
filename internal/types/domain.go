package types

import (
	"math"
	"time"
)

// ------------------------------
// Dream stages
// ------------------------------

// Stage is the server-reported phase of a dream cycle.
type Stage string

const (
	StageIdle            Stage = "idle"
	StageMemorySelection Stage = "memory-selection"
	StageConsolidation   Stage = "consolidation"
	StageHypothesis      Stage = "hypothesis"
	StageInsight         Stage = "insight"
)

// Stages lists the known stages in cycle order.
var Stages = []Stage{StageIdle, StageMemorySelection, StageConsolidation, StageHypothesis, StageInsight}

// Known reports whether s is one of the documented stages.
func (s Stage) Known() bool {
	for _, k := range Stages {
		if s == k {
			return true
		}
	}
	return false
}

// OrIdle maps the empty stage to idle.
func (s Stage) OrIdle() Stage {
	if s == "" {
		return StageIdle
	}
	return s
}

// ------------------------------
// Core Domain Entities
// ------------------------------

// Memory is a unit of recorded content. Values received from the backend are
// never mutated; collections are replaced wholesale.
type Memory struct {
	ID            int64          `json:"id,omitempty"`
	Text          string         `json:"text"`
	Source        string         `json:"source"`
	Timestamp     float64        `json:"timestamp"`
	FormattedTime string         `json:"formatted_time,omitempty"`
	Importance    float64        `json:"importance,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Time converts the epoch-seconds timestamp.
func (m Memory) Time() time.Time { return epoch(m.Timestamp) }

// MemorySnapshot is the client-side view of the three memory collections.
type MemorySnapshot struct {
	Regular      []Memory `json:"regular"`
	Consolidated []Memory `json:"consolidated"`
	Insights     []Memory `json:"insights"`
}

// DreamStatus is the payload of GET /api/dream/state.
type DreamStatus struct {
	Dreaming          bool     `json:"dreaming"`
	CurrentStage      Stage    `json:"current_stage"`
	LastDreamTime     *float64 `json:"last_dream_time,omitempty"`
	ConsolidatedCount int      `json:"consolidated_count,omitempty"`
	ScenariosCount    int      `json:"scenarios_count,omitempty"`
	InsightsCount     int      `json:"insights_count,omitempty"`
}

// EffectiveStage is the stage a renderer should show: idle whenever the
// backend is not dreaming.
func (s DreamStatus) EffectiveStage() Stage {
	if !s.Dreaming {
		return StageIdle
	}
	return s.CurrentStage.OrIdle()
}

// DreamStageEntry is one timestamped step in a dream record.
type DreamStageEntry struct {
	Timestamp   float64 `json:"timestamp"`
	Description string  `json:"description"`
}

// Consolidation describes memories merged during a dream.
type Consolidation struct {
	OriginalMemories []string `json:"original_memories,omitempty"`
	ConsolidatedText string   `json:"consolidated_text"`
	Source           string   `json:"source,omitempty"`
	Count            int      `json:"count,omitempty"`
}

// Insight is a dream-generated observation with a 0..1 value.
type Insight struct {
	Text        string  `json:"text"`
	Value       float64 `json:"value"`
	Application string  `json:"application,omitempty"`
	Timestamp   float64 `json:"timestamp,omitempty"`
}

// DreamRecord is one completed dream cycle.
type DreamRecord struct {
	ID             int64             `json:"id,omitempty"`
	Timestamp      float64           `json:"timestamp"`
	FormattedTime  string            `json:"formatted_time,omitempty"`
	Duration       float64           `json:"duration"`
	Stages         []DreamStageEntry `json:"stages"`
	Consolidations []Consolidation   `json:"consolidations"`
	Insights       []Insight         `json:"insights"`
}

// Started converts the epoch-seconds timestamp.
func (d DreamRecord) Started() time.Time { return epoch(d.Timestamp) }

// DailyEvent is a synthetic event of a simulated day, posted as a memory.
// SimilarTo, when set, indexes an earlier event of the same batch.
type DailyEvent struct {
	Time      string `json:"time" toml:"time"`
	Content   string `json:"content" toml:"content"`
	Type      string `json:"type" toml:"type"`
	SimilarTo *int   `json:"similarTo,omitempty" toml:"similar_to,omitempty"`
}

func epoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}
