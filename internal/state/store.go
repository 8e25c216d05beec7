// Package state holds the client's last-known view of the backend.
//
// The Store is written only by the poll loops and the reset command and read
// by renderers. Writes replace whole fields, never merge element-wise, and a
// failed poll simply never calls into the Store, which keeps the previous
// value available.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mycelian/dreamwatch/internal/types"
)

// EventKind identifies what changed in the Store.
type EventKind string

const (
	EventMemories    EventKind = "memories"
	EventStatus      EventKind = "status"
	EventStage       EventKind = "stage"
	EventDreams      EventKind = "dreams"
	EventDailyEvents EventKind = "events"
	EventReset       EventKind = "reset"
)

// Event is published to subscribers after a change has been applied.
type Event struct {
	Kind          EventKind   `json:"kind"`
	Stage         types.Stage `json:"stage,omitempty"`
	PreviousStage types.Stage `json:"previousStage,omitempty"`
	Generation    uint64      `json:"generation"`
	At            time.Time   `json:"at"`
}

// Snapshot is a consistent copy of the Store. Slices are copies; the
// elements themselves are shared and must be treated as read-only.
type Snapshot struct {
	Memories    types.MemorySnapshot `json:"memories"`
	DailyEvents []types.DailyEvent   `json:"dailyEvents"`
	Status      types.DreamStatus    `json:"status"`
	Stage       types.Stage          `json:"stage"`
	Dreams      []types.DreamRecord  `json:"dreams"`
	Generation  uint64               `json:"generation"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// Store is the client-side state mirror. The zero value is not usable; call
// New.
type Store struct {
	mu           sync.RWMutex
	regular      []types.Memory
	consolidated []types.Memory
	insights     []types.Memory
	dailyEvents  []types.DailyEvent
	status       types.DreamStatus
	stage        types.Stage
	dreams       []types.DreamRecord
	generation   uint64
	updatedAt    time.Time

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
	dropped uint64

	now func() time.Time
}

// New returns an empty Store in the idle stage.
func New() *Store {
	s := &Store{subs: make(map[int]chan Event), now: time.Now}
	s.clearLocked()
	return s
}

// Generation identifies the current reset epoch. Pollers read it before
// issuing a request and hand it back to the Apply methods, which drop the
// result if a reset happened in between.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// ApplyMemories replaces each collection present in resp. Absent
// collections keep their previous value. It reports false if the response
// belongs to an older generation and was discarded.
func (s *Store) ApplyMemories(gen uint64, resp *types.MemoriesResponse) bool {
	if resp == nil {
		return false
	}
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	if resp.Regular != nil {
		s.regular = cloneOrEmpty(*resp.Regular)
	}
	if resp.Consolidated != nil {
		s.consolidated = cloneOrEmpty(*resp.Consolidated)
	}
	if resp.Insights != nil {
		s.insights = cloneOrEmpty(*resp.Insights)
	}
	s.updatedAt = s.now()
	ev := Event{Kind: EventMemories, Generation: s.generation, At: s.updatedAt}
	s.mu.Unlock()

	s.publish(ev)
	return true
}

// ApplyStatus records a dream status. stageChanged is true only when the
// effective stage differs from the cached one, so repeated identical polls
// produce a single transition.
func (s *Store) ApplyStatus(gen uint64, status types.DreamStatus) (applied, stageChanged bool) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false, false
	}
	s.status = status
	s.updatedAt = s.now()
	events := []Event{{Kind: EventStatus, Stage: s.stage, Generation: s.generation, At: s.updatedAt}}

	next := status.EffectiveStage()
	if next != s.stage {
		prev := s.stage
		s.stage = next
		stageChanged = true
		events[0].Stage = next
		events = append(events, Event{Kind: EventStage, Stage: next, PreviousStage: prev, Generation: s.generation, At: s.updatedAt})
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.publish(ev)
	}
	return true, stageChanged
}

// ApplyDreams replaces the dream records.
func (s *Store) ApplyDreams(gen uint64, records []types.DreamRecord) bool {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	s.dreams = cloneOrEmpty(records)
	s.updatedAt = s.now()
	ev := Event{Kind: EventDreams, Generation: s.generation, At: s.updatedAt}
	s.mu.Unlock()

	s.publish(ev)
	return true
}

// SetDailyEvents records the last batch of synthetic events posted.
func (s *Store) SetDailyEvents(events []types.DailyEvent) {
	s.mu.Lock()
	s.dailyEvents = cloneOrEmpty(events)
	s.updatedAt = s.now()
	ev := Event{Kind: EventDailyEvents, Generation: s.generation, At: s.updatedAt}
	s.mu.Unlock()

	s.publish(ev)
}

// Reset discards all local state and starts a new generation, so responses
// to requests issued before the reset are ignored.
func (s *Store) Reset() {
	s.mu.Lock()
	prev := s.stage
	s.generation++
	s.clearLocked()
	s.updatedAt = s.now()
	events := []Event{{Kind: EventReset, Stage: types.StageIdle, Generation: s.generation, At: s.updatedAt}}
	if prev != types.StageIdle {
		events = append(events, Event{Kind: EventStage, Stage: types.StageIdle, PreviousStage: prev, Generation: s.generation, At: s.updatedAt})
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.publish(ev)
	}
}

// Snapshot returns a copy of the whole Store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Memories: types.MemorySnapshot{
			Regular:      cloneOrEmpty(s.regular),
			Consolidated: cloneOrEmpty(s.consolidated),
			Insights:     cloneOrEmpty(s.insights),
		},
		DailyEvents: cloneOrEmpty(s.dailyEvents),
		Status:      s.status,
		Stage:       s.stage,
		Dreams:      cloneOrEmpty(s.dreams),
		Generation:  s.generation,
		UpdatedAt:   s.updatedAt,
	}
}

// Memories returns a copy of the three memory collections.
func (s *Store) Memories() types.MemorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.MemorySnapshot{
		Regular:      cloneOrEmpty(s.regular),
		Consolidated: cloneOrEmpty(s.consolidated),
		Insights:     cloneOrEmpty(s.insights),
	}
}

// Status returns the last applied dream status.
func (s *Store) Status() types.DreamStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Stage returns the cached effective stage.
func (s *Store) Stage() types.Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// Dreaming reports the last known dreaming flag.
func (s *Store) Dreaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Dreaming
}

// Dreams returns a copy of the dream records.
func (s *Store) Dreams() []types.DreamRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneOrEmpty(s.dreams)
}

// Subscribe returns a channel of change events and a cancel function that
// closes it. Events are dropped for a subscriber whose buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts events that could not be delivered to a full subscriber.
func (s *Store) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

func (s *Store) publish(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

func (s *Store) clearLocked() {
	s.regular = []types.Memory{}
	s.consolidated = []types.Memory{}
	s.insights = []types.Memory{}
	s.dailyEvents = []types.DailyEvent{}
	s.dreams = []types.DreamRecord{}
	s.status = types.DreamStatus{CurrentStage: types.StageIdle}
	s.stage = types.StageIdle
}

func cloneOrEmpty[T any](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	return out
}
