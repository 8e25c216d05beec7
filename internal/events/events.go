// Package events turns a day's synthetic events into memories for the bulk
// endpoint and loads event batches from disk.
package events

import (
	"fmt"
	"time"

	"github.com/mycelian/dreamwatch/internal/types"
)

// ToMemories converts a validated batch. Every memory gets the same
// timestamp, now. A SimilarTo reference is resolved to the referenced
// event's content; without one similar_to is null.
func ToMemories(events []types.DailyEvent, now time.Time) ([]types.Memory, error) {
	if err := types.ValidateEvents(events); err != nil {
		return nil, err
	}
	ts := float64(now.UnixNano()) / float64(time.Second)

	out := make([]types.Memory, 0, len(events))
	for _, ev := range events {
		var similar any
		if ev.SimilarTo != nil {
			similar = events[*ev.SimilarTo].Content
		}
		out = append(out, types.Memory{
			Text:      fmt.Sprintf("%s - %s", ev.Time, ev.Content),
			Source:    ev.Type,
			Timestamp: ts,
			Metadata: map[string]any{
				"event_type": ev.Type,
				"time":       ev.Time,
				"similar_to": similar,
			},
		})
	}
	return out, nil
}
