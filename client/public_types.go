package client

import (
	"github.com/mycelian/dreamwatch/internal/cmdqueue"
	"github.com/mycelian/dreamwatch/internal/poller"
	"github.com/mycelian/dreamwatch/internal/state"
	"github.com/mycelian/dreamwatch/internal/types"
)

// Public type aliases so consumers can import only the client package.
type (
	// Domain entities
	Memory         = types.Memory
	MemorySnapshot = types.MemorySnapshot
	DreamStatus    = types.DreamStatus
	DreamRecord    = types.DreamRecord
	DailyEvent     = types.DailyEvent
	Stage          = types.Stage

	// Responses
	EnqueueAck      = types.EnqueueAck
	CommandResponse = types.CommandResponse

	// Local state
	Snapshot  = state.Snapshot
	Event     = state.Event
	EventKind = state.EventKind

	// Tuning
	Policy      = poller.Policy
	QueueConfig = cmdqueue.Config
)
