package client

import (
	"errors"

	"github.com/mycelian/dreamwatch/internal/cmdqueue"
	clienterrors "github.com/mycelian/dreamwatch/internal/errors"
)

var (
	// ErrAlreadyDreaming is returned by TriggerDream while a dream runs.
	ErrAlreadyDreaming = errors.New("a dream cycle is already running")
	// ErrClosed is returned by any operation after Stop.
	ErrClosed = errors.New("client is stopped")
)

// ErrQueueClosed is returned when a command is submitted to a stopped queue.
var ErrQueueClosed = cmdqueue.ErrQueueClosed

// IsQueueFull reports whether err is command queue back-pressure.
func IsQueueFull(err error) bool {
	var qf *cmdqueue.QueueFullError
	return errors.As(err, &qf)
}

// IsIrrecoverable reports whether err is a backend answer that retrying will
// not change (a 4xx other than 408 and 429).
func IsIrrecoverable(err error) bool { return clienterrors.IsIrrecoverable(err) }
