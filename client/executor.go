package client

import (
	"context"

	"github.com/mycelian/dreamwatch/internal/cmdqueue"
)

// executor abstracts the command queue used by fire-and-forget commands.
type executor interface {
	SubmitDetached(ctx context.Context, name string, job cmdqueue.Job) error
	Barrier(ctx context.Context) error
	Stop()
}

var _ executor = (*cmdqueue.Queue)(nil)
