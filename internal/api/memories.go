package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/mycelian/dreamwatch/internal/types"
)

// GetMemories fetches the three memory collections. Fields missing from the
// answer stay nil in the result.
func GetMemories(ctx context.Context, hc HTTPClient, baseURL string) (*types.MemoriesResponse, error) {
	var out types.MemoriesResponse
	if err := doJSON(ctx, hc, "get memories", http.MethodGet, baseURL+"/api/memories", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostBulkMemories stores a batch of memories synchronously.
func PostBulkMemories(ctx context.Context, hc HTTPClient, baseURL, requestID string, memories []types.Memory) (*types.CommandResponse, error) {
	var out types.CommandResponse
	body := types.BulkMemoriesRequest{Memories: memories}
	if err := doJSON(ctx, hc, "post memories", http.MethodPost, baseURL+"/api/memories/bulk", requestID, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PostMemories submits a bulk memory post via the command executor and
// returns as soon as it is queued. then, if non-nil, runs after the backend
// accepted the batch.
func PostMemories(ctx context.Context, exec Executor, hc HTTPClient, baseURL string, memories []types.Memory, then func(*types.CommandResponse)) (*types.EnqueueAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	job := func(jobCtx context.Context) error {
		resp, err := PostBulkMemories(jobCtx, hc, baseURL, requestID, memories)
		if err != nil {
			return err
		}
		if then != nil {
			then(resp)
		}
		return nil
	}
	if err := exec.SubmitDetached(ctx, "post-memories", jobFunc(job)); err != nil {
		return nil, err
	}
	return &types.EnqueueAck{RequestID: requestID, Command: "post-memories", Status: "enqueued"}, nil
}
