package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/mycelian/dreamwatch/internal/types"
)

// GetDreamState fetches the dream status.
func GetDreamState(ctx context.Context, hc HTTPClient, baseURL string) (*types.DreamStatus, error) {
	var out types.DreamStatus
	if err := doJSON(ctx, hc, "get dream state", http.MethodGet, baseURL+"/api/dream/state", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDreams fetches the recent dream records. A null answer is returned as
// an empty list.
func ListDreams(ctx context.Context, hc HTTPClient, baseURL string) ([]types.DreamRecord, error) {
	var out []types.DreamRecord
	if err := doJSON(ctx, hc, "list dreams", http.MethodGet, baseURL+"/api/dreams", "", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []types.DreamRecord{}
	}
	return out, nil
}

// PostTrigger asks the backend to start a dream cycle, synchronously.
func PostTrigger(ctx context.Context, hc HTTPClient, baseURL, requestID string) (*types.CommandResponse, error) {
	var out types.CommandResponse
	if err := doJSON(ctx, hc, "trigger dream", http.MethodPost, baseURL+"/api/dreams/trigger", requestID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerDream submits the trigger through the command executor. The dream
// itself is observed through the dream-state poll; then, if non-nil, runs
// once the backend has answered.
func TriggerDream(ctx context.Context, exec Executor, hc HTTPClient, baseURL string, then func(*types.CommandResponse)) (*types.EnqueueAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	job := func(jobCtx context.Context) error {
		resp, err := PostTrigger(jobCtx, hc, baseURL, requestID)
		if err != nil {
			return err
		}
		if then != nil {
			then(resp)
		}
		return nil
	}
	if err := exec.SubmitDetached(ctx, "trigger-dream", jobFunc(job)); err != nil {
		return nil, err
	}
	return &types.EnqueueAck{RequestID: requestID, Command: "trigger-dream", Status: "enqueued"}, nil
}
