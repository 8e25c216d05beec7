package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/mycelian/dreamwatch/internal/types"
)

// ResetSystem clears all backend state. It is synchronous because the caller
// must only discard local state once the backend confirmed.
func ResetSystem(ctx context.Context, hc HTTPClient, baseURL string) (*types.CommandResponse, error) {
	var out types.CommandResponse
	if err := doJSON(ctx, hc, "reset system", http.MethodPost, baseURL+"/api/system/reset", uuid.NewString(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
