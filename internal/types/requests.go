package types

// ------------------------------
// Request / Response Types
// ------------------------------

// MemoriesResponse is the payload of GET /api/memories. A nil field was
// absent (or null) in the response and must not overwrite local state.
type MemoriesResponse struct {
	Regular      *[]Memory `json:"regular,omitempty"`
	Consolidated *[]Memory `json:"consolidated,omitempty"`
	Insights     *[]Memory `json:"insights,omitempty"`
}

// BulkMemoriesRequest is the body of POST /api/memories/bulk.
type BulkMemoriesRequest struct {
	Memories []Memory `json:"memories"`
}

// CommandResponse covers the loose JSON answers of the POST endpoints.
// Only its existence matters to the protocol; fields are kept for logging.
type CommandResponse struct {
	Success *bool          `json:"success,omitempty"`
	Status  string         `json:"status,omitempty"`
	Message string         `json:"message,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// Trigger outcomes reported by the backend.
const (
	TriggerStarted         = "started"
	TriggerAlreadyDreaming = "already_dreaming"
)

// Outcome returns the command status, looking under "result" when the
// backend did not repeat it at the top level.
func (r *CommandResponse) Outcome() string {
	if r == nil {
		return ""
	}
	if r.Status != "" {
		return r.Status
	}
	if s, ok := r.Result["status"].(string); ok {
		return s
	}
	return ""
}

// EnqueueAck acknowledges a fire-and-forget command. The outcome is observed
// through the poll loops, not through this value.
type EnqueueAck struct {
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
	Status    string `json:"status"`
}
