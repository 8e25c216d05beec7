package devbackend

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mycelian/dreamwatch/internal/recovery"
	"github.com/mycelian/dreamwatch/internal/respond"
	"github.com/mycelian/dreamwatch/internal/types"
)

// bulkMemory is one element of POST /api/memories/bulk. Importance is
// optional and computed when absent.
type bulkMemory struct {
	Text       string         `json:"text"`
	Source     string         `json:"source"`
	Importance *float64       `json:"importance"`
	Metadata   map[string]any `json:"metadata"`
}

// NewRouter exposes b over the backend's HTTP surface.
func NewRouter(b *Backend) *mux.Router {
	router := mux.NewRouter()

	// Global middlewares
	router.Use(recovery.New("dev-backend", b.log))
	router.Use(b.faultMiddleware)

	router.HandleFunc("/api/health", b.handleHealth).Methods("GET")

	// Polled resources
	router.HandleFunc("/api/memories", b.handleMemories).Methods("GET")
	router.HandleFunc("/api/dream/state", b.handleState).Methods("GET")
	router.HandleFunc("/api/dreams", b.handleDreams).Methods("GET")

	// Commands
	router.HandleFunc("/api/dreams/trigger", b.handleTrigger).Methods("POST")
	router.HandleFunc("/api/memories/bulk", b.handleBulk).Methods("POST")
	router.HandleFunc("/api/system/reset", b.handleReset).Methods("POST")

	return router
}

// faultMiddleware counts requests and serves injected failures.
func (b *Backend) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status := b.record(r.URL.Path); status != 0 {
			respond.WriteError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

func (b *Backend) handleMemories(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSON(w, http.StatusOK, b.Memories())
}

func (b *Backend) handleState(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSON(w, http.StatusOK, b.State())
}

func (b *Backend) handleDreams(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSON(w, http.StatusOK, b.Dreams())
}

func (b *Backend) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	started, id := b.Trigger()
	result := map[string]any{"status": "started", "dream_id": id}
	if !started {
		result = map[string]any{"status": "already_dreaming", "message": "Dream cycle already in progress"}
	}
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"status":      result["status"],
		"result":      result,
		"dream_state": b.State(),
	})
}

func (b *Backend) handleBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Memories []bulkMemory `json:"memories"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Memories) == 0 {
		respond.WriteJSON(w, http.StatusOK, types.CommandResponse{Success: boolPtr(false), Message: "No memories provided"})
		return
	}
	for _, m := range body.Memories {
		b.AddMemory(m.Text, m.Source, m.Importance, m.Metadata)
	}
	respond.WriteJSON(w, http.StatusOK, types.CommandResponse{
		Success: boolPtr(true),
		Message: fmt.Sprintf("Added %d memories", len(body.Memories)),
	})
}

func (b *Backend) handleReset(w http.ResponseWriter, _ *http.Request) {
	b.Reset()
	respond.WriteJSON(w, http.StatusOK, types.CommandResponse{
		Success: boolPtr(true),
		Message: "All systems have been reset",
	})
}

func boolPtr(v bool) *bool { return &v }
