package statusapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/mycelian/dreamwatch/client"
	"github.com/mycelian/dreamwatch/internal/respond"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"stage":   s.ctl.Store().Stage(),
		"loops":   s.ctl.Loops(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSON(w, http.StatusOK, s.ctl.Store().Snapshot())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ack, err := s.ctl.TriggerDream(r.Context())
	if err != nil {
		s.writeCommandError(w, "trigger", err)
		return
	}
	respond.WriteJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.ResetSystem(r.Context()); err != nil {
		s.writeCommandError(w, "reset", err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// writeCommandError answers 409 while a dream is running, 503 when the
// client cannot take commands and 502 when the backend failed.
func (s *Server) writeCommandError(w http.ResponseWriter, command string, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, client.ErrAlreadyDreaming):
		respond.WriteConflict(w, err.Error())
		return
	case errors.Is(err, client.ErrClosed), errors.Is(err, client.ErrQueueClosed), client.IsQueueFull(err):
		status = http.StatusServiceUnavailable
	}
	s.log.Error().Err(err).Str("command", command).Msg("command failed")
	respond.WriteError(w, status, err.Error())
}
