package rest

import (
	"encoding/json"
	"net/http"

	"github.com/flowforge/flowd/model"
)

func (s *Server) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var req model.FlowEvent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.EventType == "" {
		respondWithError(w, http.StatusBadRequest, "eventType can not be empty")
		return
	}
	// Unmatched correlation is a no-op, not an error.
	s.executorService.PublishEvent(req.EventType, req.Payload, req.CorrelationKey)
	respondOK(w, map[string]string{"message": "accepted"})
}
