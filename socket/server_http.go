package socket

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/momoland/realtime/auth"
)

// Router mounts the socket endpoint, its long-polling paths and the small
// REST surface:
//
//	/socket                     WebSocket upgrade
//	POST /socket/connect        long-polling session
//	GET  /socket/poll           long-polling receive
//	POST /socket/send           long-polling send
//	POST /socket/disconnect     long-polling close
//	GET  /api/auth/me           bearer token to user
//	GET  /api/presence          authenticated count and rooms
//	GET  /healthz
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/socket", s.HandleHTTP)
	r.HandleFunc("/socket/connect", s.handleLongPollingConnect).Methods(http.MethodPost)
	r.HandleFunc("/socket/poll", s.handleLongPollingPoll).Methods(http.MethodGet)
	r.HandleFunc("/socket/send", s.handleLongPollingSend).Methods(http.MethodPost)
	r.HandleFunc("/socket/disconnect", s.handleLongPollingDisconnect).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return r
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return
	}

	user, err := s.verifier.Verify(r.Context(), token)
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	case err != nil:
		s.logger.Warn("auth probe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "auth unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type presenceResponse struct {
	Count int      `json:"count"`
	Rooms []string `json:"rooms"`
}

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, presenceResponse{
		Count: s.Count(),
		Rooms: s.Rooms(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
