package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	logx "dispatchq/pkg/logx"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", logx.Err(err))
	}
}

func (s *Server) error(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Int("status", status), logx.String("msg", msg))
	}
	s.json(w, status, ErrorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}
