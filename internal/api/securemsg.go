package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nugget/postern/internal/securemsg"
)

// maxSecureTTL caps how long a secure message may live.
const maxSecureTTL = 30 * 24 * time.Hour

// SecureMessageRequest creates a secure message.
type SecureMessageRequest struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	// TTL is a Go duration string such as "72h". Empty never expires.
	TTL string `json:"ttl,omitempty"`
}

func (s *Server) handleSecureCreate(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.secure == nil, "secure messages") {
		return
	}
	var req SecureMessageRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Body == "" {
		s.errorResponse(w, http.StatusBadRequest, "body is required")
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 || d > maxSecureTTL {
			s.errorResponse(w, http.StatusBadRequest, "ttl must be a positive duration up to 720h")
			return
		}
		ttl = d
	}

	created, err := s.secure.Create(r.Context(), user, req.Subject, req.Body, ttl)
	if err != nil {
		s.logger.Error("secure message create failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to create secure message")
		return
	}
	s.respond(w, http.StatusCreated, created)
}

// handleSecureGet opens a message by id. The id is the credential, so
// no user header is required.
func (s *Server) handleSecureGet(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.secure == nil, "secure messages") {
		return
	}
	msg, err := s.secure.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, securemsg.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "secure message not found")
		return
	}
	if err != nil {
		s.logger.Error("secure message read failed", "id", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read secure message")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	s.respond(w, http.StatusOK, msg)
}

func (s *Server) handleSecureDelete(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.secure == nil, "secure messages") {
		return
	}
	err := s.secure.Delete(r.Context(), user, r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, securemsg.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "secure message not found")
	case errors.Is(err, securemsg.ErrForbidden):
		s.errorResponse(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error("secure message delete failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete secure message")
	}
}
