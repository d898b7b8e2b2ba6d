package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/postern/internal/email"
	"github.com/nugget/postern/internal/mailflow"
)

// handleSend runs the send lifecycle. A pre-send veto is a 403, never a
// server error.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.sender == nil, "mail sending") {
		return
	}
	var req mailflow.SendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	res, err := s.sender.Send(r.Context(), user, req)
	if err != nil {
		var blocked *mailflow.BlockedError
		switch {
		case errors.As(err, &blocked):
			s.respond(w, http.StatusForbidden, map[string]any{
				"error": map[string]any{
					"message":   "blocked by policy",
					"reason":    blocked.Message,
					"expansion": blocked.Expansion,
					"code":      http.StatusForbidden,
				},
			})
		case errors.Is(err, mailflow.ErrNoRecipients), errors.Is(err, mailflow.ErrInvalidRequest):
			s.errorResponse(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("send failed", "user", user, "error", err)
			s.errorResponse(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.mail == nil, "mailbox") {
		return
	}
	if user != s.mailOwner {
		s.errorResponse(w, http.StatusForbidden, "mailbox belongs to another user")
		return
	}

	q := r.URL.Query()
	client, err := s.mail.Account(q.Get("account"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	envs, err := client.Find(r.Context(), email.Query{
		Folder: q.Get("folder"),
		Limit:  parseIntParam(r, "limit", 20),
		Unseen: q.Get("unseen") == "true",
		From:   q.Get("from"),
		Text:   q.Get("q"),
	})
	if err != nil {
		s.logger.Warn("message list failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	if envs == nil {
		envs = []email.Envelope{}
	}
	s.respond(w, http.StatusOK, map[string]any{"messages": envs})
}

func (s *Server) handleMessageGet(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" {
		return
	}
	uid, err := strconv.ParseUint(r.PathValue("uid"), 10, 32)
	if err != nil || uid == 0 {
		s.errorResponse(w, http.StatusBadRequest, "uid must be a positive integer")
		return
	}
	msg, code, err := s.readOwnedMessage(r, user, r.URL.Query().Get("account"), uint32(uid))
	if err != nil {
		s.errorResponse(w, code, err.Error())
		return
	}
	s.respond(w, http.StatusOK, msg)
}
