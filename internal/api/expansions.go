package api

import (
	"errors"
	"net/http"

	"github.com/nugget/postern/internal/email"
	"github.com/nugget/postern/internal/expansion"
	"github.com/nugget/postern/internal/mailflow"
)

// expansionInfo is the listing shape of a registered expansion.
type expansionInfo struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"display_name"`
	Description  string            `json:"description,omitempty"`
	Icon         string            `json:"icon,omitempty"`
	Interceptors []interceptorInfo `json:"interceptors"`
}

type interceptorInfo struct {
	Trigger  expansion.Trigger      `json:"trigger"`
	Kind     expansion.Kind         `json:"kind"`
	Priority int                    `json:"priority,omitempty"`
	Needs    []expansion.Capability `json:"needs,omitempty"`
	Ready    bool                   `json:"ready"`
}

func (s *Server) handleExpansionList(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.dispatcher == nil, "expansions") {
		return
	}
	svc := s.dispatcher.Services()
	all := s.dispatcher.Registry().All()

	out := make([]expansionInfo, 0, len(all))
	for _, e := range all {
		info := expansionInfo{
			ID:           e.ID,
			DisplayName:  e.DisplayName,
			Description:  e.Description,
			Icon:         e.Icon,
			Interceptors: make([]interceptorInfo, 0, len(e.Interceptors)),
		}
		for _, ic := range e.Interceptors {
			info.Interceptors = append(info.Interceptors, interceptorInfo{
				Trigger:  ic.Trigger,
				Kind:     ic.Kind,
				Priority: ic.Priority,
				Needs:    ic.Needs,
				Ready:    svc.Require(ic.Needs) == nil,
			})
		}
		out = append(out, info)
	}
	s.respond(w, http.StatusOK, map[string]any{
		"expansions":   out,
		"capabilities": svc.Available(),
	})
}

// ActionRequest invokes an API action. The target message is given
// inline or, for the mailbox owner, by account and uid.
type ActionRequest struct {
	Params  map[string]any     `json:"params,omitempty"`
	Message *expansion.Message `json:"message,omitempty"`
	Account string             `json:"account,omitempty"`
	UID     uint32             `json:"uid,omitempty"`
}

func (s *Server) handleExpansionAction(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.dispatcher == nil, "expansions") {
		return
	}
	var req ActionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	msg := req.Message
	if msg == nil && req.UID != 0 {
		m, code, err := s.readOwnedMessage(r, user, req.Account, req.UID)
		if err != nil {
			s.errorResponse(w, code, err.Error())
			return
		}
		msg = m
	}

	sel := expansion.Selection{Expansion: r.PathValue("id"), Action: r.PathValue("action")}
	res, err := s.dispatcher.Invoke(r.Context(), sel, &expansion.Context{
		UserID:  user,
		Params:  req.Params,
		Message: msg,
	})
	if err != nil {
		var nf *expansion.NotFoundError
		if errors.As(err, &nf) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		if expansion.IsConfiguration(err) {
			s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Warn("expansion action failed",
			"user", user, "expansion", sel.Expansion, "action", sel.Action, "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respond(w, http.StatusOK, res)
}

// handleComposeRecipients runs the recipient transform chain, expanding
// group tokens into addresses.
func (s *Server) handleComposeRecipients(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.composer == nil, "expansions") {
		return
	}
	var in expansion.Recipients
	if !s.decodeBody(w, r, &in) {
		return
	}

	out, outcome := s.composer.ExpandRecipients(r.Context(), user, in)
	faults := make([]string, 0, len(outcome.Faults))
	for _, f := range outcome.Faults {
		faults = append(faults, f.Error())
	}
	s.respond(w, http.StatusOK, map[string]any{
		"recipients":  out,
		"count":       out.Count(),
		"dispatch_id": outcome.DispatchID,
		"faults":      faults,
	})
}

// readOwnedMessage fetches a message from the owner's mailbox. The
// returned status code applies when err is non-nil.
func (s *Server) readOwnedMessage(r *http.Request, user, account string, uid uint32) (*expansion.Message, int, error) {
	if s.mail == nil {
		return nil, http.StatusServiceUnavailable, errors.New("mailbox is not configured")
	}
	if user != s.mailOwner {
		return nil, http.StatusForbidden, errors.New("mailbox belongs to another user")
	}
	client, err := s.mail.Account(account)
	if err != nil {
		return nil, http.StatusNotFound, err
	}
	m, err := client.Read(r.Context(), email.DefaultFolder, uid)
	if errors.Is(err, email.ErrMessageNotFound) {
		return nil, http.StatusNotFound, err
	}
	if err != nil {
		s.logger.Warn("message read failed", "account", account, "uid", uid, "error", err)
		return nil, http.StatusBadGateway, err
	}
	if account == "" {
		account = s.mail.Primary()
	}
	msg := mailflow.FromMessage(account, m)
	return &msg, http.StatusOK, nil
}
