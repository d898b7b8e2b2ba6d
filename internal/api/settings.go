package api

import (
	"io"
	"net/http"

	"github.com/nugget/postern/internal/clientsync"
	"github.com/nugget/postern/internal/contacts"
)

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.settings == nil, "settings") {
		return
	}
	tree, err := s.settings.Read(r.Context(), user)
	if err != nil {
		s.logger.Error("settings read failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to read settings")
		return
	}
	s.respond(w, http.StatusOK, tree)
}

// handleSettingsPut merges the body into the user's settings. A null
// leaf deletes the key.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.settings == nil, "settings") {
		return
	}
	var patch map[string]any
	if !s.decodeBody(w, r, &patch) {
		return
	}
	if patch == nil {
		s.errorResponse(w, http.StatusBadRequest, "settings body must be a JSON object")
		return
	}
	merged, err := s.settings.Write(r.Context(), user, patch)
	if err != nil {
		s.logger.Error("settings write failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to write settings")
		return
	}
	s.respond(w, http.StatusOK, merged)
}

// handleGroupsImport turns a vCard body into recipient groups. The
// default merges into existing groups; ?mode=replace drops groups not in
// the import.
func (s *Server) handleGroupsImport(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == "" || s.unavailable(w, s.settings == nil, "settings") {
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode != "" && mode != "merge" && mode != "replace" {
		s.errorResponse(w, http.StatusBadRequest, "mode must be merge or replace")
		return
	}

	groups, err := contacts.ImportGroups(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid vCard: "+err.Error())
		return
	}
	if len(groups) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "no groups found in vCard data")
		return
	}

	patch := make(map[string]any, len(groups))
	for name, members := range groups {
		patch[name] = members
	}
	if mode == "replace" {
		current, err := s.settings.Read(r.Context(), user)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "failed to read settings")
			return
		}
		for name := range clientsync.GroupsFrom(current) {
			if _, ok := patch[name]; !ok {
				patch[name] = nil
			}
		}
	}

	merged, err := s.settings.Write(r.Context(), user, map[string]any{clientsync.SettingsKeyGroups: patch})
	if err != nil {
		s.logger.Error("group import failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to write settings")
		return
	}
	s.logger.Info("recipient groups imported", "user", user, "groups", len(groups), "mode", mode)
	s.respond(w, http.StatusOK, map[string]any{
		"imported":        len(groups),
		"recipientGroups": clientsync.GroupsFrom(merged),
	})
}
