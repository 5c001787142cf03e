package server

import (
	"fmt"
	"net/http"
	"strings"

	"chainvault/internal/api"
	"chainvault/internal/store"
)

func (s *Server) requireAuthService(w http.ResponseWriter, r *http.Request) bool {
	if s.authService != nil {
		return true
	}
	s.writeErrorReq(w, r, http.StatusNotImplemented, notImplemented(fmt.Errorf("user provisioning is not supported")))
	return false
}

func (s *Server) handleAdminCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuthService(w, r) {
		return
	}
	var req api.AdminUserCreateRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	created, err := s.authService.CreateUser(r.Context(), req.Username, req.Password, strings.TrimSpace(req.Role), s.now())
	if err != nil {
		s.writeErrorReq(w, r, httpStatusFromError(err), err)
		return
	}
	s.log().Info("user provisioned", "username", created.Username, "role", created.Role)
	s.writeJSON(w, http.StatusCreated, toAPIAdminUser(*created))
}

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuthService(w, r) {
		return
	}
	users, err := s.authService.ListUsers(r.Context(), s.now())
	if err != nil {
		s.writeErrorReq(w, r, httpStatusFromError(err), err)
		return
	}

	resp := make([]api.AdminUser, 0, len(users))
	for _, user := range users {
		entry := toAPIAdminUser(user.AuthUser)
		entry.Files = user.Files
		entry.ActiveShares = user.ActiveShares
		resp = append(resp, entry)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminSetUserDisabled(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuthService(w, r) {
		return
	}
	username, ok := s.pathValueOrBadRequest(w, r, "username")
	if !ok {
		return
	}
	var req api.AdminUserSetDisabledRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	updated, err := s.authService.SetUserDisabled(r.Context(), username, req.Disabled, s.now())
	if err != nil {
		s.writeErrorReq(w, r, httpStatusFromError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAPIAdminUser(*updated))
}

func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuthService(w, r) {
		return
	}
	username, ok := s.pathValueOrBadRequest(w, r, "username")
	if !ok {
		return
	}
	if r.Header.Get(headerConfirm) != "true" {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("deleting a user requires %s: true header", headerConfirm), ErrCodeMissingRequired))
		return
	}
	if err := s.authService.DeleteUser(r.Context(), username, s.now()); err != nil {
		s.writeErrorReq(w, r, httpStatusFromError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toAPIAdminUser(user store.AuthUser) api.AdminUser {
	return api.AdminUser{
		ID:        user.ID,
		Username:  user.Username,
		Role:      user.Role,
		Disabled:  user.Disabled,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
