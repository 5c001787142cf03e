package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"chainvault/internal/api"
	"chainvault/internal/models"
)

// The /api/blockchain routes expose this instance's own ledger so other
// instances can anchor against it with the remote backend.

func (s *Server) requireNode(w http.ResponseWriter, r *http.Request) bool {
	if s.node == nil {
		s.writeErrorReq(w, r, http.StatusNotImplemented, notImplemented(fmt.Errorf("this instance does not serve a ledger")))
		return false
	}
	return true
}

func (s *Server) handleLedgerSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.requireNode(w, r) {
		return
	}
	var req api.SubmissionRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}
	digest, err := models.NormalizeDigest(req.Digest)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(err, ErrCodeInvalidDigest))
		return
	}

	id, err := s.node.Submit(r.Context(), digest)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	sub, err := s.node.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleLedgerStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireNode(w, r) {
		return
	}
	id, ok := s.pathValueOrBadRequest(w, r, "id")
	if !ok {
		return
	}
	sub, err := s.node.Status(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleLedgerHead(w http.ResponseWriter, r *http.Request) {
	if !s.requireNode(w, r) {
		return
	}
	head, err := s.node.Head(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, head)
}

func (s *Server) handleLedgerCanonical(w http.ResponseWriter, r *http.Request) {
	if !s.requireNode(w, r) {
		return
	}
	root := strings.ToLower(strings.TrimSpace(r.PathValue("root")))
	if _, err := models.NormalizeDigest(root); err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("invalid root"), ErrCodeInvalidDigest))
		return
	}
	height, err := strconv.ParseUint(r.URL.Query().Get("height"), 10, 64)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("invalid height"), ErrCodeInvalidQuery))
		return
	}
	canonical, err := s.node.IsCanonical(r.Context(), root, height)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CanonicalResponse{Root: root, Height: height, Canonical: canonical})
}

func (s *Server) handleLedgerBlock(w http.ResponseWriter, r *http.Request) {
	if !s.requireNode(w, r) {
		return
	}
	height, err := strconv.ParseUint(r.PathValue("height"), 10, 64)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("invalid height"), ErrCodeInvalidQuery))
		return
	}
	block, err := s.node.Block(r.Context(), height)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	if !s.requireNode(w, r) {
		return
	}
	report, err := s.node.VerifyChain(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
