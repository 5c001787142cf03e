package server

import (
	"fmt"
	"net/http"

	"chainvault/internal/api"
	"chainvault/internal/blobstore"
)

func (s *Server) handleAdminGC(w http.ResponseWriter, r *http.Request) {
	var req api.BlobGCRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}
	if req.BatchSize < 0 {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("batch_size must be >= 0"), ErrCodeInvalidArgument))
		return
	}
	if !req.DryRun && r.Header.Get(headerConfirm) != "true" {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("non-dry-run requires %s: true header", headerConfirm), ErrCodeMissingRequired))
		return
	}

	batch := req.BatchSize
	if batch == 0 {
		batch = s.opts.GCBatchSize
	}
	if batch <= 0 {
		batch = defaultGCBatchSize
	}

	report, err := s.content.GC(r.Context(), blobstore.GCOptions{BatchSize: batch, Apply: !req.DryRun})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	p, _ := principalFromContext(r.Context())
	s.log().Info("blob gc", "by", p.AuthType, "dry_run", report.DryRun, "candidates", report.Candidates, "deleted", report.Deleted, "freed_bytes", report.FreedBytes)

	digests := report.Digests
	if digests == nil {
		digests = []string{}
	}
	s.writeJSON(w, http.StatusOK, api.BlobGCResponse{
		CandidateCount: report.Candidates,
		DeletedCount:   report.Deleted,
		ReclaimedBytes: report.FreedBytes,
		Digests:        digests,
		DryRun:         report.DryRun,
	})
}
