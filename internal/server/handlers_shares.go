package server

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chainvault/internal/api"
	"chainvault/internal/models"
	"chainvault/internal/share"
)

// exposedHeaders are readable by cross-origin share viewers.
var exposedHeaders = []string{
	api.HeaderDigest,
	api.HeaderVerification,
	api.HeaderVersionID,
	api.HeaderUsesLeft,
	"Content-Disposition",
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req api.ShareCreateRequest
	if !s.decodeJSONReq(w, r, &req) {
		return
	}

	fileID := strings.TrimSpace(req.FileID)
	versionID := strings.TrimSpace(req.VersionID)
	if !validateID(fileID) || !validateID(versionID) {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("file_id and version_id are required"), ErrCodeMissingRequired))
		return
	}
	permission, err := models.ParsePermission(req.Permission)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(err, ErrCodeInvalidPermission))
		return
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(err, ErrCodeInvalidTTL))
		return
	}
	if req.MaxUses < 0 {
		s.writeErrorReq(w, r, http.StatusBadRequest, badRequestCode(fmt.Errorf("max_uses must be >= 1"), ErrCodeInvalidArgument))
		return
	}

	p, _ := principalFromContext(r.Context())
	if _, err := s.files.GetVersion(r.Context(), p, fileID, versionID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			err = fmt.Errorf("%w: %w", models.ErrNoSuchVersion, err)
		}
		s.writeServiceError(w, r, err)
		return
	}

	issued, err := s.shares.Issue(r.Context(), share.IssueRequest{
		IssuerID:   p.OwnerID,
		FileID:     fileID,
		VersionID:  versionID,
		Permission: permission,
		TTL:        ttl,
		MaxUses:    req.MaxUses,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := toShareResponse(issued.Token, s.now())
	resp.Link = issued.Link
	s.writeJSON(w, http.StatusCreated, resp)
}

// handleRedeemShare consumes one use and streams the shared version.
// read_only shares render inline; read_download shares are attachments.
func (s *Server) handleRedeemShare(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	client := clientKey(r)
	if ok, wait := s.redeemLimiter.Allow(client, now); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		s.writeErrorReq(w, r, http.StatusTooManyRequests, makeAPIError(http.StatusTooManyRequests, "resource_exhausted",
			ErrCodeResourceExhausted, fmt.Errorf("too many unknown share tokens; retry later")))
		return
	}

	tokenID, err := s.shares.Resolve(r.PathValue("token"))
	if err == nil {
		var grant *share.Grant
		grant, err = s.shares.Redeem(r.Context(), tokenID)
		if err == nil {
			s.serveGrant(w, r, grant)
			return
		}
	}
	if reason, ok := models.DenyReasonOf(err); ok && reason == models.DenyNotFound {
		s.redeemLimiter.Fail(client, now)
	}
	s.writeServiceError(w, r, err)
}

func (s *Server) serveGrant(w http.ResponseWriter, r *http.Request, grant *share.Grant) {
	rc, _, err := s.content.Open(r.Context(), grant.Version.Digest)
	if err != nil {
		s.log().Error("open shared content after redeem", "share_id", grant.Token.ID, "version_id", grant.Version.ID, "error", err)
		s.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	disposition := "inline"
	if grant.Token.Permission == models.PermissionReadDownload {
		disposition = "attachment"
	}
	filename := "shared-v" + strconv.Itoa(grant.Version.Seq)
	if file, err := s.files.registry.GetFile(r.Context(), grant.Version.FileID); err == nil {
		filename = file.Name
	}

	setContentHeaders(w, grant.Version, grant.Verification)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": filename}))
	w.Header().Set(api.HeaderUsesLeft, strconv.Itoa(grant.Token.RemainingUses()))
	s.streamContent(w, r, rc, grant.Version)
}

func (s *Server) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	tokenID, err := s.shares.Resolve(r.PathValue("token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	token, _, err := s.shares.Info(r.Context(), tokenID)
	if err != nil {
		s.writeServiceError(w, r, shareLookupError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, toShareResponse(*token, s.now()))
}

// handleRevokeShare lets the issuer or an admin revoke a token. Other
// callers see not found.
func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	tokenID, err := s.shares.Resolve(r.PathValue("token"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	token, err := s.shares.Get(r.Context(), tokenID)
	if err != nil {
		s.writeServiceError(w, r, shareLookupError(err))
		return
	}
	p, _ := principalFromContext(r.Context())
	if !p.canManage(token.IssuerID) {
		s.writeServiceError(w, r, shareLookupError(fmt.Errorf("share %s: %w", tokenID, models.ErrNotFound)))
		return
	}

	revoked, err := s.shares.Revoke(r.Context(), tokenID)
	if err != nil {
		s.writeServiceError(w, r, shareLookupError(err))
		return
	}
	s.writeJSON(w, http.StatusOK, toShareResponse(*revoked, s.now()))
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	fileID, ok := s.pathValueOrBadRequest(w, r, "id")
	if !ok {
		return
	}
	p, _ := principalFromContext(r.Context())
	if _, err := s.files.GetFile(r.Context(), p, fileID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	tokens, err := s.shares.ListForFile(r.Context(), fileID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	now := s.now()
	resp := make([]api.ShareResponse, 0, len(tokens))
	for _, token := range tokens {
		resp = append(resp, toShareResponse(token, now))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func shareLookupError(err error) error {
	if errors.Is(err, models.ErrNotFound) {
		return notFoundCode(err, ErrCodeShareNotFound)
	}
	return err
}

// parseTTL accepts Go durations plus a "d" day suffix.
func parseTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid ttl %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		return 0, fmt.Errorf("invalid ttl %q", raw)
	}
	return ttl, nil
}

func toShareResponse(token models.ShareToken, now time.Time) api.ShareResponse {
	return api.ShareResponse{
		ID:             token.ID,
		FileID:         token.FileID,
		VersionID:      token.VersionID,
		Permission:     token.Permission,
		State:          token.State(now),
		ExpiresAt:      token.ExpiresAt,
		MaxUses:        token.MaxUses,
		UseCount:       token.UseCount,
		RemainingUses:  token.RemainingUses(),
		RevokedAt:      token.RevokedAt,
		CreatedAt:      token.CreatedAt,
		LastRedeemedAt: token.LastRedeemedAt,
	}
}
