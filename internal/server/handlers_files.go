package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"chainvault/internal/api"
	"chainvault/internal/models"
	"chainvault/internal/verify"
)

const maxFormFieldBytes = 4 << 10

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFromContext(r.Context())
	summaries, err := s.files.ListFiles(r.Context(), p)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := make([]api.FileResponse, 0, len(summaries))
	for _, summary := range summaries {
		resp = append(resp, toFileResponse(summary))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	fileID, ok := s.pathValueOrBadRequest(w, r, "id")
	if !ok {
		return
	}
	p, _ := principalFromContext(r.Context())
	summary, err := s.files.GetFile(r.Context(), p, fileID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toFileResponse(summary))
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	s.upload(w, r, "")
}

func (s *Server) handleUploadVersion(w http.ResponseWriter, r *http.Request) {
	fileID, ok := s.pathValueOrBadRequest(w, r, "id")
	if !ok {
		return
	}
	s.upload(w, r, fileID)
}

// upload accepts multipart/form-data with optional "name" and "media_type"
// fields ahead of a "file" part, or a raw body with ?name= and the body's
// Content-Type. The content is streamed, never buffered whole.
func (s *Server) upload(w http.ResponseWriter, r *http.Request, fileID string) {
	wait, err := queryBool(r, "wait")
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	in := UploadInput{FileID: fileID, Wait: wait}
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if contentType == "multipart/form-data" {
		if err := s.readUploadForm(r, &in); err != nil {
			s.writeUploadError(w, r, err)
			return
		}
	} else {
		in.Name = r.URL.Query().Get("name")
		in.MediaType = declaredMediaType(r.Header.Get("Content-Type"))
		in.Content = r.Body
	}

	p, _ := principalFromContext(r.Context())
	result, err := s.files.Upload(r.Context(), p, in)
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}

	status := http.StatusCreated
	if wait && !result.Version.Anchored() {
		status = http.StatusAccepted
	}
	summary := FileSummary{File: result.File, Latest: &result.Version, VersionCount: result.Version.Seq}
	s.writeJSON(w, status, api.UploadResponse{
		File:        toFileResponse(summary),
		Version:     toVersionResponse(result.Version),
		BlobCreated: result.BlobCreated,
		FileCreated: result.FileCreated,
	})
}

// readUploadForm consumes form fields up to the file part and leaves the
// part as the upload content.
func (s *Server) readUploadForm(r *http.Request, in *UploadInput) error {
	mr, err := r.MultipartReader()
	if err != nil {
		return badRequestCode(fmt.Errorf("invalid multipart body: %w", err), ErrCodeInvalidUpload)
	}
	fieldLimit := min(s.opts.MultipartMaxMemory, maxFormFieldBytes)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return badRequestCode(fmt.Errorf("multipart body has no file part"), ErrCodeInvalidUpload)
		}
		if err != nil {
			return badRequestCode(fmt.Errorf("invalid multipart body: %w", err), ErrCodeInvalidUpload)
		}

		switch part.FormName() {
		case "file":
			if in.Name == "" {
				in.Name = part.FileName()
			}
			if in.MediaType == "" {
				in.MediaType = declaredMediaType(part.Header.Get("Content-Type"))
			}
			in.Content = part
			return nil
		case "name", "media_type":
			value, err := io.ReadAll(io.LimitReader(part, fieldLimit+1))
			if err != nil {
				return err
			}
			if int64(len(value)) > fieldLimit {
				return badRequestCode(fmt.Errorf("form field %s too large", part.FormName()), ErrCodeRequestTooLarge)
			}
			if part.FormName() == "name" {
				in.Name = string(value)
			} else {
				in.MediaType = string(value)
			}
		default:
			_, _ = io.Copy(io.Discard, part)
		}
	}
}

func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeErrorReq(w, r, http.StatusRequestEntityTooLarge, makeAPIError(http.StatusRequestEntityTooLarge,
			"invalid_argument", ErrCodeRequestTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit)))
		return
	}
	s.writeServiceError(w, r, err)
}

// declaredMediaType ignores the generic octet-stream type so the content
// gets sniffed instead.
func declaredMediaType(header string) string {
	parsed, _, err := mime.ParseMediaType(header)
	if err != nil || parsed == fallbackMediaType {
		return ""
	}
	return parsed
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	fileID, ok := s.pathValueOrBadRequest(w, r, "id")
	if !ok {
		return
	}
	p, _ := principalFromContext(r.Context())
	versions, err := s.files.ListVersions(r.Context(), p, fileID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := make([]api.VersionResponse, 0, len(versions))
	for _, version := range versions {
		resp = append(resp, toVersionResponse(version))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	fileID, versionID, ok := s.versionPath(w, r)
	if !ok {
		return
	}
	p, _ := principalFromContext(r.Context())
	version, err := s.files.GetVersion(r.Context(), p, fileID, versionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toVersionResponse(*version))
}

func (s *Server) handleVersionContent(w http.ResponseWriter, r *http.Request) {
	fileID, versionID, ok := s.versionPath(w, r)
	if !ok {
		return
	}
	p, _ := principalFromContext(r.Context())
	rc, version, report, err := s.files.Content(r.Context(), p, fileID, versionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	setContentHeaders(w, *version, report)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": version.FileID + "-v" + strconv.Itoa(version.Seq)}))
	s.streamContent(w, r, rc, *version)
}

func (s *Server) handleGetAnchor(w http.ResponseWriter, r *http.Request) {
	fileID, versionID, ok := s.versionPath(w, r)
	if !ok {
		return
	}
	p, _ := principalFromContext(r.Context())
	info, err := s.files.AnchorInfo(r.Context(), p, fileID, versionID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toAnchorResponse(info))
}

func (s *Server) handleAnchorVersion(w http.ResponseWriter, r *http.Request) {
	fileID, versionID, ok := s.versionPath(w, r)
	if !ok {
		return
	}
	wait, err := queryBool(r, "wait")
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	p, _ := principalFromContext(r.Context())
	info, err := s.files.Anchor(r.Context(), p, fileID, versionID, wait)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if info.Verification.Status == models.VerificationPending {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, toAnchorResponse(info))
}

func (s *Server) versionPath(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	fileID, ok := s.pathValueOrBadRequest(w, r, "id")
	if !ok {
		return "", "", false
	}
	versionID, ok := s.pathValueOrBadRequest(w, r, "version")
	if !ok {
		return "", "", false
	}
	return fileID, versionID, true
}

func setContentHeaders(w http.ResponseWriter, version models.Version, report verify.Report) {
	h := w.Header()
	mediaType := version.MediaType
	if mediaType == "" {
		mediaType = fallbackMediaType
	}
	h.Set("Content-Type", mediaType)
	h.Set("Content-Length", strconv.FormatInt(version.SizeBytes, 10))
	h.Set("ETag", `"`+version.Digest+`"`)
	h.Set("Cache-Control", "private, no-store")
	h.Set(api.HeaderDigest, version.Digest)
	h.Set(api.HeaderVersionID, version.ID)
	h.Set(api.HeaderVerification, string(report.Status))
}

// streamContent copies verified bytes to the client. Headers are already
// sent, so a mismatch found mid-stream can only abort the connection.
func (s *Server) streamContent(w http.ResponseWriter, r *http.Request, rc io.Reader, version models.Version) {
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		if errors.Is(err, models.ErrIntegrity) {
			s.log().Error("integrity fault while streaming", "file_id", version.FileID, "version_id", version.ID, "digest", version.Digest)
			panic(http.ErrAbortHandler)
		}
		s.log().Debug("content stream interrupted", "version_id", version.ID, "error", err)
	}
}

func toFileResponse(summary FileSummary) api.FileResponse {
	resp := api.FileResponse{
		ID:           summary.File.ID,
		OwnerID:      summary.File.OwnerID,
		Name:         summary.File.Name,
		CreatedAt:    summary.File.CreatedAt,
		UpdatedAt:    summary.File.UpdatedAt,
		VersionCount: summary.VersionCount,
	}
	if summary.Latest != nil {
		latest := toVersionResponse(*summary.Latest)
		resp.LatestVersion = &latest
	}
	return resp
}

func toVersionResponse(version models.Version) api.VersionResponse {
	return api.VersionResponse{
		ID:           version.ID,
		FileID:       version.FileID,
		Seq:          version.Seq,
		Digest:       version.Digest,
		SizeBytes:    version.SizeBytes,
		MediaType:    version.MediaType,
		CreatedAt:    version.CreatedAt,
		AnchorStatus: anchorStatus(version),
		Receipt:      version.Receipt,
	}
}

func toAnchorResponse(info *AnchorInfo) api.AnchorResponse {
	history := info.History
	if history == nil {
		history = []models.AnchorReceipt{}
	}
	return api.AnchorResponse{
		Version:      toVersionResponse(info.Version),
		Verification: api.Verification{Status: info.Verification.Status, Detail: strings.TrimSpace(info.Verification.Detail)},
		History:      history,
	}
}
