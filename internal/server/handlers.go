package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"chainvault/internal/api"
	"chainvault/internal/ledger"
	"chainvault/internal/models"
)

const (
	defaultJSONMaxBody = 10 << 20 // 10 MiB
	retryAfterSeconds  = "1"
)

func (s *Server) writeErrorReq(w http.ResponseWriter, r *http.Request, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	code := errorCode(status, err)
	numericCode := errorNumericCode(status, err)
	message := err.Error()
	reason, _ := models.DenyReasonOf(err)

	fields := []any{"status", status, "code", code, "error_code", numericCode, "error", err}
	if r != nil {
		fields = append(fields, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	}

	switch {
	case status >= 500 && status != http.StatusServiceUnavailable:
		s.log().Error("request error", fields...)
		message = "internal error"
	case status >= 400 && shouldWarnClientError(status):
		s.log().Warn("request rejected", fields...)
	case status >= 400:
		s.log().Debug("request rejected", fields...)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	s.writeJSON(w, status, api.ErrorResponse{Error: message, Code: code, ErrorCode: numericCode, Reason: string(reason)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("write json response", "status", status, "error", err)
	}
}

type apiError struct {
	status  int
	code    string
	errCode int
	err     error
}

func (e apiError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e apiError) Unwrap() error {
	return e.err
}

func makeAPIError(status int, code string, errCode int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	var existing apiError
	if errors.As(err, &existing) {
		if existing.status != 0 {
			return existing
		}
	}

	return apiError{status: status, code: code, errCode: errCode, err: err}
}

func badRequestCode(err error, code int) error {
	return makeAPIError(http.StatusBadRequest, "invalid_argument", code, err)
}

func notFoundCode(err error, code int) error {
	return makeAPIError(http.StatusNotFound, "not_found", code, err)
}

func conflictCode(err error, code int) error {
	return makeAPIError(http.StatusConflict, "conflict", code, err)
}

func goneCode(err error, code int) error {
	return makeAPIError(http.StatusGone, "gone", code, err)
}

func forbiddenCode(err error, code int) error {
	return makeAPIError(http.StatusForbidden, "forbidden", code, err)
}

func unauthorized(err error) error {
	return makeAPIError(http.StatusUnauthorized, "unauthorized", ErrCodeUnauthorized, err)
}

func unavailableCode(err error, code int) error {
	return makeAPIError(http.StatusServiceUnavailable, "unavailable", code, err)
}

func notImplemented(err error) error {
	return makeAPIError(http.StatusNotImplemented, "not_implemented", ErrCodeNotImplemented, err)
}

func internalError(err error) error {
	return makeAPIError(http.StatusInternalServerError, "internal", ErrCodeInternal, err)
}

func storeFailure(err error) error {
	return makeAPIError(http.StatusInternalServerError, "internal", ErrCodeStoreFailure, err)
}

// domainError maps service errors onto the HTTP taxonomy.
func domainError(err error) error {
	if err == nil {
		return nil
	}
	var existing apiError
	if errors.As(err, &existing) {
		return existing
	}

	if reason, ok := models.DenyReasonOf(err); ok {
		switch reason {
		case models.DenyNotFound:
			return notFoundCode(err, ErrCodeShareNotFound)
		case models.DenyRevoked:
			return goneCode(err, ErrCodeShareRevoked)
		case models.DenyExpired:
			return goneCode(err, ErrCodeShareExpired)
		case models.DenyExhausted:
			return goneCode(err, ErrCodeShareExhausted)
		case models.DenyIntegrityFailed:
			return forbiddenCode(err, ErrCodeIntegrityFailed)
		}
	}

	switch {
	case errors.Is(err, models.ErrNoSuchVersion):
		return notFoundCode(err, ErrCodeVersionNotFound)
	case errors.Is(err, models.ErrNotFound):
		return notFoundCode(err, ErrCodeNotFound)
	case errors.Is(err, models.ErrInvalidDigest):
		return badRequestCode(err, ErrCodeInvalidDigest)
	case errors.Is(err, models.ErrInvalidReceipt):
		return badRequestCode(err, ErrCodeInvalidReceipt)
	case errors.Is(err, models.ErrDanglingReference):
		return conflictCode(err, ErrCodeDanglingReference)
	case errors.Is(err, models.ErrAlreadyAnchored):
		return conflictCode(err, ErrCodeAlreadyAnchored)
	case errors.Is(err, models.ErrUnanchored):
		return conflictCode(err, ErrCodeUnanchored)
	case errors.Is(err, models.ErrOverloaded):
		return unavailableCode(err, ErrCodeOverloaded)
	case errors.Is(err, models.ErrIntegrity):
		return makeAPIError(http.StatusInternalServerError, "internal", ErrCodeIntegrity, err)
	case errors.Is(err, ledger.ErrRejected):
		return badRequestCode(err, ErrCodeLedgerRejected)
	case errors.Is(err, ledger.ErrUnknownSubmission):
		return notFoundCode(err, ErrCodeSubmissionNotFound)
	case errors.Is(err, ledger.ErrBlockNotFound):
		return notFoundCode(err, ErrCodeBlockNotFound)
	case errors.Is(err, ledger.ErrUnavailable), errors.Is(err, ledger.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		return unavailableCode(err, ErrCodeLedgerUnavailable)
	default:
		return internalError(err)
	}
}

func httpStatusFromError(err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) {
		return apiErr.status
	}
	return http.StatusInternalServerError
}

func errorCode(status int, err error) string {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.code != "" {
		return apiErr.code
	}
	switch status {
	case http.StatusBadRequest:
		return "invalid_argument"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "gone"
	case http.StatusTooManyRequests:
		return "resource_exhausted"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal"
	default:
		return ""
	}
}

func errorNumericCode(status int, err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) && apiErr.errCode > 0 {
		return apiErr.errCode
	}
	return defaultErrorCodeByStatus(status)
}

func shouldWarnClientError(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, defaultJSONMaxBody)
	return json.NewDecoder(r.Body).Decode(dst)
}

func classifyDecodeJSONError(err error) error {
	if err == nil {
		return nil
	}

	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return badRequestCode(fmt.Errorf("request body too large"), ErrCodeRequestTooLarge)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return badRequestCode(fmt.Errorf("invalid JSON payload"), ErrCodeInvalidJSON)
	}

	return badRequestCode(err, ErrCodeInvalidJSON)
}

func (s *Server) decodeJSONReq(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, classifyDecodeJSONError(err))
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	mapped := domainError(err)
	s.writeErrorReq(w, r, httpStatusFromError(mapped), mapped)
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorReq(w, r, http.StatusInternalServerError, storeFailure(err))
}

func requirePathValue(r *http.Request, key string) (string, error) {
	value := strings.TrimSpace(r.PathValue(key))
	if !validateID(value) {
		return "", badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidID)
	}
	return value, nil
}

func (s *Server) pathValueOrBadRequest(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	value, err := requirePathValue(r, key)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return "", false
	}
	return value, true
}

// validateID accepts the id shapes this API hands out: prefixed base36
// ids, UUIDs, hex digests and signed share links.
func validateID(id string) bool {
	if id == "" || len(id) > 2048 {
		return false
	}
	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '-', ch == '_', ch == '.':
		default:
			return false
		}
	}
	return true
}

func queryInt(r *http.Request, key string) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidQuery)
	}
	if parsed < 0 {
		return 0, badRequestCode(fmt.Errorf("%s must be >= 0", key), ErrCodeInvalidQuery)
	}
	return parsed, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidQuery)
	}
	return parsed, nil
}
