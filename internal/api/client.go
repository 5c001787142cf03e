package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"chainvault/internal/ledger"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	httpTimeoutEnvKey  = "CHAINVAULT_HTTP_TIMEOUT"
	authTokenEnvKey    = "CHAINVAULT_TOKEN"
	adminTokenEnvKey   = "CHAINVAULT_ADMIN_TOKEN"
)

// Client is a simple HTTP client for the chainvault API.
type Client struct {
	baseURL    string
	http       *http.Client
	authToken  string
	adminToken string
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: httpTimeoutFromEnv()},
		authToken:  strings.TrimSpace(os.Getenv(authTokenEnvKey)),
		adminToken: strings.TrimSpace(os.Getenv(adminTokenEnvKey)),
	}
}

// WithToken returns a copy of c that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.authToken = strings.TrimSpace(token)
	return &clone
}

// Health checks whether the API server is reachable.
func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &resp)
	return resp, err
}

func (c *Client) Register(ctx context.Context, username, password string) (AuthUser, error) {
	var resp AuthUser
	err := c.do(ctx, http.MethodPost, "/api/auth/register", nil, AuthCredentials{Username: username, Password: password}, &resp)
	return resp, err
}

func (c *Client) Login(ctx context.Context, username, password string) (AuthLoginResponse, error) {
	var resp AuthLoginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, AuthCredentials{Username: username, Password: password}, &resp)
	return resp, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, nil)
}

func (c *Client) Me(ctx context.Context) (AuthMeResponse, error) {
	var resp AuthMeResponse
	err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, nil, &resp)
	return resp, err
}

func (c *Client) ListFiles(ctx context.Context) ([]FileResponse, error) {
	var resp []FileResponse
	err := c.do(ctx, http.MethodGet, "/api/files", nil, nil, &resp)
	return resp, err
}

func (c *Client) GetFile(ctx context.Context, fileID string) (FileResponse, error) {
	var resp FileResponse
	err := c.do(ctx, http.MethodGet, filePath(fileID), nil, nil, &resp)
	return resp, err
}

// Upload streams content as a new file, or as a new version when name
// already exists for the caller. wait asks the server to anchor before
// answering.
func (c *Client) Upload(ctx context.Context, name, mediaType string, content io.Reader, wait bool) (UploadResponse, error) {
	return c.upload(ctx, "/api/files", name, mediaType, content, wait)
}

// UploadVersion streams content as a new version of fileID.
func (c *Client) UploadVersion(ctx context.Context, fileID, mediaType string, content io.Reader, wait bool) (UploadResponse, error) {
	return c.upload(ctx, filePath(fileID)+"/versions", "", mediaType, content, wait)
}

func (c *Client) ListVersions(ctx context.Context, fileID string) ([]VersionResponse, error) {
	var resp []VersionResponse
	err := c.do(ctx, http.MethodGet, filePath(fileID)+"/versions", nil, nil, &resp)
	return resp, err
}

func (c *Client) GetVersion(ctx context.Context, fileID, versionID string) (VersionResponse, error) {
	var resp VersionResponse
	err := c.do(ctx, http.MethodGet, versionPath(fileID, versionID), nil, nil, &resp)
	return resp, err
}

// Download copies a version's verified content to w.
func (c *Client) Download(ctx context.Context, fileID, versionID string, w io.Writer) (int64, error) {
	resp, err := c.stream(ctx, versionPath(fileID, versionID)+"/content")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

func (c *Client) GetAnchor(ctx context.Context, fileID, versionID string) (AnchorResponse, error) {
	var resp AnchorResponse
	err := c.do(ctx, http.MethodGet, versionPath(fileID, versionID)+"/anchor", nil, nil, &resp)
	return resp, err
}

// Anchor asks the server to anchor a version. Without wait the request is
// queued and the current state is returned.
func (c *Client) Anchor(ctx context.Context, fileID, versionID string, wait bool) (AnchorResponse, error) {
	var resp AnchorResponse
	query := url.Values{}
	if wait {
		query.Set("wait", "true")
	}
	err := c.do(ctx, http.MethodPost, versionPath(fileID, versionID)+"/anchor", query, nil, &resp)
	return resp, err
}

func (c *Client) ListShares(ctx context.Context, fileID string) ([]ShareResponse, error) {
	var resp []ShareResponse
	err := c.do(ctx, http.MethodGet, filePath(fileID)+"/shares", nil, nil, &resp)
	return resp, err
}

func (c *Client) CreateShare(ctx context.Context, req ShareCreateRequest) (ShareResponse, error) {
	var resp ShareResponse
	err := c.do(ctx, http.MethodPost, "/api/share", nil, req, &resp)
	return resp, err
}

func (c *Client) ShareInfo(ctx context.Context, token string) (ShareResponse, error) {
	var resp ShareResponse
	err := c.do(ctx, http.MethodGet, "/api/share/"+url.PathEscape(token)+"/info", nil, nil, &resp)
	return resp, err
}

func (c *Client) RevokeShare(ctx context.Context, token string) (ShareResponse, error) {
	var resp ShareResponse
	err := c.do(ctx, http.MethodDelete, "/api/share/"+url.PathEscape(token), nil, nil, &resp)
	return resp, err
}

// Redeem consumes one use of token and copies the shared content to w. The
// response headers carry the digest and verification status.
func (c *Client) Redeem(ctx context.Context, token string, w io.Writer) (http.Header, error) {
	resp, err := c.stream(ctx, "/api/share/"+url.PathEscape(token))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return resp.Header, err
	}
	return resp.Header, nil
}

func (c *Client) LedgerHead(ctx context.Context) (ledger.Checkpoint, error) {
	var resp ledger.Checkpoint
	err := c.do(ctx, http.MethodGet, "/api/blockchain/head", nil, nil, &resp)
	return resp, err
}

func (c *Client) LedgerBlock(ctx context.Context, height uint64) (ledger.Block, error) {
	var resp ledger.Block
	err := c.do(ctx, http.MethodGet, "/api/blockchain/blocks/"+strconv.FormatUint(height, 10), nil, nil, &resp)
	return resp, err
}

// LedgerCanonical asks the ledger whether root is canonical at height.
func (c *Client) LedgerCanonical(ctx context.Context, root string, height uint64) (CanonicalResponse, error) {
	var resp CanonicalResponse
	query := url.Values{"height": []string{strconv.FormatUint(height, 10)}}
	err := c.do(ctx, http.MethodGet, "/api/blockchain/roots/"+url.PathEscape(root), query, nil, &resp)
	return resp, err
}

func (c *Client) LedgerVerify(ctx context.Context) (ledger.ChainReport, error) {
	var resp ledger.ChainReport
	err := c.do(ctx, http.MethodGet, "/api/blockchain/verify", nil, nil, &resp)
	return resp, err
}

// AdminGC runs blob garbage collection. Deleting requires confirm.
func (c *Client) AdminGC(ctx context.Context, req BlobGCRequest, confirm bool) (BlobGCResponse, error) {
	var resp BlobGCResponse
	err := c.doConfirmed(ctx, http.MethodPost, "/api/admin/gc", req, &resp, confirm)
	return resp, err
}

func (c *Client) AdminListUsers(ctx context.Context) ([]AdminUser, error) {
	var resp []AdminUser
	err := c.do(ctx, http.MethodGet, "/api/admin/users", nil, nil, &resp)
	return resp, err
}

func (c *Client) AdminCreateUser(ctx context.Context, req AdminUserCreateRequest) (AdminUser, error) {
	var resp AdminUser
	err := c.do(ctx, http.MethodPost, "/api/admin/users", nil, req, &resp)
	return resp, err
}

func (c *Client) AdminSetUserDisabled(ctx context.Context, username string, disabled bool) (AdminUser, error) {
	var resp AdminUser
	err := c.do(ctx, http.MethodPost, "/api/admin/users/"+url.PathEscape(username)+"/disabled", nil, AdminUserSetDisabledRequest{Disabled: disabled}, &resp)
	return resp, err
}

func (c *Client) AdminDeleteUser(ctx context.Context, username string) error {
	return c.doConfirmed(ctx, http.MethodDelete, "/api/admin/users/"+url.PathEscape(username), nil, nil, true)
}

func (c *Client) upload(ctx context.Context, path, name, mediaType string, content io.Reader, wait bool) (UploadResponse, error) {
	var resp UploadResponse

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(mw, name, mediaType, content)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	endpoint := c.baseURL + path
	if wait {
		endpoint += "?wait=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		_ = pr.Close()
		return resp, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.setAuthHeader(req)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return resp, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 400 {
		return resp, decodeError(httpResp)
	}
	err = json.NewDecoder(httpResp.Body).Decode(&resp)
	return resp, err
}

func writeUploadForm(mw *multipart.Writer, name, mediaType string, content io.Reader) error {
	if name != "" {
		if err := mw.WriteField("name", name); err != nil {
			return err
		}
	}
	filename := name
	if filename == "" {
		filename = "content"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	header.Set("Content-Type", mediaType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, content)
	return err
}

func (c *Client) stream(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.setAuthHeader(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	return c.send(ctx, method, path, query, body, out, nil)
}

// doConfirmed sends X-Confirm for destructive admin calls.
func (c *Client) doConfirmed(ctx context.Context, method, path string, body any, out any, confirm bool) error {
	var header http.Header
	if confirm {
		header = http.Header{"X-Confirm": []string{"true"}}
	}
	return c.send(ctx, method, path, nil, body, out, header)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any, out any, header http.Header) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	c.setAuthHeader(req)
	if strings.HasPrefix(path, "/api/admin/") {
		c.setAdminHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
		apiErr.Code = errResp.Code
		apiErr.ErrorCode = errResp.ErrorCode
		apiErr.Reason = errResp.Reason
		apiErr.Message = errResp.Error
		return apiErr
	}
	apiErr.Message = fmt.Sprintf("api error: %s", resp.Status)
	return apiErr
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.authToken == "" || req == nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
}

func (c *Client) setAdminHeader(req *http.Request) {
	if c.adminToken == "" || req == nil {
		return
	}
	req.Header.Set("X-Admin-Token", c.adminToken)
}

func filePath(fileID string) string {
	return "/api/files/" + url.PathEscape(fileID)
}

func versionPath(fileID, versionID string) string {
	return filePath(fileID) + "/versions/" + url.PathEscape(versionID)
}

func httpTimeoutFromEnv() time.Duration {
	value := strings.TrimSpace(os.Getenv(httpTimeoutEnvKey))
	if value == "" {
		return defaultHTTPTimeout
	}

	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return defaultHTTPTimeout
}
