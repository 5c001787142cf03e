package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteConfig points a RemoteLedger at another instance's blockchain routes.
type RemoteConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// RemoteLedger speaks the JSON ledger protocol served under /api/blockchain.
type RemoteLedger struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ Ledger = (*RemoteLedger)(nil)

type remoteErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewRemote creates a RemoteLedger with a pooled HTTP client.
func NewRemote(cfg RemoteConfig) (*RemoteLedger, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, fmt.Errorf("ledger: remote url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("ledger: invalid remote url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteLedger{
		baseURL: base,
		token:   cfg.Token,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
	}, nil
}

// Name identifies the backend in receipts.
func (r *RemoteLedger) Name() string { return "remote" }

// Submit posts digest and returns the submission id.
func (r *RemoteLedger) Submit(ctx context.Context, digest string) (string, error) {
	var out Submission
	if err := r.do(ctx, http.MethodPost, "/submissions", map[string]string{"digest": digest}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: empty submission id", ErrUnavailable)
	}
	return out.ID, nil
}

// Status fetches one submission.
func (r *RemoteLedger) Status(ctx context.Context, submissionID string) (Submission, error) {
	var out Submission
	err := r.do(ctx, http.MethodGet, "/submissions/"+url.PathEscape(submissionID), nil, &out)
	return out, err
}

// Head fetches the remote tip.
func (r *RemoteLedger) Head(ctx context.Context) (Checkpoint, error) {
	var out Checkpoint
	err := r.do(ctx, http.MethodGet, "/head", nil, &out)
	return out, err
}

// IsCanonical asks whether root is canonical at height.
func (r *RemoteLedger) IsCanonical(ctx context.Context, root string, height uint64) (bool, error) {
	var out struct {
		Canonical bool `json:"canonical"`
	}
	path := "/roots/" + url.PathEscape(root) + "?height=" + strconv.FormatUint(height, 10)
	if err := r.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Canonical, nil
}

func (r *RemoteLedger) do(ctx context.Context, method, path string, payload any, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ledger: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return remoteStatusError(resp)
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return nil
}

func remoteStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(raw))
	var decoded remoteErrorBody
	if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
		message = decoded.Error
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownSubmission, message)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, message)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, message)
	default:
		return fmt.Errorf("ledger: HTTP %d: %s", resp.StatusCode, message)
	}
}
