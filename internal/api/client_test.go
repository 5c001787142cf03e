package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPTimeoutFromEnv(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "")
		if got := httpTimeoutFromEnv(); got != defaultHTTPTimeout {
			t.Fatalf("expected default timeout %v, got %v", defaultHTTPTimeout, got)
		}
	})

	t.Run("duration format", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "45s")
		if got := httpTimeoutFromEnv(); got != 45*time.Second {
			t.Fatalf("expected 45s timeout, got %v", got)
		}
	})

	t.Run("integer seconds", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "25")
		if got := httpTimeoutFromEnv(); got != 25*time.Second {
			t.Fatalf("expected 25s timeout, got %v", got)
		}
	})

	t.Run("invalid falls back", func(t *testing.T) {
		t.Setenv(httpTimeoutEnvKey, "invalid")
		if got := httpTimeoutFromEnv(); got != defaultHTTPTimeout {
			t.Fatalf("expected default timeout %v, got %v", defaultHTTPTimeout, got)
		}
	})
}

func TestDecodeErrorCarriesReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":"share denied: revoked","code":"gone","error_code":2203,"reason":"revoked"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ShareInfo(context.Background(), "abc")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusGone || apiErr.Reason != "revoked" || apiErr.ErrorCode != 2203 {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestUploadSendsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/files" || r.URL.Query().Get("wait") != "true" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		data, _ := io.ReadAll(file)
		if string(data) != "hello" || r.FormValue("name") != "a.txt" || header.Header.Get("Content-Type") != "text/plain" {
			t.Errorf("unexpected upload: %q %q %q", data, r.FormValue("name"), header.Header.Get("Content-Type"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"file":{"id":"f-1","name":"a.txt"},"version":{"id":"v-1","seq":1,"anchor_status":"anchored"}}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).WithToken("tok").Upload(context.Background(), "a.txt", "text/plain", strings.NewReader("hello"), true)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.File.ID != "f-1" || resp.Version.AnchorStatus != "anchored" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
