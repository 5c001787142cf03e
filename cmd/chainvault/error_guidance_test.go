package main

import (
	"net"
	"slices"
	"testing"

	"chainvault/internal/api"
)

func TestFormatCLIError_NetworkGuidance(t *testing.T) {
	err := &net.DNSError{Err: "dial tcp: connection refused", Name: "127.0.0.1", IsTemporary: true}
	lines := formatCLIError(err)
	if !slices.Contains(lines, "hint: ensure a chainvault server is running at CHAINVAULT_API_URL.") {
		t.Fatalf("expected connectivity guidance, got %v", lines)
	}
	if !slices.Contains(lines, "hint: start a local server manually with: chainvault srv") {
		t.Fatalf("expected manual-start guidance, got %v", lines)
	}
}

func TestFormatCLIError_APIUnknownServiceGuidance(t *testing.T) {
	err := &api.APIError{Status: 404, Message: "api error: 404 Not Found"}
	lines := formatCLIError(err)
	if !slices.Contains(lines, "hint: verify CHAINVAULT_API_URL points to a chainvault server.") {
		t.Fatalf("expected api-url guidance, got %v", lines)
	}
}

func TestFormatCLIError_ShareGuidance(t *testing.T) {
	gone := formatCLIError(&api.APIError{Status: 410, Code: "gone", Reason: "exhausted", Message: "share token exhausted"})
	if !slices.Contains(gone, "hint: the share link is no longer usable; ask the owner for a new one.") {
		t.Fatalf("expected share guidance, got %v", gone)
	}

	tampered := formatCLIError(&api.APIError{Status: 403, Code: "forbidden", Reason: "integrity_failed", Message: "integrity check failed"})
	if len(tampered) < 2 || tampered[len(tampered)-1] != "hint: the stored content no longer matches its anchored digest; run `chainvault verify` and alert the owner." {
		t.Fatalf("expected integrity guidance, got %v", tampered)
	}
}

func TestFormatCLIError_APIInternalGuidance(t *testing.T) {
	lines := formatCLIError(&api.APIError{Status: 500, Code: "internal", Message: "internal error"})
	if !slices.Contains(lines, "hint: server returned an internal error; check server logs for details.") {
		t.Fatalf("expected internal-error guidance, got %v", lines)
	}

	lines = formatCLIError(&api.APIError{Status: 503, Code: "unavailable", Message: "overloaded"})
	if slices.Contains(lines, "hint: server returned an internal error; check server logs for details.") {
		t.Fatalf("503 is not an internal error: %v", lines)
	}
}
