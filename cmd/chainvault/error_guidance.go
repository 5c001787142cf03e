package main

import (
	"context"
	"errors"
	"net"

	"chainvault/internal/api"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "unauthorized", "forbidden":
			lines = append(lines, "hint: log in with `chainvault login` or set CHAINVAULT_TOKEN / CHAINVAULT_ADMIN_TOKEN.")
		case "resource_exhausted":
			lines = append(lines, "hint: too many attempts; wait before retrying.")
		case "gone":
			lines = append(lines, "hint: the share link is no longer usable; ask the owner for a new one.")
		case "unavailable":
			lines = append(lines, "hint: the server or ledger is busy; retry shortly.")
		}
		if apiErr.Reason == "integrity_failed" {
			lines = append(lines, "hint: the stored content no longer matches its anchored digest; run `chainvault verify` and alert the owner.")
		}
		if apiErr.Code == "" {
			lines = append(lines, "hint: verify CHAINVAULT_API_URL points to a chainvault server.")
		}
		if apiErr.Status >= 500 && apiErr.Status != 503 {
			lines = append(lines, "hint: server returned an internal error; check server logs for details.")
		}
		return uniqueLines(lines)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: request timed out; check server health or increase CHAINVAULT_HTTP_TIMEOUT.")
		return uniqueLines(lines)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		lines = append(lines,
			"hint: ensure a chainvault server is running at CHAINVAULT_API_URL.",
			"hint: start a local server manually with: chainvault srv",
		)
		return uniqueLines(lines)
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
