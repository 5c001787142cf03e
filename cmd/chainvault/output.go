package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"chainvault/internal/api"
	"chainvault/internal/format"
)

var outputFormatter format.Formatter = format.JSONFormatter{}

func writeJSON(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func writeLines(lines []string) error {
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func writeFileList(files []api.FileResponse) error {
	if len(files) == 0 {
		return writePlain("no files\n")
	}
	for _, file := range files {
		latest := "-"
		if file.LatestVersion != nil {
			latest = fmt.Sprintf("v%d %s %s", file.LatestVersion.Seq, shortDigest(file.LatestVersion.Digest), file.LatestVersion.AnchorStatus)
		}
		if err := writePlain("%s\t%s\t%d versions\t%s\n", file.ID, file.Name, file.VersionCount, latest); err != nil {
			return err
		}
	}
	return nil
}

func writeVersionList(versions []api.VersionResponse) error {
	for _, v := range versions {
		if err := writePlain("v%d\t%s\t%s\t%d bytes\t%s\t%s\n", v.Seq, v.ID, shortDigest(v.Digest), v.SizeBytes, v.AnchorStatus, formatTime(v.CreatedAt)); err != nil {
			return err
		}
	}
	return nil
}

func writeUploadResult(resp api.UploadResponse) error {
	lines := []string{
		fmt.Sprintf("file: %s (%s)", resp.File.Name, resp.File.ID),
		fmt.Sprintf("version: v%d (%s)", resp.Version.Seq, resp.Version.ID),
		fmt.Sprintf("digest: %s", resp.Version.Digest),
		fmt.Sprintf("size: %d bytes", resp.Version.SizeBytes),
		fmt.Sprintf("anchor: %s", resp.Version.AnchorStatus),
	}
	if !resp.BlobCreated {
		lines = append(lines, "content: deduplicated")
	}
	return writeLines(lines)
}

func writeAnchorDetail(resp api.AnchorResponse) error {
	lines := []string{
		fmt.Sprintf("version: v%d (%s)", resp.Version.Seq, resp.Version.ID),
		fmt.Sprintf("digest: %s", resp.Version.Digest),
		fmt.Sprintf("verification: %s", resp.Verification.Status),
	}
	if resp.Verification.Detail != "" {
		lines = append(lines, fmt.Sprintf("detail: %s", resp.Verification.Detail))
	}
	if r := resp.Version.Receipt; r != nil {
		lines = append(lines,
			fmt.Sprintf("ledger: %s", r.Ledger),
			fmt.Sprintf("height: %d", r.LedgerHeight),
			fmt.Sprintf("root: %s", r.Root),
			fmt.Sprintf("leaf_index: %d", r.LeafIndex),
			fmt.Sprintf("committed_at: %s", formatTime(r.CommittedAt)),
		)
	}
	if len(resp.History) > 1 {
		lines = append(lines, fmt.Sprintf("receipts: %d (re-anchored)", len(resp.History)))
	}
	return writeLines(lines)
}

func writeShareDetail(share api.ShareResponse) error {
	lines := []string{
		fmt.Sprintf("id: %s", share.ID),
		fmt.Sprintf("state: %s", share.State),
		fmt.Sprintf("permission: %s", share.Permission),
		fmt.Sprintf("file: %s", share.FileID),
		fmt.Sprintf("version: %s", share.VersionID),
		fmt.Sprintf("uses: %d/%d", share.UseCount, share.MaxUses),
		fmt.Sprintf("expires_at: %s", formatTime(share.ExpiresAt)),
	}
	if share.RevokedAt != nil {
		lines = append(lines, fmt.Sprintf("revoked_at: %s", formatTime(*share.RevokedAt)))
	}
	if share.Link != "" {
		lines = append(lines, fmt.Sprintf("link: %s", share.Link))
	}
	return writeLines(lines)
}

func shortDigest(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:12]
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
