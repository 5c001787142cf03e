package main

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chainvault/internal/api"
	"chainvault/internal/config"
	"chainvault/internal/ledger"
	"chainvault/internal/models"
)

const serverIntegrityErrorCode = 4003

// versionCheck is the client-side verdict for one version.
type versionCheck struct {
	FileID    string                    `json:"file_id"`
	FileName  string                    `json:"file_name"`
	VersionID string                    `json:"version_id"`
	Seq       int                       `json:"seq"`
	Digest    string                    `json:"digest"`
	Status    models.VerificationStatus `json:"status"`
	Detail    string                    `json:"detail,omitempty"`
}

func newVerifyCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "verify [file-id]",
		Short: "Re-hash content and check receipts against the ledger from this machine",
		Args:  requireRangeArgs(0, 1, "at most one file id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				files, err := filesToVerify(cmd.Context(), client, args)
				if err != nil {
					return err
				}
				checks, err := verifyFiles(cmd.Context(), client, files, concurrency)
				if err != nil {
					return err
				}
				if *jsonOutput {
					if err := writeJSON(checks); err != nil {
						return err
					}
				} else if err := writeVerifyChecks(checks); err != nil {
					return err
				}
				for _, c := range checks {
					if c.Status == models.VerificationCorrupt {
						return errors.New("one or more versions failed verification")
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "versions verified in parallel")
	return cmd
}

func filesToVerify(ctx context.Context, client *api.Client, args []string) ([]api.FileResponse, error) {
	if len(args) == 1 {
		file, err := client.GetFile(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return []api.FileResponse{file}, nil
	}
	return client.ListFiles(ctx)
}

func verifyFiles(ctx context.Context, client *api.Client, files []api.FileResponse, concurrency int) ([]versionCheck, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu     sync.Mutex
		checks []versionCheck
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, file := range files {
		versions, err := client.ListVersions(ctx, file.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			g.Go(func() error {
				check, err := verifyVersion(gctx, client, file.Name, v)
				if err != nil {
					return err
				}
				mu.Lock()
				checks = append(checks, check)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortChecks(checks)
	return checks, nil
}

// verifyVersion downloads v, recomputes its digest, replays the Merkle proof
// and asks the ledger whether the receipt's root is still canonical. Only
// transport failures are returned as errors.
func verifyVersion(ctx context.Context, client *api.Client, fileName string, v api.VersionResponse) (versionCheck, error) {
	check := versionCheck{
		FileID:    v.FileID,
		FileName:  fileName,
		VersionID: v.ID,
		Seq:       v.Seq,
		Digest:    v.Digest,
	}
	corrupt := func(format string, args ...any) (versionCheck, error) {
		check.Status = models.VerificationCorrupt
		check.Detail = fmt.Sprintf(format, args...)
		return check, nil
	}

	h := sha256.New()
	if _, err := client.Download(ctx, v.FileID, v.ID, h); err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == serverIntegrityErrorCode {
			return corrupt("server refused content: %s", apiErr.Message)
		}
		return check, fmt.Errorf("download %s: %w", v.ID, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != v.Digest {
		return corrupt("content hashes to %s", got)
	}

	if v.Receipt == nil {
		check.Status = models.VerificationPending
		check.Detail = "no anchor receipt yet"
		return check, nil
	}
	if err := ledger.VerifyProof(*v.Receipt, v.Digest); err != nil {
		return corrupt("%v", err)
	}

	canonical, err := client.LedgerCanonical(ctx, v.Receipt.Root, v.Receipt.LedgerHeight)
	if err != nil {
		return check, fmt.Errorf("ledger lookup for %s: %w", v.ID, err)
	}
	if !canonical.Canonical {
		check.Status = models.VerificationStale
		check.Detail = fmt.Sprintf("root %s is no longer canonical at height %d", shortDigest(v.Receipt.Root), v.Receipt.LedgerHeight)
		return check, nil
	}
	check.Status = models.VerificationValid
	return check, nil
}

func sortChecks(checks []versionCheck) {
	slices.SortFunc(checks, func(a, b versionCheck) int {
		return cmp.Or(
			cmp.Compare(a.FileName, b.FileName),
			cmp.Compare(a.FileID, b.FileID),
			cmp.Compare(a.Seq, b.Seq),
		)
	})
}

func writeVerifyChecks(checks []versionCheck) error {
	if len(checks) == 0 {
		return writePlain("nothing to verify\n")
	}
	counts := map[models.VerificationStatus]int{}
	for _, c := range checks {
		counts[c.Status]++
		line := fmt.Sprintf("%-8s %s v%d %s", c.Status, c.FileName, c.Seq, shortDigest(c.Digest))
		if c.Detail != "" {
			line += "  (" + c.Detail + ")"
		}
		if err := writePlain("%s\n", line); err != nil {
			return err
		}
	}
	return writePlain("%d valid, %d pending, %d stale, %d corrupt\n",
		counts[models.VerificationValid], counts[models.VerificationPending],
		counts[models.VerificationStale], counts[models.VerificationCorrupt])
}
