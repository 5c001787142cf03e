package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"chainvault/internal/api"
	"chainvault/internal/config"
)

func newUploadCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		name      string
		mediaType string
		fileID    string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "upload <path|->",
		Short: "Store a file, or a new version of one, and queue it for anchoring",
		Args:  requireExactlyArgs(1, "path is required (use - for stdin)"),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, displayName, err := openUploadSource(args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			if name == "" {
				name = displayName
			}
			if mediaType == "" {
				mediaType = mime.TypeByExtension(filepath.Ext(name))
			}
			if fileID == "" && name == "" {
				return errors.New("--name is required when reading stdin")
			}

			return withClient(cfg, func(client *api.Client) error {
				var resp api.UploadResponse
				var err error
				if fileID != "" {
					resp, err = client.UploadVersion(cmd.Context(), fileID, mediaType, src, wait)
				} else {
					resp, err = client.Upload(cmd.Context(), name, mediaType, src, wait)
				}
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(resp)
				}
				return writeUploadResult(resp)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "file name (defaults to the base name of path)")
	cmd.Flags().StringVar(&mediaType, "media-type", "", "content type (guessed from the name when empty)")
	cmd.Flags().StringVar(&fileID, "file-id", "", "append a version to this file instead of matching by name")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the version to be anchored")
	return cmd
}

func openUploadSource(path string) (io.ReadCloser, string, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, "", err
	}
	if info.IsDir() {
		f.Close()
		return nil, "", fmt.Errorf("%s is a directory", path)
	}
	return f, filepath.Base(path), nil
}

func newFilesCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:     "files [file-id]",
		Aliases: []string{"ls"},
		Short:   "List your files, or show one",
		Args:    requireRangeArgs(0, 1, "at most one file id"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				if len(args) == 1 {
					file, err := client.GetFile(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if *jsonOutput {
						return writeJSON(file)
					}
					return writeFileList([]api.FileResponse{file})
				}

				files, err := client.ListFiles(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(files)
				}
				return writeFileList(files)
			})
		},
	}
}

func newVersionsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <file-id> [version-id]",
		Short: "List a file's versions, or show one",
		Args:  requireRangeArgs(1, 2, "file id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				if len(args) == 2 {
					v, err := client.GetVersion(cmd.Context(), args[0], args[1])
					if err != nil {
						return err
					}
					if *jsonOutput {
						return writeJSON(v)
					}
					return writeVersionList([]api.VersionResponse{v})
				}

				versions, err := client.ListVersions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(versions)
				}
				return writeVersionList(versions)
			})
		},
	}
}

func newDownloadCmd(cfg *config.Config) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "download <file-id> [version-id]",
		Short: "Verify and download a version (latest by default)",
		Args:  requireRangeArgs(1, 2, "file id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				versionID, err := resolveVersionID(cmd.Context(), client, args)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err := client.Download(cmd.Context(), args[0], versionID, os.Stdout)
					return err
				}
				return downloadToFile(cmd.Context(), client, args[0], versionID, out)
			})
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "write content to this path instead of stdout")
	return cmd
}

// resolveVersionID returns args[1], or the file's latest version id.
func resolveVersionID(ctx context.Context, client *api.Client, args []string) (string, error) {
	if len(args) > 1 {
		return args[1], nil
	}
	file, err := client.GetFile(ctx, args[0])
	if err != nil {
		return "", err
	}
	if file.LatestVersion == nil {
		return "", fmt.Errorf("file %s has no versions", args[0])
	}
	return file.LatestVersion.ID, nil
}

// downloadToFile writes to a temp file next to path and renames it into place
// only after the server finished the verified stream.
func downloadToFile(ctx context.Context, client *api.Client, fileID, versionID, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".chainvault-download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := client.Download(ctx, fileID, versionID, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, path)
	return nil
}
