package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"chainvault/internal/models"
)

// BackendMinio names the S3-compatible backend in blob rows.
const BackendMinio = "minio"

// MinioConfig points MinioCAS at an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// TempDir spools uploads while they are hashed. Empty means os.TempDir().
	TempDir string
}

// MinioCAS stores blobs as objects keyed sha256/<digest>.
type MinioCAS struct {
	client  *minio.Client
	bucket  string
	tempDir string
}

var _ BlobStore = (*MinioCAS)(nil)

// NewMinioCAS connects to the endpoint and creates the bucket if needed.
func NewMinioCAS(ctx context.Context, cfg MinioConfig) (*MinioCAS, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			exists, errExists := client.BucketExists(ctx, bucket)
			if errExists != nil || !exists {
				return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
			}
		}
	}

	return &MinioCAS{client: client, bucket: bucket, tempDir: cfg.TempDir}, nil
}

// Backend names this backend.
func (m *MinioCAS) Backend() string { return BackendMinio }

// Key maps a digest to its object key.
func (m *MinioCAS) Key(digest string) string {
	return casAlgorithmPrefix + "/" + digest
}

// Put spools r to a temp file while hashing, then uploads it unless an
// object with the same digest already exists.
func (m *MinioCAS) Put(ctx context.Context, r io.Reader) (BlobPutResult, error) {
	var zero BlobPutResult
	if r == nil {
		return zero, fmt.Errorf("reader is required")
	}

	tmp, err := os.CreateTemp(m.tempDir, "chainvault-put-*")
	if err != nil {
		return zero, err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), contextReader{ctx: ctx, r: r})
	if err != nil {
		return zero, err
	}
	digest := hex.EncodeToString(h.Sum(nil))
	key := m.Key(digest)
	result := BlobPutResult{Digest: digest, SizeBytes: n, BlobKey: key}

	exists, err := m.Exists(ctx, key)
	if err != nil {
		return zero, err
	}
	if exists {
		return result, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return zero, err
	}
	_, err = m.client.PutObject(ctx, m.bucket, key, tmp, n, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"sha256": digest},
	})
	if err != nil {
		return zero, fmt.Errorf("put object %s: %w", key, err)
	}

	result.Created = true
	return result, nil
}

// Open streams the object under key.
func (m *MinioCAS) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioError(key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapMinioError(key, err)
	}
	return obj, nil
}

// Exists reports whether an object is stored under key.
func (m *MinioCAS) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isMinioNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", key, err)
}

// Delete removes the object under key. Missing objects are ignored.
func (m *MinioCAS) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func mapMinioError(key string, err error) error {
	if isMinioNotFound(err) {
		return fmt.Errorf("blob %s: %w", key, models.ErrNotFound)
	}
	return fmt.Errorf("get object %s: %w", key, err)
}
