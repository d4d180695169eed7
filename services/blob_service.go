package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/kurin/blazer/b2"
)

// BlobService stores file content in Backblaze B2 under content-addressed
// keys. The key is derived from the SHA-1 of the content, so identical
// uploads share one blob and a blob is only safe to delete once no file
// record references its hash.
type BlobService struct {
	client *b2.Client
	bucket *b2.Bucket
}

// BlobResult describes a stored blob.
type BlobResult struct {
	Hash string // "v0-sha1-<hex>", stored as FileEntry.Hash
	Size int64
}

const signedURLDuration = 24 * time.Hour

func NewBlobService(ctx context.Context, keyID, applicationKey, bucketName string) (*BlobService, error) {
	client, err := b2.NewClient(ctx, keyID, applicationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create B2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket %s: %w", bucketName, err)
	}
	return &BlobService{client: client, bucket: bucket}, nil
}

// Put streams content into the bucket while computing its SHA-1, then moves
// the blob to its content-addressed key. The hash prefix versions the
// addressing scheme.
func (s *BlobService) Put(ctx context.Context, content io.Reader) (*BlobResult, error) {
	// The final key is unknown until the content is hashed, so stage the
	// upload under a temporary key first.
	tmpKey := fmt.Sprintf("tmp/%d", time.Now().UnixNano())
	writer := s.bucket.Object(tmpKey).NewWriter(ctx)

	hasher := sha1.New()
	size, err := io.Copy(io.MultiWriter(writer, hasher), content)
	if err != nil {
		writer.Close()
		return nil, storage(err, "failed to upload blob")
	}
	if err := writer.Close(); err != nil {
		return nil, storage(err, "failed to finish blob upload")
	}

	hash := "v0-sha1-" + hex.EncodeToString(hasher.Sum(nil))
	key := blobKey(hash)

	dst := s.bucket.Object(key).NewWriter(ctx)
	src := s.bucket.Object(tmpKey).NewReader(ctx)
	if _, err := io.Copy(dst, src); err != nil {
		src.Close()
		dst.Close()
		return nil, storage(err, "failed to store blob %s", hash)
	}
	src.Close()
	if err := dst.Close(); err != nil {
		return nil, storage(err, "failed to store blob %s", hash)
	}
	if err := s.bucket.Object(tmpKey).Delete(ctx); err != nil {
		return nil, storage(err, "failed to drop staged blob")
	}

	return &BlobResult{Hash: hash, Size: size}, nil
}

// Open returns a reader over the blob for a file hash.
func (s *BlobService) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	if hash == "" {
		return nil, notFound("file has no stored content")
	}
	return s.bucket.Object(blobKey(hash)).NewReader(ctx), nil
}

// SignedURL generates a time-limited download URL for a file hash.
func (s *BlobService) SignedURL(ctx context.Context, hash string) (string, error) {
	if hash == "" {
		return "", notFound("file has no stored content")
	}
	url, err := s.bucket.Object(blobKey(hash)).AuthURL(ctx, signedURLDuration, "GET")
	if err != nil {
		return "", storage(err, "failed to sign download URL for %s", hash)
	}
	return url.String(), nil
}

// Delete removes the blob for a hash. Callers must ensure no remaining file
// record references it.
func (s *BlobService) Delete(ctx context.Context, hash string) error {
	if hash == "" {
		return nil
	}
	if err := s.bucket.Object(blobKey(hash)).Delete(ctx); err != nil {
		return storage(err, "failed to delete blob %s", hash)
	}
	return nil
}

// blobKey fans blobs out by hash prefix to keep listings shallow.
func blobKey(hash string) string {
	tail := hash
	if i := len(hash) - 8; i > 0 {
		tail = hash[i:]
	}
	return fmt.Sprintf("blobs/%s/%s", tail[:2], hash)
}
