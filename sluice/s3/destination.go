// Package s3 provides an S3-compatible export destination for sluice.
//
// This adapter supports AWS S3, MinIO, LocalStack, Cloudflare R2,
// and other S3-compatible object stores.
//
// # Append Semantics
//
// Each export is one multipart upload. Every committed chunk becomes one
// part, in order; the object appears only when Finalize completes the
// upload. An export with no bytes is written with a single empty PutObject.
//
// # S3-Specific Limits
//
//   - Part size: 5MB minimum (except the last part), 5GB maximum
//   - Parts per object: 10,000
//
// The destination reports these through sluice.ChunkBounder so the
// exporter sizes its chunks accordingly.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/justapithecus/sluice/sluice"
)

// S3 multipart upload constraints.
const (
	// minPartSize is the minimum part size for S3 multipart uploads (except last part).
	minPartSize = 5 * 1024 * 1024 // 5MB

	// maxPartSize is the maximum part size for S3 multipart uploads.
	maxPartSize = 5 * 1024 * 1024 * 1024 // 5GB

	// maxParts is the maximum number of parts allowed in an S3 multipart upload.
	maxParts = 10000
)

// abortTimeout bounds cleanup calls made after the export context ended.
const abortTimeout = 30 * time.Second

// ErrPartTooSmall is returned when a part below the S3 minimum is followed
// by another part.
var ErrPartTooSmall = errors.New("s3: only the last part may be smaller than 5MB")

// API defines the subset of the S3 client interface used by the destination.
// This enables testing with mock implementations.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Presigner creates time-limited download URLs. *s3.PresignClient
// satisfies it.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config holds configuration for the S3 destination.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all objects.
	// A trailing slash is added if missing.
	Prefix string

	// Presigner, if set, makes Finalize return a presigned HTTPS URL
	// instead of an s3:// URI.
	Presigner Presigner

	// PresignExpiry is the lifetime of presigned URLs. Default: 1 hour.
	PresignExpiry time.Duration
}

// Destination implements sluice.Destination using an S3-compatible backend.
type Destination struct {
	client        API
	bucket        string
	prefix        string
	presigner     Presigner
	presignExpiry time.Duration
}

// New creates a new S3 destination with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint.
// See NewClient.
func New(client API, cfg Config) (*Destination, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = time.Hour
	}

	return &Destination{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        prefix,
		presigner:     cfg.Presigner,
		presignExpiry: expiry,
	}, nil
}

// ChunkSizeBounds implements sluice.ChunkBounder.
func (d *Destination) ChunkSizeBounds() (minSize, maxSize int64) {
	return minPartSize, maxPartSize
}

// CreateAppend starts a multipart upload for info.Name.
// Returns sluice.ErrPathExists if the object already exists.
func (d *Destination) CreateAppend(ctx context.Context, info sluice.ObjectInfo) (sluice.AppendHandle, error) {
	key, err := d.validateKey(info.Name)
	if err != nil {
		return nil, err
	}

	// Preflight existence check fails fast; If-None-Match on completion is
	// the actual no-overwrite guarantee.
	exists, err := d.exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("s3: checking existence: %w", err)
	}
	if exists {
		return nil, sluice.ErrPathExists
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}
	setHeaders(info, &input.ContentType, &input.ContentEncoding, &input.ContentDisposition)

	resp, err := d.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("s3: create multipart upload: %w", err)
	}

	return &appendHandle{
		dest:     d,
		key:      key,
		info:     info,
		uploadID: aws.ToString(resp.UploadId),
	}, nil
}

// setHeaders copies the non-empty object headers of info.
func setHeaders(info sluice.ObjectInfo, contentType, contentEncoding, contentDisposition **string) {
	if info.ContentType != "" {
		*contentType = aws.String(info.ContentType)
	}
	if info.ContentEncoding != "" {
		*contentEncoding = aws.String(info.ContentEncoding)
	}
	if info.ContentDisposition != "" {
		*contentDisposition = aws.String(info.ContentDisposition)
	}
}

// exists checks if an object exists (internal helper).
func (d *Destination) exists(ctx context.Context, key string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// validateKey validates and returns the full key for an object name.
func (d *Destination) validateKey(name string) (string, error) {
	if name == "" {
		return "", sluice.ErrInvalidPath
	}

	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", sluice.ErrInvalidPath
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", sluice.ErrInvalidPath
	}

	return d.prefix + cleaned, nil
}

// locator returns the URL callers use to fetch a completed object.
func (d *Destination) locator(ctx context.Context, key string) (string, error) {
	if d.presigner == nil {
		return "s3://" + d.bucket + "/" + key, nil
	}
	req, err := d.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(d.presignExpiry))
	if err != nil {
		return "", fmt.Errorf("s3: presign: %w", err)
	}
	if req.Method != http.MethodGet {
		return "", fmt.Errorf("s3: presign returned %s request", req.Method)
	}
	return req.URL, nil
}

// -----------------------------------------------------------------------------
// Append handle
// -----------------------------------------------------------------------------

// appendHandle uploads one part per committed chunk.
type appendHandle struct {
	dest     *Destination
	key      string
	info     sluice.ObjectInfo
	uploadID string

	parts     []types.CompletedPart
	offset    int64
	shortPart bool
	done      bool
}

func (h *appendHandle) Commit(ctx context.Context, chunk sluice.UploadChunk) error {
	if h.done {
		return sluice.ErrSinkFinalized
	}
	if chunk.Offset != h.offset {
		return fmt.Errorf("%w: got %d, want %d", sluice.ErrOffsetMismatch, chunk.Offset, h.offset)
	}
	if h.shortPart {
		return ErrPartTooSmall
	}
	size := int64(len(chunk.Data))
	if size > maxPartSize {
		return fmt.Errorf("%w: %d > %d", sluice.ErrChunkTooLarge, size, int64(maxPartSize))
	}
	if len(h.parts) >= maxParts {
		return fmt.Errorf("s3: upload exceeds %d parts", maxParts)
	}

	partNum := int32(len(h.parts) + 1)
	resp, err := h.dest.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(h.dest.bucket),
		Key:           aws.String(h.key),
		UploadId:      aws.String(h.uploadID),
		PartNumber:    aws.Int32(partNum),
		Body:          bytes.NewReader(chunk.Data),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("s3: upload part %d: %w", partNum, err)
	}

	h.parts = append(h.parts, types.CompletedPart{
		ETag:       resp.ETag,
		PartNumber: aws.Int32(partNum),
	})
	h.offset += size
	h.shortPart = size < minPartSize
	return nil
}

// Finalize completes the upload with conditional no-overwrite.
func (h *appendHandle) Finalize(ctx context.Context) (string, error) {
	if h.done {
		return "", sluice.ErrSinkFinalized
	}

	if len(h.parts) == 0 {
		if err := h.putEmpty(ctx); err != nil {
			return "", err
		}
	} else if err := h.complete(ctx); err != nil {
		return "", err
	}
	h.done = true

	return h.dest.locator(ctx, h.key)
}

func (h *appendHandle) complete(ctx context.Context) error {
	_, err := h.dest.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(h.dest.bucket),
		Key:      aws.String(h.key),
		UploadId: aws.String(h.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: h.parts,
		},
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			h.abortUpload(ctx)
			return sluice.ErrPathExists
		}
		return fmt.Errorf("s3: complete multipart upload: %w", err)
	}
	return nil
}

// putEmpty replaces an upload with no parts by an empty object; S3 cannot
// complete a multipart upload without parts.
func (h *appendHandle) putEmpty(ctx context.Context) error {
	h.abortUpload(ctx)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(h.dest.bucket),
		Key:           aws.String(h.key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		IfNoneMatch:   aws.String("*"),
	}
	setHeaders(h.info, &input.ContentType, &input.ContentEncoding, &input.ContentDisposition)

	if _, err := h.dest.client.PutObject(ctx, input); err != nil {
		if isConditionalFailure(err) {
			return sluice.ErrPathExists
		}
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

// Abort discards the upload and its parts.
func (h *appendHandle) Abort(ctx context.Context) error {
	if h.done {
		return sluice.ErrSinkFinalized
	}
	h.done = true

	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	_, err := h.dest.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(h.dest.bucket),
		Key:      aws.String(h.key),
		UploadId: aws.String(h.uploadID),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3: abort multipart upload: %w", err)
	}
	return nil
}

// abortUpload is a best-effort abort used on internal paths.
func (h *appendHandle) abortUpload(ctx context.Context) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	_, _ = h.dest.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(h.dest.bucket),
		Key:      aws.String(h.key),
		UploadId: aws.String(h.uploadID),
	})
}

// isConditionalFailure reports whether err is an If-None-Match rejection.
func isConditionalFailure(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "412", "ConditionalRequestConflict", "409":
			return true
		}
	}
	return false
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchUpload", "404":
			return true
		}
	}
	return false
}

// Ensure Destination implements the sluice interfaces
var (
	_ sluice.Destination  = (*Destination)(nil)
	_ sluice.ChunkBounder = (*Destination)(nil)
	_ sluice.Aborter      = (*appendHandle)(nil)
)
