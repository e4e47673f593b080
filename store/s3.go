package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"mtox/dag"
)

// S3BlobStore adapts the teacher's R2Service to this protocol's
// content-addressed chunk storage: object keys are derived from the
// blob hash and chunk index rather than uploader-chosen filenames, and
// reads/writes go straight through the SDK instead of presigned URLs
// since the orchestrator itself is both producer and consumer of blob
// bytes (§6 blob module).
type S3BlobStore struct {
	client *s3.Client
	bucket string
}

// NewS3BlobStore builds a client against any S3-compatible endpoint
// (AWS S3 or R2) from static credentials, mirroring NewR2Service's
// path-style, region-less setup.
func NewS3BlobStore(ctx context.Context, endpoint, bucket, accessKeyID, secretKey string) (*S3BlobStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3BlobStore{client: client, bucket: bucket}, nil
}

func infoKey(hash dag.NodeHash) string          { return fmt.Sprintf("blobs/%s/info", hex.EncodeToString(hash[:])) }
func chunkKey(hash dag.NodeHash, idx uint32) string {
	return fmt.Sprintf("blobs/%s/chunks/%08x", hex.EncodeToString(hash[:]), idx)
}

func (s *S3BlobStore) PutBlobInfo(ctx context.Context, info BlobInfo) error {
	encoded := encodeBlobInfo(info)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(infoKey(info.Hash)),
		Body:   bytes.NewReader(encoded),
	})
	if err != nil {
		return fmt.Errorf("store: put blob info: %w", err)
	}
	return nil
}

func (s *S3BlobStore) GetBlobInfo(ctx context.Context, hash dag.NodeHash) (BlobInfo, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(infoKey(hash)),
	})
	if isNotFound(err) {
		return BlobInfo{}, false, nil
	}
	if err != nil {
		return BlobInfo{}, false, fmt.Errorf("store: get blob info: %w", err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return BlobInfo{}, false, fmt.Errorf("store: read blob info: %w", err)
	}
	info, err := decodeBlobInfo(hash, raw)
	if err != nil {
		return BlobInfo{}, false, err
	}
	return info, true, nil
}

func (s *S3BlobStore) HasBlob(ctx context.Context, hash dag.NodeHash) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(infoKey(hash)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: head blob info: %w", err)
	}
	return true, nil
}

func (s *S3BlobStore) PutChunk(ctx context.Context, hash dag.NodeHash, idx uint32, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(chunkKey(hash, idx)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("store: put chunk: %w", err)
	}
	return nil
}

func (s *S3BlobStore) GetChunk(ctx context.Context, hash dag.NodeHash, idx uint32) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(chunkKey(hash, idx)),
	})
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get chunk: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("store: read chunk: %w", err)
	}
	return data, true, nil
}

func (s *S3BlobStore) HasChunk(ctx context.Context, hash dag.NodeHash, idx uint32) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(chunkKey(hash, idx)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: head chunk: %w", err)
	}
	return true, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *s3.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// encodeBlobInfo/decodeBlobInfo pack the tiny BlobInfo struct as a fixed
// 12-byte record (4-byte total_chunks, 8-byte total_size); the hash
// itself lives in the object key, not the body.
func encodeBlobInfo(info BlobInfo) []byte {
	buf := make([]byte, 12)
	putUint32(buf[0:4], info.TotalChunks)
	putUint64(buf[4:12], info.TotalSize)
	return buf
}

func decodeBlobInfo(hash dag.NodeHash, raw []byte) (BlobInfo, error) {
	if len(raw) != 12 {
		return BlobInfo{}, fmt.Errorf("store: malformed blob info record (%d bytes)", len(raw))
	}
	return BlobInfo{
		Hash:        hash,
		TotalChunks: getUint32(raw[0:4]),
		TotalSize:   getUint64(raw[4:12]),
	}, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
