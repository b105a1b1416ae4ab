// SPDX-License-Identifier: MIT

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Store stores blobs in an S3-compatible bucket. Single-request puts
// are atomic on the service side, which satisfies the Put contract.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// S3Options configures the S3 backend. Endpoint is optional and enables
// path-style addressing for MinIO and other S3-compatible stores.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Store builds a client from the ambient AWS configuration chain.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		if opts.PathStyle || opts.Endpoint != "" {
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.classify(key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, Info{}, s.classify(key, err)
	}
	return out.Body, Info{
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}, nil
}

func (s *S3Store) Stream(ctx context.Context, key string, start, end int64) (io.ReadCloser, ByteRange, error) {
	var spec string
	if end >= 0 {
		spec = fmt.Sprintf("bytes=%d-%d", start, end)
	} else {
		spec = fmt.Sprintf("bytes=%d-", start)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(spec),
	})
	if err != nil {
		return nil, ByteRange{}, s.classify(key, err)
	}
	rng, err := parseContentRange(aws.ToString(out.ContentRange))
	if err != nil {
		_ = out.Body.Close()
		return nil, ByteRange{}, storageErr(KindCorrupt, key, err)
	}
	return out.Body, rng, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	// DeleteObject succeeds for absent keys, matching the idempotent
	// delete contract.
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return s.classify(key, err)
	}
	return nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", s.classify(key, err)
	}
	return req.URL, nil
}

// classify maps AWS failures onto the storage error taxonomy.
func (s *S3Store) classify(key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storageErr(KindTransient, key, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); code {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return storageErr(KindNotFound, key, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return storageErr(KindAuthDenied, key, err)
		case "QuotaExceeded", "EntityTooLarge", "ServiceQuotaExceededException":
			return storageErr(KindQuota, key, err)
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"InternalError", "ServiceUnavailable":
			return storageErr(KindTransient, key, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return storageErr(KindTransient, key, err)
	}
	return storageErr(KindTransient, key, err)
}

// parseContentRange parses "bytes start-end/total".
func parseContentRange(header string) (ByteRange, error) {
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return ByteRange{}, fmt.Errorf("malformed content range %q", header)
	}
	span, totalStr, ok := strings.Cut(rest, "/")
	if !ok {
		return ByteRange{}, fmt.Errorf("malformed content range %q", header)
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok {
		return ByteRange{}, fmt.Errorf("malformed content range %q", header)
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return ByteRange{}, err
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return ByteRange{}, err
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return ByteRange{}, err
	}
	return ByteRange{Start: start, End: end, Total: total}, nil
}

var _ Store = (*S3Store)(nil)
