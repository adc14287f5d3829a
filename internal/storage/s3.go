// Package storage writes bundle files through the AWS SDK for Go v2.
//
// S3Store is the alternative to the coordinator's hand-signed PutObject:
// it resolves credentials through the standard AWS chain (environment,
// shared config, instance role) when none are configured, which suits
// deployments against AWS itself.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	ierr "github.com/bleepstore/ingest/internal/errors"
)

// S3API is the subset of the S3 client the store uses. It allows mocking
// in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Options locates the bucket. Endpoint selects an S3-compatible store and
// switches to path-style addressing; empty means AWS.
type Options struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store stores objects in one bucket through the SDK client.
type S3Store struct {
	Bucket string
	client S3API
}

// NewS3Store builds an SDK client from opts and checks that the bucket is
// reachable.
func NewS3Store(ctx context.Context, opts Options) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	// Static credentials win; otherwise fall back to the default chain.
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		})
	}

	store := NewS3StoreWithClient(opts.Bucket, s3.NewFromConfig(cfg, s3Opts...))
	if err := store.Ping(ctx); err != nil {
		return nil, err
	}
	slog.Info("SDK bundle store initialized", "bucket", opts.Bucket, "region", opts.Region, "endpoint", opts.Endpoint)
	return store, nil
}

// NewS3StoreWithClient returns a store that uses client as is.
func NewS3StoreWithClient(bucket string, client S3API) *S3Store {
	return &S3Store{Bucket: bucket, client: client}
}

// Ping checks that the bucket exists and the credentials can reach it.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.Bucket)})
	if err != nil {
		return providerError(fmt.Sprintf("cannot access bucket %q", s.Bucket), err)
	}
	return nil
}

// PutObject stores body under key and returns the unquoted ETag.
func (s *S3Store) PutObject(ctx context.Context, key, contentType string, body []byte) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return "", providerError("put object "+key, err)
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

// providerError converts an SDK failure into a Provider error that keeps
// the service's status and error code.
func providerError(msg string, err error) error {
	var status int
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		body := apiErr.ErrorCode()
		if m := apiErr.ErrorMessage(); m != "" {
			body += ": " + m
		}
		return ierr.Provider(ierr.KindProvider, msg, status, []byte(body))
	}
	return ierr.Wrap(ierr.KindProvider, msg, err)
}
