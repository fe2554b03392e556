/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the S3 backend.
type S3Config struct {
	// Region is the AWS region.
	Region string
	// Endpoint is an optional custom endpoint (for S3-compatible services
	// like MinIO).
	Endpoint string
	// UsePathStyle forces path-style addressing (required for MinIO).
	UsePathStyle bool
}

// S3Storage implements Storage over Amazon S3. The bucket comes from the
// URI, so one client serves all buckets the credentials can reach.
type S3Storage struct {
	client *s3.Client
}

var _ Storage = (*S3Storage)(nil)

// NewS3Storage creates an S3 storage backend.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("blob: load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Storage{client: s3.NewFromConfig(awsCfg, s3Opts...)}, nil
}

func s3Address(uri string) (*URI, error) {
	parsed, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "s3" {
		return nil, fmt.Errorf("%w: s3 storage requires s3 scheme, got %q", ErrInvalidURI, parsed.Scheme)
	}
	return parsed, nil
}

// Put uploads the blob.
func (s *S3Storage) Put(ctx context.Context, uri string, data []byte, contentType string) error {
	addr, err := s3Address(uri)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(addr.Bucket),
		Key:    aws.String(addr.Key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("blob: put %s: %w", uri, err)
	}
	return nil
}

// Get downloads the blob.
func (s *S3Storage) Get(ctx context.Context, uri string) ([]byte, error) {
	addr, err := s3Address(uri)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(addr.Bucket),
		Key:    aws.String(addr.Key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, uri)
		}
		return nil, fmt.Errorf("blob: get %s: %w", uri, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", uri, err)
	}
	return data, nil
}

// Delete removes the blob. S3 deletes are idempotent.
func (s *S3Storage) Delete(ctx context.Context, uri string) error {
	addr, err := s3Address(uri)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(addr.Bucket),
		Key:    aws.String(addr.Key),
	})
	if err != nil {
		return fmt.Errorf("blob: delete %s: %w", uri, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no persistent connections that
// need teardown.
func (s *S3Storage) Close() error {
	return nil
}
