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

// Package blob provides the byte storage backends behind file uploads.
// Blobs are addressed by URI: s3://bucket/key or file://relative/path.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by storage implementations.
var (
	// ErrBlobNotFound is returned when no blob exists at the URI.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrInvalidURI is returned when a blob URI is malformed.
	ErrInvalidURI = errors.New("invalid blob uri")
)

// Storage is the blob store contract consumed by the file-processing
// pipeline.
type Storage interface {
	// Put writes a blob at the URI, overwriting any existing content.
	Put(ctx context.Context, uri string, data []byte, contentType string) error

	// Get reads the blob at the URI. Returns ErrBlobNotFound when absent.
	Get(ctx context.Context, uri string) ([]byte, error)

	// Delete removes the blob. Deleting an absent blob is not an error.
	Delete(ctx context.Context, uri string) error

	// Close releases backend resources.
	Close() error
}

// URI is a parsed blob address.
type URI struct {
	Scheme string
	Bucket string
	Key    string
}

// String renders the URI back to its canonical form.
func (u URI) String() string {
	if u.Bucket == "" {
		return fmt.Sprintf("%s://%s", u.Scheme, u.Key)
	}
	return fmt.Sprintf("%s://%s/%s", u.Scheme, u.Bucket, u.Key)
}

// ParseURI splits scheme://bucket/key. The file scheme has no bucket; the
// whole path is the key.
func ParseURI(raw string) (*URI, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" || rest == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURI, raw)
	}

	switch scheme {
	case "file":
		if strings.Contains(rest, "..") {
			return nil, fmt.Errorf("%w: path traversal in %q", ErrInvalidURI, raw)
		}
		return &URI{Scheme: scheme, Key: strings.TrimPrefix(rest, "/")}, nil
	case "s3":
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return nil, fmt.Errorf("%w: s3 uri needs bucket and key: %q", ErrInvalidURI, raw)
		}
		return &URI{Scheme: scheme, Bucket: bucket, Key: key}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, scheme)
	}
}
