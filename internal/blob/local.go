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
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStorage stores blobs under a base directory. Suitable for
// development and single-instance deployments; file:// URIs resolve
// relative to the base path.
type LocalStorage struct {
	basePath string
}

var _ Storage = (*LocalStorage)(nil)

// NewLocalStorage creates a LocalStorage rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("blob: create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) path(uri string) (string, error) {
	parsed, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("%w: local storage requires file scheme, got %q", ErrInvalidURI, parsed.Scheme)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(parsed.Key)), nil
}

// Put writes the blob, creating parent directories as needed.
func (s *LocalStorage) Put(_ context.Context, uri string, data []byte, _ string) error {
	path, err := s.path(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("blob: create parent directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("blob: write %s: %w", uri, err)
	}
	return nil
}

// Get reads the blob.
func (s *LocalStorage) Get(_ context.Context, uri string) ([]byte, error) {
	path, err := s.path(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", uri, err)
	}
	return data, nil
}

// Delete removes the blob and prunes empty parent directories up to the
// base path.
func (s *LocalStorage) Delete(_ context.Context, uri string) error {
	path, err := s.path(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s: %w", uri, err)
	}
	for dir := filepath.Dir(path); dir != s.basePath; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// Close is a no-op for the filesystem backend.
func (s *LocalStorage) Close() error {
	return nil
}
