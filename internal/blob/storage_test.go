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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	u, err := ParseURI("s3://uploads/tenant-a/file.pdf")
	require.NoError(t, err)
	assert.Equal(t, "s3", u.Scheme)
	assert.Equal(t, "uploads", u.Bucket)
	assert.Equal(t, "tenant-a/file.pdf", u.Key)
	assert.Equal(t, "s3://uploads/tenant-a/file.pdf", u.String())

	u, err = ParseURI("file://uploads/file.pdf")
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)
	assert.Empty(t, u.Bucket)
	assert.Equal(t, "uploads/file.pdf", u.Key)
}

func TestParseURI_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"no-scheme",
		"s3://",
		"s3://bucket-only",
		"gs://bucket/key",
		"file://../escape",
	} {
		_, err := ParseURI(raw)
		assert.ErrorIs(t, err, ErrInvalidURI, "uri %q", raw)
	}
}

func TestLocalStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	uri := "file://tenant-a/doc.txt"
	require.NoError(t, s.Put(ctx, uri, []byte("hello"), "text/plain"))

	data, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, s.Delete(ctx, uri))
	_, err = s.Get(ctx, uri)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	// Deleting again is fine.
	assert.NoError(t, s.Delete(ctx, uri))
}

func TestLocalStorage_RejectsS3URIs(t *testing.T) {
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "s3://bucket/key")
	assert.ErrorIs(t, err, ErrInvalidURI)
}
