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

package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/store"
)

func TestChunkText(t *testing.T) {
	assert.Nil(t, ChunkText("", 100, 10))

	short := "small document"
	assert.Equal(t, []string{short}, ChunkText(short, 100, 10))

	// Words of 9 chars + space; boundaries should land on whitespace.
	text := strings.Repeat("wordwords ", 100) // 1000 chars
	chunks := ChunkText(text, 300, 50)
	require.Greater(t, len(chunks), 2)
	for i, chunk := range chunks[:len(chunks)-1] {
		assert.LessOrEqual(t, len(chunk), 300, "chunk %d", i)
		assert.True(t, strings.HasSuffix(chunk, " "), "chunk %d should break on whitespace", i)
	}

	// Overlap: each chunk after the first repeats the previous tail.
	tail := chunks[0][len(chunks[0])-50:]
	assert.True(t, strings.HasPrefix(chunks[1], tail))
}

func TestChunkText_NoWhitespace(t *testing.T) {
	text := strings.Repeat("x", 450)
	chunks := ChunkText(text, 200, 20)
	require.NotEmpty(t, chunks)
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	// All input is covered (overlaps may duplicate, never drop).
	assert.GreaterOrEqual(t, total, len(text))
	assert.Equal(t, strings.Repeat("x", 200), chunks[0])
}

func TestPlainTextExtractor(t *testing.T) {
	e := PlainTextExtractor{}
	ctx := context.Background()

	out, err := e.Extract(ctx, []byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = e.Extract(ctx, []byte(`{"a":1}`), "application/json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)

	// Unknown content type passes through when empty.
	_, err = e.Extract(ctx, []byte("x"), "")
	assert.NoError(t, err)

	_, err = e.Extract(ctx, []byte{0xff, 0xd8}, "image/jpeg")
	assert.Error(t, err)
}

func TestParseSources(t *testing.T) {
	refs := []string{
		"resources:r1",
		"moments:m1",
		"resources:r1", // duplicate id dropped
		"malformed",
		":empty-table",
		"resources:",
	}
	got := parseSources(refs)
	require.Len(t, got, 2)
	assert.Equal(t, sourceRef{table: "resources", id: "r1"}, got[0])
	assert.Equal(t, sourceRef{table: "moments", id: "m1"}, got[1])
}

func TestDreamEdges(t *testing.T) {
	dream := DreamMoment{
		Name:              "pattern-weekly-review",
		AffinityFragments: []string{"quarterly-report"},
		Sources:           []string{"sessions:s1", "resources:r1"},
	}
	edges := dreamEdges(dream, parseSources(dream.Sources))
	require.Len(t, edges, 3)
	assert.Equal(t, "affinity", edges[0].Relation)
	assert.Equal(t, "quarterly-report", edges[0].Target)
	// Sources are referenced by id with the dreamed_from relation; the
	// same relation is merged back onto each source row.
	assert.Equal(t, store.GraphEdge{Target: "s1", Relation: "dreamed_from"}, edges[1])
	assert.Equal(t, store.GraphEdge{Target: "r1", Relation: "dreamed_from"}, edges[2])
}

func TestParseDreams(t *testing.T) {
	dreams, err := parseDreams(map[string]any{
		"moments": []any{
			map[string]any{
				"name":               "pattern-weekly-review",
				"summary":            "User reviews metrics every Monday.",
				"affinity_fragments": []any{"quarterly-report"},
				"sources":            []any{"sessions:s1"},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, dreams, 1)
	assert.Equal(t, "pattern-weekly-review", dreams[0].Name)
	assert.Equal(t, []string{"quarterly-report"}, dreams[0].AffinityFragments)
	assert.Equal(t, []string{"sessions:s1"}, dreams[0].Sources)

	// Missing key is not an error.
	dreams, err = parseDreams(map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, dreams)

	_, err = parseDreams(map[string]any{"moments": "not a list"})
	assert.Error(t, err)
}

func TestStringList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringList([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, stringList([]any{"a", "b", 3}))
	assert.Equal(t, []string{"a"}, stringList(`["a"]`))
	assert.Nil(t, stringList(nil))
	assert.Nil(t, stringList(42))
}

func TestResultTokens(t *testing.T) {
	assert.Equal(t, int64(7), resultTokens(map[string]any{"tokens": 7}))
	assert.Equal(t, int64(7), resultTokens(map[string]any{"tokens": int64(7)}))
	assert.Equal(t, int64(7), resultTokens(map[string]any{"tokens": float64(7)}))
	assert.Equal(t, int64(0), resultTokens(nil))
	assert.Equal(t, int64(0), resultTokens(map[string]any{"tokens": "7"}))
}
