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

package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percolationlabs/percolate/internal/store"
)

func message(id, msgType, content string, at time.Time) *store.Entity {
	e := &store.Entity{ID: id, Table: "messages", CreatedAt: at}
	e.SetField("message_type", msgType)
	e.SetField("content", content)
	return e
}

func TestChunkName_Deterministic(t *testing.T) {
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	a := chunkName("session-1", day, 3)
	b := chunkName("session-1", day, 3)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "session-"))
	assert.Contains(t, a, "20260824-chunk-3")

	// Different sessions hash apart.
	assert.NotEqual(t, a, chunkName("session-2", day, 3))
}

func TestChunkName_MomentIDStable(t *testing.T) {
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	name := chunkName("session-1", day, 0)
	id1 := store.DeterministicID("moments", name, "")
	id2 := store.DeterministicID("moments", name, "")
	assert.Equal(t, id1, id2)
}

func TestApproxTokens(t *testing.T) {
	assert.Equal(t, 0, approxTokens(""))
	assert.Equal(t, 0, approxTokens("abc"))
	assert.Equal(t, 1, approxTokens("abcd"))
	assert.Equal(t, 25, approxTokens(strings.Repeat("x", 100)))
}

func TestMessageTokens_PrefersReportedUsage(t *testing.T) {
	m := message("m1", TypeAssistant, strings.Repeat("x", 400), time.Now())
	assert.Equal(t, 100, messageTokens(m))

	m.SetField("input_tokens", 30)
	m.SetField("output_tokens", 12)
	assert.Equal(t, 42, messageTokens(m))
}

func TestMessageTokens_IntegerWidths(t *testing.T) {
	m := message("m1", TypeAssistant, "", time.Now())
	m.SetField("input_tokens", int32(5))
	m.SetField("output_tokens", int64(7))
	assert.Equal(t, 12, messageTokens(m))
}

func TestSelectWithinBudget(t *testing.T) {
	base := time.Now()
	var msgs []*store.Entity
	for i := 0; i < 6; i++ {
		// 40 chars each, 10 tokens.
		m := message(fmt.Sprintf("m%d", i), TypeUser, strings.Repeat("x", 40),
			base.Add(time.Duration(i)*time.Second))
		msgs = append(msgs, m)
	}

	keep := selectWithinBudget(msgs, 25, 0)
	assert.Len(t, keep, 2)
	assert.True(t, keep["m5"])
	assert.True(t, keep["m4"])
	assert.False(t, keep["m3"])
}

func TestSelectWithinBudget_AlwaysLastN(t *testing.T) {
	base := time.Now()
	var msgs []*store.Entity
	for i := 0; i < 4; i++ {
		m := message(fmt.Sprintf("m%d", i), TypeUser, strings.Repeat("x", 400),
			base.Add(time.Duration(i)*time.Second))
		msgs = append(msgs, m)
	}

	// Budget fits nothing, yet the last two survive.
	keep := selectWithinBudget(msgs, 1, 2)
	assert.Len(t, keep, 2)
	assert.True(t, keep["m3"])
	assert.True(t, keep["m2"])
}

func TestSelectWithinBudget_ZeroBudgetKeepsAll(t *testing.T) {
	base := time.Now()
	msgs := []*store.Entity{
		message("m0", TypeUser, strings.Repeat("x", 400), base),
		message("m1", TypeAssistant, strings.Repeat("x", 400), base.Add(time.Second)),
	}
	keep := selectWithinBudget(msgs, 0, 0)
	assert.Len(t, keep, 2)
}

func TestBreadcrumb(t *testing.T) {
	got := breadcrumb("short answer", "session-abc123-20260824-chunk-0")
	assert.Equal(t, "[Earlier: short answer… → LOOKUP session-abc123-20260824-chunk-0]", got)
}

func TestBreadcrumb_TruncatesHint(t *testing.T) {
	long := strings.Repeat("a", 500)
	got := breadcrumb(long, "key")
	assert.Contains(t, got, strings.Repeat("a", breadcrumbHintLen)+"…")
	assert.NotContains(t, got, strings.Repeat("a", breadcrumbHintLen+1))
	assert.True(t, strings.HasSuffix(got, "→ LOOKUP key]"))
}

func TestCoveringMomentKey(t *testing.T) {
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	moment := &store.Entity{
		Name: "session-abc-20260824-chunk-0",
		Metadata: map[string]any{
			"min_ts": base.Format(time.RFC3339Nano),
			"max_ts": base.Add(time.Hour).Format(time.RFC3339Nano),
		},
	}
	moments := []*store.Entity{moment}

	assert.Equal(t, moment.Name, coveringMomentKey(moments, base.Add(30*time.Minute)))
	assert.Equal(t, moment.Name, coveringMomentKey(moments, base))
	assert.Equal(t, moment.Name, coveringMomentKey(moments, base.Add(time.Hour)))
	assert.Empty(t, coveringMomentKey(moments, base.Add(2*time.Hour)))
	assert.Empty(t, coveringMomentKey(moments, base.Add(-time.Minute)))
}

func TestCoveringMomentKey_IgnoresMalformedWindows(t *testing.T) {
	moments := []*store.Entity{
		{Name: "broken", Metadata: map[string]any{"min_ts": "not a time"}},
	}
	assert.Empty(t, coveringMomentKey(moments, time.Now()))
}

func TestParseMetaTime(t *testing.T) {
	at := time.Date(2026, 8, 24, 12, 0, 0, 123456000, time.UTC)
	meta := map[string]any{"min_ts": at.Format(time.RFC3339Nano)}

	got, ok := parseMetaTime(meta, "min_ts")
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	_, ok = parseMetaTime(meta, "missing")
	assert.False(t, ok)

	_, ok = parseMetaTime(map[string]any{"min_ts": 42}, "min_ts")
	assert.False(t, ok)
}

func TestIntFromMeta(t *testing.T) {
	// Round-tripped JSONB metadata comes back as float64.
	assert.Equal(t, 4, intFromMeta(map[string]any{"chunk_index": float64(4)}, "chunk_index"))
	assert.Equal(t, 4, intFromMeta(map[string]any{"chunk_index": 4}, "chunk_index"))
	assert.Equal(t, 0, intFromMeta(map[string]any{}, "chunk_index"))
}

func TestMomentStarts(t *testing.T) {
	at := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

	m := &store.Entity{}
	m.SetField("starts_timestamp", at)
	got, ok := momentStarts(m)
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	m = &store.Entity{}
	m.SetField("starts_timestamp", at.Format(time.RFC3339Nano))
	got, ok = momentStarts(m)
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	_, ok = momentStarts(&store.Entity{})
	assert.False(t, ok)
}

func TestRoleFor(t *testing.T) {
	assert.Equal(t, "assistant", roleFor(message("a", TypeAssistant, "", time.Now())))
	assert.Equal(t, "system", roleFor(message("s", TypeSystem, "", time.Now())))
	assert.Equal(t, "user", roleFor(message("u", TypeUser, "", time.Now())))
}

func TestParseCounts(t *testing.T) {
	got := parseCounts([]byte(`{"finance": 3, "ops": 1}`))
	assert.Equal(t, map[string]int{"finance": 3, "ops": 1}, got)
	assert.Empty(t, parseCounts(nil))
	assert.Empty(t, parseCounts([]byte("not json")))
}
