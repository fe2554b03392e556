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

package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/store"
)

func testSchema() *Schema {
	return &Schema{
		Name:        "researcher",
		Description: "You research topics thoroughly.",
		Properties: map[string]Property{
			"hypothesis": {Type: "string", Description: "Current working hypothesis."},
			"confidence": {Type: "number"},
		},
		Tools: []ToolRef{
			{Name: "web_search", Description: "Prefer primary sources."},
			{Name: "calculator"},
		},
	}
}

func TestSystemPrompt_Conversational(t *testing.T) {
	got := SystemPrompt(testSchema())
	assert.Contains(t, got, "You research topics thoroughly.")
	assert.Contains(t, got, "## Tool Notes")
	assert.Contains(t, got, "- web_search: Prefer primary sources.")
	// Tools without context get no note.
	assert.NotContains(t, got, "calculator")
	assert.Contains(t, got, "## Thinking Structure")
	assert.Contains(t, got, "- hypothesis: Current working hypothesis.")
	assert.Contains(t, got, "- confidence\n")
}

func TestSystemPrompt_StructuredOutputDropsThinking(t *testing.T) {
	s := testSchema()
	s.StructuredOutput = true
	got := SystemPrompt(s)
	assert.NotContains(t, got, "## Thinking Structure")
	assert.Contains(t, got, "## Tool Notes")
}

func TestInstructions(t *testing.T) {
	s := testSchema()
	got := Instructions(s, RunContext{
		UserID:    "u1",
		SessionID: "s1",
		Now:       time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
		Extra:     map[string]string{"Project": "Working on quarterly review."},
	})
	assert.Contains(t, got, "Agent: researcher")
	assert.Contains(t, got, "User: u1")
	assert.Contains(t, got, "Session: s1")
	assert.Contains(t, got, "24 Aug 2026")
	assert.Contains(t, got, "## Project\nWorking on quarterly review.")
}

func TestOutputSchema_StripsDescription(t *testing.T) {
	s := testSchema()
	out := s.OutputSchema()

	assert.Equal(t, "object", out["type"])
	assert.NotContains(t, out, "description")

	props, ok := out["properties"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, props, 2)

	hyp, ok := props["hypothesis"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Current working hypothesis.", hyp["description"])

	required, ok := out["required"].([]string)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"hypothesis", "confidence"}, required)
}

func TestParseSchema(t *testing.T) {
	row := &store.Entity{Name: "summarizer"}
	row.SetField("json_schema", map[string]any{
		"description":       "Summarize inputs.",
		"model":             "gpt-4o",
		"temperature":       0.2,
		"structured_output": true,
		"chained_tool":      "save_summary",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string"},
		},
		"limits": map[string]any{"max_tokens": 500},
	})

	schema, err := parseSchema(row)
	require.NoError(t, err)
	assert.Equal(t, "summarizer", schema.Name)
	assert.Equal(t, "Summarize inputs.", schema.Description)
	assert.Equal(t, "gpt-4o", schema.Model)
	assert.Equal(t, 0.2, schema.Temperature)
	assert.True(t, schema.StructuredOutput)
	assert.Equal(t, "save_summary", schema.ChainedTool)
	assert.Equal(t, 500, schema.Limits.MaxTokens)
}

func TestParseSchema_DescriptionFallsBackToContent(t *testing.T) {
	row := &store.Entity{Name: "plain"}
	row.SetField("json_schema", map[string]any{})
	row.SetField("content", "System prompt from content.")

	schema, err := parseSchema(row)
	require.NoError(t, err)
	assert.Equal(t, "System prompt from content.", schema.Description)
}

func TestValidateOutput(t *testing.T) {
	r := &Runner{log: zap.NewNop().Sugar()}
	s := &Schema{
		Name:             "extractor",
		StructuredOutput: true,
		Properties: map[string]Property{
			"title": {Type: "string"},
		},
	}

	out, err := r.validateOutput(s, `{"title": "Q3 Report"}`)
	require.NoError(t, err)
	assert.Equal(t, "Q3 Report", out["title"])

	_, err = r.validateOutput(s, `{"title": 42}`)
	assert.Error(t, err)

	_, err = r.validateOutput(s, `not json`)
	assert.Error(t, err)

	// Extra fields are rejected.
	_, err = r.validateOutput(s, `{"title": "x", "rogue": true}`)
	assert.Error(t, err)
}

func TestModelFor(t *testing.T) {
	assert.Equal(t, defaultModel, modelFor(&Schema{}))
	assert.Equal(t, "gpt-4o", modelFor(&Schema{Model: "gpt-4o"}))
}
