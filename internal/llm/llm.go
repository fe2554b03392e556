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

// Package llm implements the LLM provider client: text embedding and
// streaming chat against an OpenAI-compatible API.
package llm

import "context"

// Message is one chat turn sent to the provider.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Tool describes one callable tool offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments is the raw JSON
// argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// EventType discriminates stream events.
type EventType string

const (
	// EventChunk carries a text delta.
	EventChunk EventType = "chunk"
	// EventToolCall carries one complete tool call.
	EventToolCall EventType = "tool_call"
	// EventDone closes the stream, carrying final usage when reported.
	EventDone EventType = "done"
)

// StreamEvent is one event on a chat stream.
type StreamEvent struct {
	Type     EventType
	Content  string
	ToolCall *ToolCall
	Usage    *Usage
}

// ChatRequest is one streaming chat call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
	// OutputSchema, when set, constrains the response to a JSON object
	// matching the schema (structured output).
	OutputSchema map[string]any
}

// Client is the provider interface the rest of the system depends on.
type Client interface {
	// Embed maps texts to vectors. Output order matches input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// ChatStream runs one chat call, sending events to the channel. The
	// channel is not closed; EventDone marks the end. Cancelling ctx aborts
	// the underlying stream.
	ChatStream(ctx context.Context, req ChatRequest, events chan<- StreamEvent) error
}
