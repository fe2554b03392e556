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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/percolationlabs/percolate/internal/llm"
	"github.com/percolationlabs/percolate/internal/memory"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultToolRounds = 5
	// eventQueueSize bounds the delegation event queue. A slow parent
	// consumer backpressures the child stream instead of buffering
	// unboundedly.
	eventQueueSize = 64
)

// ToolInvoker executes a named tool in process.
type ToolInvoker interface {
	// Invoke runs the tool and returns its textual result.
	Invoke(ctx context.Context, name string, arguments string) (string, error)
	// Describe lists the tools available to an agent, resolving ToolRefs
	// to callable definitions.
	Describe(ctx context.Context, refs []ToolRef) ([]llm.Tool, error)
}

// Request is one agent run.
type Request struct {
	Agent     string
	UserID    string
	TenantID  string
	SessionID string
	Input     string
	Context   RunContext
}

// Result is the outcome of one run.
type Result struct {
	Content    string
	Structured map[string]any
	Usage      llm.Usage
	Tools      []memory.ToolExchange
}

// Runner drives one agent turn end to end.
type Runner struct {
	loader *Loader
	memory *memory.Service
	client llm.Client
	tools  ToolInvoker
	log    *zap.SugaredLogger
}

// NewRunner creates a Runner.
func NewRunner(loader *Loader, mem *memory.Service, client llm.Client, tools ToolInvoker, log *zap.SugaredLogger) *Runner {
	return &Runner{loader: loader, memory: mem, client: client, tools: tools, log: log}
}

// Run executes one turn: assemble the prompt, stream the model with tool
// rounds, enforce structured output, run the chained tool, and persist the
// turn. Events stream to the channel as they happen; the channel is not
// closed.
func (r *Runner) Run(ctx context.Context, req Request, events chan<- llm.StreamEvent) (*Result, error) {
	schema, err := r.loader.Load(ctx, req.Agent, req.UserID)
	if err != nil {
		return nil, err
	}

	messages, err := r.assemble(ctx, schema, req)
	if err != nil {
		return nil, err
	}

	tools, err := r.describeTools(ctx, schema)
	if err != nil {
		return nil, err
	}

	result, err := r.converse(ctx, schema, messages, tools, events)
	if err != nil {
		return nil, err
	}

	if schema.StructuredOutput {
		structured, err := r.validateOutput(schema, result.Content)
		if err != nil {
			return nil, err
		}
		result.Structured = structured
		r.runChainedTool(ctx, schema, result)
	}

	if req.SessionID != "" {
		turn := &memory.Turn{
			SessionID:        req.SessionID,
			TenantID:         req.TenantID,
			UserID:           req.UserID,
			AgentName:        schema.Name,
			Model:            modelFor(schema),
			UserContent:      req.Input,
			AssistantContent: result.Content,
			Tools:            result.Tools,
			Usage:            result.Usage,
		}
		if err := r.memory.PersistTurn(ctx, turn); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// assemble builds the model-facing message list: system, instructions,
// replayed history, then the new input. Instructions are never persisted.
func (r *Runner) assemble(ctx context.Context, schema *Schema, req Request) ([]llm.Message, error) {
	messages := []llm.Message{
		{Role: "system", Content: SystemPrompt(schema)},
		{Role: "system", Content: Instructions(schema, req.Context)},
	}
	if req.SessionID != "" {
		history, err := r.memory.LoadContext(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, history...)
	}
	return append(messages, llm.Message{Role: "user", Content: req.Input}), nil
}

// describeTools resolves the agent's tool refs plus the built-in ask_agent.
func (r *Runner) describeTools(ctx context.Context, schema *Schema) ([]llm.Tool, error) {
	var tools []llm.Tool
	if r.tools != nil && len(schema.Tools) > 0 {
		resolved, err := r.tools.Describe(ctx, schema.Tools)
		if err != nil {
			return nil, err
		}
		tools = resolved
	}
	return append(tools, askAgentTool()), nil
}

// converse runs chat rounds until the model stops calling tools or the
// round limit is hit.
func (r *Runner) converse(ctx context.Context, schema *Schema, messages []llm.Message, tools []llm.Tool, events chan<- llm.StreamEvent) (*Result, error) {
	maxRounds := schema.Limits.MaxToolRounds
	if maxRounds == 0 {
		maxRounds = defaultToolRounds
	}

	result := &Result{}
	for round := 0; round <= maxRounds; round++ {
		content, calls, usage, err := r.stream(ctx, schema, messages, tools, events)
		if err != nil {
			return nil, err
		}
		result.Content = content
		result.Usage.InputTokens += usage.InputTokens
		result.Usage.OutputTokens += usage.OutputTokens

		if len(calls) == 0 || round == maxRounds {
			return result, nil
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: content})
		for _, call := range calls {
			response := r.invokeTool(ctx, schema, call, events)
			result.Tools = append(result.Tools, memory.ToolExchange{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				Response:  response,
			})
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    response,
				ToolCallID: call.ID,
			})
		}
	}
	return result, nil
}

// stream runs one model call, forwarding events and collecting the final
// text, tool calls, and usage.
func (r *Runner) stream(ctx context.Context, schema *Schema, messages []llm.Message, tools []llm.Tool, events chan<- llm.StreamEvent) (string, []llm.ToolCall, llm.Usage, error) {
	req := llm.ChatRequest{
		Model:       modelFor(schema),
		Messages:    messages,
		Tools:       tools,
		Temperature: schema.Temperature,
		MaxTokens:   schema.Limits.MaxTokens,
	}
	if schema.StructuredOutput {
		req.OutputSchema = schema.OutputSchema()
	}

	inner := make(chan llm.StreamEvent, eventQueueSize)
	errc := make(chan error, 1)
	go func() {
		errc <- r.client.ChatStream(ctx, req, inner)
		close(inner)
	}()

	var (
		content string
		calls   []llm.ToolCall
		usage   llm.Usage
	)
	for ev := range inner {
		forward(ctx, events, ev)
		switch ev.Type {
		case llm.EventChunk:
			content += ev.Content
		case llm.EventToolCall:
			calls = append(calls, *ev.ToolCall)
		case llm.EventDone:
			if ev.Usage != nil {
				usage = *ev.Usage
			}
		}
	}
	if err := <-errc; err != nil {
		return "", nil, usage, err
	}
	return content, calls, usage, nil
}

// invokeTool dispatches one model tool call. ask_agent is handled in
// process; everything else goes through the invoker. Errors become the
// tool response text so the model can recover.
func (r *Runner) invokeTool(ctx context.Context, schema *Schema, call llm.ToolCall, events chan<- llm.StreamEvent) string {
	if call.Name == askAgentName {
		return r.askAgent(ctx, schema, call, events)
	}
	if r.tools == nil {
		return fmt.Sprintf("error: tool %s is not available", call.Name)
	}
	response, err := r.tools.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		r.log.Warnw("tool invocation failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	return response
}

// validateOutput parses and validates the structured response against the
// agent's output schema.
func (r *Runner) validateOutput(schema *Schema, content string) (map[string]any, error) {
	var structured map[string]any
	if err := json.Unmarshal([]byte(content), &structured); err != nil {
		return nil, fmt.Errorf("agent: %s returned invalid JSON: %w", schema.Name, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema.OutputSchema()),
		gojsonschema.NewGoLoader(structured))
	if err != nil {
		return nil, fmt.Errorf("agent: validate output for %s: %w", schema.Name, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("agent: %s output rejected: %v", schema.Name, result.Errors())
	}
	return structured, nil
}

// runChainedTool invokes the configured chained tool with the structured
// object. Missing tool or tool error leaves the original output intact.
func (r *Runner) runChainedTool(ctx context.Context, schema *Schema, result *Result) {
	if schema.ChainedTool == "" {
		return
	}
	if r.tools == nil {
		r.log.Warnw("chained tool unavailable", "agent", schema.Name, "tool", schema.ChainedTool)
		return
	}

	args, err := json.Marshal(result.Structured)
	if err != nil {
		r.log.Warnw("chained tool arguments", "agent", schema.Name, "error", err)
		return
	}

	call := llm.ToolCall{
		ID:        fmt.Sprintf("chained-%d", time.Now().UnixNano()),
		Name:      schema.ChainedTool,
		Arguments: string(args),
	}
	response, err := r.tools.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		r.log.Warnw("chained tool failed", "agent", schema.Name, "tool", call.Name, "error", err)
		return
	}
	result.Tools = append(result.Tools, memory.ToolExchange{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Response:  response,
	})
}

func modelFor(schema *Schema) string {
	if schema.Model != "" {
		return schema.Model
	}
	return defaultModel
}

// forward relays one event without blocking forever on a stalled consumer.
func forward(ctx context.Context, events chan<- llm.StreamEvent, ev llm.StreamEvent) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
