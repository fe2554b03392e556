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

	"github.com/percolationlabs/percolate/internal/llm"
)

const askAgentName = "ask_agent"

func askAgentTool() llm.Tool {
	return llm.Tool{
		Name:        askAgentName,
		Description: "Delegate a question to another agent and return its answer.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":  map[string]any{"type": "string", "description": "Agent to delegate to."},
				"input": map[string]any{"type": "string", "description": "Question or task for the agent."},
			},
			"required":             []string{"name", "input"},
			"additionalProperties": false,
		},
	}
}

type askAgentArgs struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

// askAgent runs a child agent for one turn. The child's events flow into a
// bounded queue drained into the parent stream, so parent and child events
// interleave in FIFO order. The exchange is persisted on the parent
// session by the caller, never on a child session.
func (r *Runner) askAgent(ctx context.Context, parent *Schema, call llm.ToolCall, events chan<- llm.StreamEvent) string {
	var args askAgentArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return fmt.Sprintf("error: invalid ask_agent arguments: %v", err)
	}
	if args.Name == parent.Name {
		return "error: an agent cannot delegate to itself"
	}

	childEvents := make(chan llm.StreamEvent, eventQueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range childEvents {
			// Done events stay internal to the delegation; the parent
			// stream has its own terminator. The child emits one per
			// model round, so each is skipped rather than treated as
			// the end of the delegation.
			if ev.Type == llm.EventDone {
				continue
			}
			forward(ctx, events, ev)
		}
	}()

	result, err := r.Run(ctx, Request{
		Agent: args.Name,
		Input: args.Input,
	}, childEvents)

	close(childEvents)
	<-done

	if err != nil {
		r.log.Warnw("delegation failed", "parent", parent.Name, "child", args.Name, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	return result.Content
}
