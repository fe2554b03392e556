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
	"fmt"
	"sort"
	"strings"
	"time"
)

// SystemPrompt renders the agent's system prompt: the description, a Tool
// Notes section when any tool carries context, and a Thinking Structure
// block in conversational mode only.
func SystemPrompt(schema *Schema) string {
	var b strings.Builder
	b.WriteString(schema.Description)

	var notes []string
	for _, tool := range schema.Tools {
		if tool.Description != "" {
			notes = append(notes, fmt.Sprintf("- %s: %s", tool.Name, tool.Description))
		}
	}
	if len(notes) > 0 {
		b.WriteString("\n\n## Tool Notes\n")
		b.WriteString(strings.Join(notes, "\n"))
	}

	if !schema.StructuredOutput && len(schema.Properties) > 0 {
		b.WriteString("\n\n## Thinking Structure\n")
		names := make([]string, 0, len(schema.Properties))
		for name := range schema.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := schema.Properties[name]
			if p.Description != "" {
				b.WriteString(fmt.Sprintf("- %s: %s\n", name, p.Description))
			} else {
				b.WriteString(fmt.Sprintf("- %s\n", name))
			}
		}
	}
	return b.String()
}

// RunContext carries the per-call runtime context rendered into the
// instructions message. Instructions are sent each turn and never
// persisted.
type RunContext struct {
	UserID    string
	SessionID string
	Now       time.Time
	// Extra sections appended verbatim, keyed by heading.
	Extra map[string]string
}

// Instructions renders the runtime context block.
func Instructions(schema *Schema, rc RunContext) string {
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current date and time: %s\n", now.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "Agent: %s\n", schema.Name)
	if rc.UserID != "" {
		fmt.Fprintf(&b, "User: %s\n", rc.UserID)
	}
	if rc.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", rc.SessionID)
	}

	headings := make([]string, 0, len(rc.Extra))
	for heading := range rc.Extra {
		headings = append(headings, heading)
	}
	sort.Strings(headings)
	for _, heading := range headings {
		fmt.Fprintf(&b, "\n## %s\n%s\n", heading, rc.Extra[heading])
	}
	return b.String()
}
