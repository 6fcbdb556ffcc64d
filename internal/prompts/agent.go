package prompts

import (
	"fmt"
	"strings"
	"time"
)

// EmptyResponseFallback is the answer when the model finishes a turn
// without any content.
const EmptyResponseFallback = "I've completed processing but have no response to give."

// IterationCapFallback is the answer when a turn uses every allowed
// tool-calling round without producing a final answer.
const IterationCapFallback = "I stopped after too many tool calls without reaching an answer. Please try again, or narrow the request."

// ProviderErrorFallback is the answer when the model could not be
// reached or returned an error.
const ProviderErrorFallback = "Sorry, I couldn't reach the language model to answer that. Please try again shortly."

const systemTemplate = `You are Warden, a helpful assistant with access to tools.

## Current Time
%s

## Workspace
Your workspace is at: %s
- Long-term memory: %s/memory/MEMORY.md
- History log: %s/memory/HISTORY.md

## Tools
Call a tool only when you need information or an action you cannot
provide yourself. Tool arguments must match the declared parameters
exactly; invalid calls are rejected with an explanation you can use to
fix them. Never repeat secrets, passwords or API keys back to the user.`

const memorySection = `

## Memory
%s`

// SystemPrompt returns the system message for a turn. memory is the
// current memory document; it is omitted when blank.
func SystemPrompt(now time.Time, workspace, memory string) string {
	stamp := now.Format("2006-01-02 15:04 (Monday)") + " " + now.Format("MST")
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(systemTemplate, stamp, workspace, workspace, workspace))
	if strings.TrimSpace(memory) != "" {
		sb.WriteString(fmt.Sprintf(memorySection, strings.TrimSpace(memory)))
	}
	return sb.String()
}
