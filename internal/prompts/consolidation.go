package prompts

import "fmt"

// consolidationTemplate asks the model to fold old conversation into
// the memory document and a history entry. Format verbs: current
// memory document, conversation text.
const consolidationTemplate = `You are a memory consolidation agent. Process this conversation and return a JSON object with exactly two keys:

1. "history_entry": A paragraph (2-5 sentences) summarizing the key events, decisions and topics. Do not add a timestamp; one is added for you. Include enough detail to be useful when searching history later.

2. "memory_update": The updated long-term memory content. Add any new facts: user location, preferences, personal info, habits, project context, technical decisions, tools and services used. If nothing new, return the existing content unchanged.

Never include passwords, tokens, API keys or other credentials in either field.

## Current Long-term Memory
%s

## Conversation to Process
%s

Respond with ONLY valid JSON, no markdown fences.`

// ConsolidationPrompt returns the prompt for one consolidation pass.
// An empty memory document is shown as "(empty)".
func ConsolidationPrompt(currentMemory, conversation string) string {
	if currentMemory == "" {
		currentMemory = "(empty)"
	}
	return fmt.Sprintf(consolidationTemplate, currentMemory, conversation)
}
