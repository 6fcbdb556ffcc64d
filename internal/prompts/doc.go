// Package prompts contains the LLM prompt templates Warden uses.
//
// Prompt text is Go code rather than config because it is program
// logic: templates are interpolated with fmt.Sprintf and exercised by
// tests. Each prompt category has its own file with an exported
// function that takes the dynamic parts and returns the final string.
package prompts
