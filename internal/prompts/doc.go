// Package prompts contains every prompt template sent to a model.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and tests pin the parts
// the response parser depends on. Expense policy text is the exception;
// it lives in markdown under rules/ and is passed in by the caller.
//
// Convention: each prompt family gets its own file (agent.go, receipt.go)
// with exported functions that accept the dynamic parts and return the
// fully interpolated prompt string.
package prompts
