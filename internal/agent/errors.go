package agent

import "fmt"

// LoopTimeoutError reports a run that hit its iteration ceiling without
// a final tool call. It is not retried.
type LoopTimeoutError struct {
	FileID     string
	Iterations int
}

// Error implements the error interface.
func (e *LoopTimeoutError) Error() string {
	return fmt.Sprintf("agent loop for %s stopped after %d iterations without a final tool call", e.FileID, e.Iterations)
}
