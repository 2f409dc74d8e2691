package stages

import (
	"context"
	"errors"
	"time"
)

// Stage numbers, in the order a receipt passes through them.
const (
	Started          = 1
	TypeIdentified   = 2
	ContentExtracted = 3
	PromptBuilt      = 4
	ToolDispatched   = 5
	Terminated       = 6
)

// DetailImage is the details key holding the receipt image (base64).
// It is kept in the store log and left out of broker payloads.
const DetailImage = "image"

var names = map[int]string{
	Started:          "started",
	TypeIdentified:   "type_identified",
	ContentExtracted: "content_extracted",
	PromptBuilt:      "prompt_built",
	ToolDispatched:   "tool_dispatched",
	Terminated:       "terminated",
}

// Name returns the short name of a stage, or "unknown".
func Name(stage int) string {
	if n, ok := names[stage]; ok {
		return n
	}
	return "unknown"
}

// Recorder receives stage checkpoints. Implementations must be safe
// for concurrent use by independent files.
type Recorder interface {
	RecordStage(ctx context.Context, fileID string, stage int, details map[string]any) error
}

// Entry is one recorded checkpoint.
type Entry struct {
	FileID     string         `json:"file_id"`
	Stage      int            `json:"stage"`
	Name       string         `json:"stage_name"`
	RecordedAt time.Time      `json:"recorded_at"`
	Details    map[string]any `json:"details,omitempty"`
}

func newEntry(fileID string, stage int, details map[string]any) Entry {
	return Entry{
		FileID:     fileID,
		Stage:      stage,
		Name:       Name(stage),
		RecordedAt: time.Now().UTC(),
		Details:    details,
	}
}

// Nop discards every checkpoint.
type Nop struct{}

// RecordStage implements [Recorder].
func (Nop) RecordStage(context.Context, string, int, map[string]any) error { return nil }

// Multi delivers each checkpoint to every recorder, in order. A failing
// recorder does not stop the others; their errors are joined.
type Multi []Recorder

// RecordStage implements [Recorder].
func (m Multi) RecordStage(ctx context.Context, fileID string, stage int, details map[string]any) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordStage(ctx, fileID, stage, details); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
