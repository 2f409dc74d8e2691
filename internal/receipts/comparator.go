package receipts

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nugget/reimburse-agent/internal/llm"
	"github.com/nugget/reimburse-agent/internal/prompts"
)

// Comparator asks a vision model whether two receipt images show the
// same purchase.
type Comparator struct {
	client ChatClient
	model  string
	opts   llm.Options
	logger *slog.Logger
}

// NewComparator creates a comparator using model.
func NewComparator(client ChatClient, model string, opts llm.Options, logger *slog.Logger) *Comparator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Comparator{client: client, model: model, opts: opts, logger: logger}
}

// Compare returns a short YES/NO verdict. Any failure yields
// [prompts.DuplicateCheckFallback] so the agent can still proceed.
func (c *Comparator) Compare(ctx context.Context, original, candidate string) string {
	if original == "" || candidate == "" {
		c.logger.Warn("duplicate comparison missing an image",
			"original", original != "", "candidate", candidate != "")
		return prompts.DuplicateCheckFallback
	}

	resp, err := c.client.Chat(ctx, c.model, []llm.Message{{
		Role:    llm.RoleUser,
		Content: prompts.DuplicateComparePrompt(),
		Images:  []string{original, candidate},
	}}, c.opts)
	if err != nil {
		c.logger.Error("duplicate comparison failed", "model", c.model, "error", err)
		return prompts.DuplicateCheckFallback
	}

	verdict := strings.TrimSpace(resp.Message.Content)
	if verdict == "" {
		return prompts.DuplicateCheckFallback
	}
	c.logger.Info("duplicate comparison verdict", "model", c.model, "verdict", verdict)
	return verdict
}
