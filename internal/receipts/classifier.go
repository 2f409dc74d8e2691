// Package receipts turns receipt images into a category and extracted
// text, and detects receipts that look like ones already processed.
package receipts

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/reimburse-agent/internal/employees"
	"github.com/nugget/reimburse-agent/internal/llm"
	"github.com/nugget/reimburse-agent/internal/prompts"
)

// ChatClient produces one model reply.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []llm.Message, opts llm.Options) (*llm.ChatResponse, error)
}

// Classifier labels and reads receipt images with a vision model.
type Classifier struct {
	client ChatClient
	model  string
	opts   llm.Options
	logger *slog.Logger
}

// NewClassifier creates a classifier that sends images to model.
func NewClassifier(client ChatClient, model string, opts llm.Options, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, model: model, opts: opts, logger: logger}
}

func (c *Classifier) ask(ctx context.Context, image, prompt string) (string, error) {
	resp, err := c.client.Chat(ctx, c.model, []llm.Message{{
		Role:    llm.RoleUser,
		Content: prompt,
		Images:  []string{image},
	}}, c.opts)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// Classify returns the receipt category for image (base64) along with the
// model's raw reply. Replies that name no category map to OTHER_EXPENSE.
func (c *Classifier) Classify(ctx context.Context, image string) (employees.ExpenseType, string, error) {
	raw, err := c.ask(ctx, image, prompts.ClassificationPrompt())
	if err != nil {
		return "", "", fmt.Errorf("classify receipt: %w", err)
	}
	typ := ExtractReceiptType(raw)
	c.logger.Debug("receipt classified", "receipt_type", typ, "raw", raw)
	return typ, raw, nil
}

// Extract returns the structured text content of a receipt of type typ.
func (c *Classifier) Extract(ctx context.Context, image string, typ employees.ExpenseType) (string, error) {
	content, err := c.ask(ctx, image, prompts.ExtractionPrompt(string(typ)))
	if err != nil {
		return "", fmt.Errorf("extract %s receipt: %w", typ, err)
	}
	content = strings.TrimSpace(content)
	c.logger.Debug("receipt content extracted", "receipt_type", typ, "bytes", len(content))
	return content, nil
}

var labelledType = regexp.MustCompile(`(?i)(?:receipt type|type|category)\s*[:\-]?\s*(FOOD_EXPENSE|TRAVEL_EXPENSE|TECH_EXPENSE|OTHER_EXPENSE)`)

// ExtractReceiptType maps a classification reply to a category: an exact
// label first, then a "Type: LABEL" style mention, else OTHER_EXPENSE.
func ExtractReceiptType(content string) employees.ExpenseType {
	trimmed := strings.ToUpper(strings.TrimSpace(content))
	trimmed = strings.Trim(trimmed, "`*\"'. ")
	for _, t := range employees.ExpenseTypes {
		if trimmed == string(t) {
			return t
		}
	}
	if m := labelledType.FindStringSubmatch(content); m != nil {
		return employees.ExpenseType(strings.ToUpper(m[1]))
	}
	return employees.OtherExpense
}
