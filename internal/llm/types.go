package llm

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn. Images holds base64-encoded image bytes
// (no data URI prefix) attached to a user turn.
type Message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Options are decoding parameters. Zero Seed and MaxTokens leave the
// provider default in place.
type Options struct {
	Temperature float64
	Seed        int64
	MaxTokens   int
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// StripDataURI removes a "data:<mime>;base64," prefix if present.
func StripDataURI(img string) string {
	if strings.HasPrefix(img, "data:") {
		if i := strings.Index(img, ","); i >= 0 {
			return img[i+1:]
		}
	}
	return img
}

// imageDataURL wraps raw base64 image data in a data URI, sniffing the
// MIME type from the leading bytes.
func imageDataURL(b64 string) string {
	b64 = StripDataURI(b64)
	head := b64
	if len(head) > 64 {
		head = head[:64]
	}
	mime := "image/jpeg"
	if raw, err := base64.StdEncoding.DecodeString(head[:len(head)/4*4]); err == nil && len(raw) > 0 {
		if ct := http.DetectContentType(raw); strings.HasPrefix(ct, "image/") {
			mime = ct
		}
	}
	return "data:" + mime + ";base64," + b64
}
