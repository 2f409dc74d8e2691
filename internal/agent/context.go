package agent

import (
	"github.com/nugget/reimburse-agent/internal/llm"
	"github.com/nugget/reimburse-agent/internal/receipts"
)

// Turn is one message of the conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is the append-only turn history of one loop run.
// Turns are never modified once appended. Not safe for concurrent use;
// a conversation belongs to exactly one run.
type Conversation struct {
	turns []Turn
}

// Append adds a turn.
func (c *Conversation) Append(role, content string) {
	c.turns = append(c.turns, Turn{Role: role, Content: content})
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	return len(c.turns)
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	return append([]Turn(nil), c.turns...)
}

// Last returns the most recent turn, or a zero Turn when empty.
func (c *Conversation) Last() Turn {
	if len(c.turns) == 0 {
		return Turn{}
	}
	return c.turns[len(c.turns)-1]
}

func (c *Conversation) messages() []llm.Message {
	msgs := make([]llm.Message, len(c.turns))
	for i, t := range c.turns {
		msgs[i] = llm.Message{Role: t.Role, Content: t.Content}
	}
	return msgs
}

// Context is everything one receipt's run needs. It is created once per
// upload and owned by a single [Loop.Run] call.
type Context struct {
	ReceiptType    string
	ReceiptContent string
	ApplicableRule string
	EmployeeID     string
	FileID         string

	// Image is the receipt image, base64. It is only forwarded to tools
	// when Duplicate is set.
	Image string

	// Duplicate is the upstream embedding-similarity hint, if any.
	Duplicate *receipts.DuplicateHint

	Conversation Conversation
}
