package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ParsedResponse is the interpretation of one assistant reply: a
// [ToolCall], a [Reasoning] step or a [ParseError].
type ParsedResponse interface {
	parsed()
}

// ToolCall asks the loop to run one tool.
type ToolCall struct {
	Tool       string
	Parameters map[string]any
	Reasoning  string
	IsFinal    bool
}

// Reasoning is a reply that justifies a step without calling a tool.
type Reasoning struct {
	Text string
}

// ParseError describes a reply that could not be interpreted. It is
// answered with a format-correction turn.
type ParseError struct {
	Message string
}

// Error implements the error interface.
func (e ParseError) Error() string {
	return "parse reply: " + e.Message
}

func (ToolCall) parsed()   {}
func (Reasoning) parsed()  {}
func (ParseError) parsed() {}

// Diagnostics returned in [ParseError.Message].
const (
	errNoTool        = "no tool specified"
	errInvalidParams = "invalid JSON in parameters"
)

var (
	toolOpenTag    = regexp.MustCompile(`(?i)<tool\s*>`)
	toolBlock      = regexp.MustCompile(`(?is)<tool\s*>(.*?)</tool\s*>`)
	reasoningBlock = regexp.MustCompile(`(?is)<reasoning\s*>(.*?)</reasoning\s*>`)
	paramsBlock    = regexp.MustCompile(`(?is)<parameters\s*>(.*?)</parameters\s*>`)
	finalBlock     = regexp.MustCompile(`(?is)<final_tool_call\s*>(.*?)</final_tool_call\s*>`)
	codeFence      = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
)

// Parse interprets one assistant reply. It is a pure function and never
// panics: every malformed reply yields a [ParseError].
//
// Only the first tool block counts. Everything from the second <tool>
// tag on is discarded, so a reply can never run two tools.
func Parse(text string) ParsedResponse {
	if opens := toolOpenTag.FindAllStringIndex(text, 2); len(opens) > 1 {
		text = text[:opens[1][0]]
	}

	reasoning, hasReasoning := block(reasoningBlock, text)

	if !toolOpenTag.MatchString(text) {
		if hasReasoning {
			return Reasoning{Text: reasoning}
		}
		return ParseError{Message: errNoTool}
	}

	name, ok := block(toolBlock, text)
	name = strings.Trim(name, " \t\r\n`\"'")
	if !ok || name == "" {
		return ParseError{Message: errNoTool}
	}

	params := map[string]any{}
	if raw, ok := block(paramsBlock, text); ok {
		parsed, ok := parseParams(raw)
		if !ok {
			return ParseError{Message: errInvalidParams}
		}
		params = parsed
	}

	final := false
	if flag, ok := block(finalBlock, text); ok {
		switch strings.ToLower(flag) {
		case "true", "yes", "1":
			final = true
		}
	}

	return ToolCall{
		Tool:       name,
		Parameters: params,
		Reasoning:  reasoning,
		IsFinal:    final,
	}
}

// block returns the trimmed body of the first match of re.
func block(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// parseParams decodes a parameters body, tolerating a markdown code
// fence around it. The body must be a JSON object.
func parseParams(raw string) (map[string]any, bool) {
	if m := codeFence.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil || params == nil {
		return nil, false
	}
	return params, true
}
