package agent

import (
	"reflect"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		text string
		want ParsedResponse
	}{
		{
			name: "full tool call",
			text: `<reasoning>load the employee first</reasoning>
<tool>get_employee_data</tool>
<parameters>{"employee_id": "E1"}</parameters>
<final_tool_call>false</final_tool_call>`,
			want: ToolCall{
				Tool:       "get_employee_data",
				Parameters: map[string]any{"employee_id": "E1"},
				Reasoning:  "load the employee first",
			},
		},
		{
			name: "budget update scenario",
			text: `<tool>update_expense_budget</tool><parameters>{"employee_id":"E1","expense_type":"FOOD_EXPENSE","amount":50,"increment":true}</parameters><final_tool_call>false</final_tool_call>`,
			want: ToolCall{
				Tool: "update_expense_budget",
				Parameters: map[string]any{
					"employee_id":  "E1",
					"expense_type": "FOOD_EXPENSE",
					"amount":       50.0,
					"increment":    true,
				},
			},
		},
		{
			name: "reasoning only",
			text: "<reasoning>check ok</reasoning>",
			want: Reasoning{Text: "check ok"},
		},
		{
			name: "reasoning with surrounding prose",
			text: "Sure.\n<reasoning>\n  amount is under the limit\n</reasoning>\nDone.",
			want: Reasoning{Text: "amount is under the limit"},
		},
		{
			name: "no tags at all",
			text: "I think this receipt should be approved.",
			want: ParseError{Message: "no tool specified"},
		},
		{
			name: "empty reply",
			text: "",
			want: ParseError{Message: "no tool specified"},
		},
		{
			name: "unterminated tool tag",
			text: "<reasoning>x</reasoning><tool>send_email",
			want: ParseError{Message: "no tool specified"},
		},
		{
			name: "blank tool name",
			text: "<tool>   </tool><parameters>{}</parameters>",
			want: ParseError{Message: "no tool specified"},
		},
		{
			name: "bad JSON",
			text: `<tool>send_email</tool><parameters>{email_id: asha}</parameters>`,
			want: ParseError{Message: "invalid JSON in parameters"},
		},
		{
			name: "JSON array is not an object",
			text: `<tool>send_email</tool><parameters>["a", "b"]</parameters>`,
			want: ParseError{Message: "invalid JSON in parameters"},
		},
		{
			name: "JSON null is not an object",
			text: `<tool>send_email</tool><parameters>null</parameters>`,
			want: ParseError{Message: "invalid JSON in parameters"},
		},
		{
			name: "empty parameters block",
			text: `<tool>get_employee_data</tool><parameters>  </parameters>`,
			want: ParseError{Message: "invalid JSON in parameters"},
		},
		{
			name: "trailing garbage after JSON",
			text: `<tool>get_employee_data</tool><parameters>{"employee_id":"E1"} and more</parameters>`,
			want: ParseError{Message: "invalid JSON in parameters"},
		},
		{
			name: "missing parameters block",
			text: "<tool>is_duplicate_receipt</tool>",
			want: ToolCall{Tool: "is_duplicate_receipt", Parameters: map[string]any{}},
		},
		{
			name: "code fenced parameters",
			text: "<tool>get_employee_data</tool>\n<parameters>\n```json\n{\"employee_id\": \"E7\"}\n```\n</parameters>",
			want: ToolCall{Tool: "get_employee_data", Parameters: map[string]any{"employee_id": "E7"}},
		},
		{
			name: "uppercase tags and final yes",
			text: "<TOOL>send_email</TOOL><PARAMETERS>{}</PARAMETERS><Final_Tool_Call> YES </Final_Tool_Call>",
			want: ToolCall{Tool: "send_email", Parameters: map[string]any{}, IsFinal: true},
		},
		{
			name: "final 1",
			text: "<tool>send_email</tool><final_tool_call>1</final_tool_call>",
			want: ToolCall{Tool: "send_email", Parameters: map[string]any{}, IsFinal: true},
		},
		{
			name: "final other value",
			text: "<tool>send_email</tool><final_tool_call>maybe</final_tool_call>",
			want: ToolCall{Tool: "send_email", Parameters: map[string]any{}},
		},
		{
			name: "quoted tool name",
			text: "<tool>`get_employee_data`</tool>",
			want: ToolCall{Tool: "get_employee_data", Parameters: map[string]any{}},
		},
		{
			name: "second tool block discarded",
			text: `<reasoning>two at once</reasoning>
<tool>get_employee_data</tool><parameters>{"employee_id":"E1"}</parameters>
<tool>send_email</tool><parameters>{"email_id":"a@example.com"}</parameters>
<final_tool_call>true</final_tool_call>`,
			want: ToolCall{
				Tool:       "get_employee_data",
				Parameters: map[string]any{"employee_id": "E1"},
				Reasoning:  "two at once",
			},
		},
		{
			name: "second block broken JSON is ignored",
			text: `<tool>get_employee_data</tool><parameters>{}</parameters><tool>x</tool><parameters>{{{</parameters>`,
			want: ToolCall{Tool: "get_employee_data", Parameters: map[string]any{}},
		},
		{
			name: "tool_result echo is not a tool block",
			text: "<tool_result><tool_name>get_employee_data</tool_name></tool_result><reasoning>noted</reasoning>",
			want: Reasoning{Text: "noted"},
		},
		{
			name: "nested tool tag",
			text: "<tool><tool>send_email</tool></tool>",
			want: ParseError{Message: "no tool specified"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse() = %#v\nwant %#v", got, tt.want)
			}
		})
	}
}

func TestParse_FirstToolWins(t *testing.T) {
	names := []string{"get_employee_data", "update_expense_budget", "send_email"}
	for _, first := range names {
		for _, second := range names {
			text := "<tool>" + first + "</tool><parameters>{}</parameters><tool>" + second + "</tool>"
			call, ok := Parse(text).(ToolCall)
			if !ok {
				t.Fatalf("Parse(%q) did not return a ToolCall", text)
			}
			if call.Tool != first {
				t.Errorf("Parse(%q).Tool = %q, want %q", text, call.Tool, first)
			}
		}
	}
}

func TestParse_Idempotent(t *testing.T) {
	text := `<reasoning>r</reasoning><tool>send_email</tool><parameters>{"email_id":"a@example.com","subject":"s","content":"c"}</parameters>`
	a, b := Parse(text), Parse(text)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Parse is not pure: %#v vs %#v", a, b)
	}
}

func TestParseError_Error(t *testing.T) {
	var err error = ParseError{Message: "no tool specified"}
	if got := err.Error(); got != "parse reply: no tool specified" {
		t.Errorf("Error() = %q", got)
	}
}

func FuzzParse(f *testing.F) {
	for _, seed := range []string{
		"",
		"<reasoning>check ok</reasoning>",
		`<tool>send_email</tool><parameters>{"email_id":"a@b.c"}</parameters><final_tool_call>false</final_tool_call>`,
		"<tool><tool></tool>",
		"<parameters>{</parameters><tool>x</tool>",
		strings.Repeat("<tool>", 50),
	} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, text string) {
		switch p := Parse(text).(type) {
		case ToolCall:
			if p.Tool == "" {
				t.Errorf("ToolCall with empty name for %q", text)
			}
			if p.Parameters == nil {
				t.Errorf("ToolCall with nil parameters for %q", text)
			}
		case Reasoning:
			if toolOpenTag.MatchString(text) {
				t.Errorf("Reasoning returned for text with a tool tag: %q", text)
			}
		case ParseError:
			if p.Message == "" {
				t.Errorf("ParseError without a message for %q", text)
			}
		default:
			t.Fatalf("Parse returned %T", p)
		}
	})
}
