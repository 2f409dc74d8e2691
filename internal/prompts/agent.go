package prompts

import (
	"fmt"
	"strings"
)

// AgentPromptData is the per-receipt input to [AgentSystemPrompt].
type AgentPromptData struct {
	ReceiptType    string
	ReceiptContent string
	ApplicableRule string
	EmployeeID     string
	FileID         string

	// Tools is the rendered tool catalogue, one tool per line.
	Tools string

	// DuplicateFlagged is set when an earlier receipt looked similar.
	DuplicateFlagged bool
}

const agentSystemTemplate = `You are a reimbursement agent. You decide whether an employee's expense
receipt is reimbursed, by following the company policy below and calling
tools one at a time.

## Response format

Every reply must use exactly these tags:

<reasoning>why you are taking this step</reasoning>
<tool>tool_name</tool>
<parameters>{"name": "value"}</parameters>
<final_tool_call>false</final_tool_call>

Rules for the format:
- Call exactly ONE tool per reply. Extra tool blocks are ignored.
- <parameters> must be a single JSON object. Use {} when a tool takes none.
- Set <final_tool_call> to true only on your last call. send_email is always the last call.
- To record a policy check that needs no tool, reply with only a <reasoning> block.
- After each call you receive the outcome in a <tool_result> block. Read it before deciding the next step.

## Tools

%s
## Workflow

1. Call get_employee_data to load the employee's profile and current expense totals.
2. Check the receipt against every rule in the policy. Explain each check in <reasoning>.
3. For TRAVEL_EXPENSE receipts, call check_location_proximity with the trip's source and destination addresses.%s
4. If the receipt is approved, call update_expense_budget with increment true and the approved amount.
5. Finally call send_email to the employee's email address with the decision, the amount, and the reasons. Write the content as simple HTML.

Never invent receipt data. If a field is missing or unreadable, say so and treat the rule that needs it as failed.

## Expense policy for %s

%s

## Receipt

Type: %s
Employee ID: %s
File ID: %s

Extracted content:
%s
`

const duplicateStep = `
   This receipt was flagged as a possible duplicate. Call is_duplicate_receipt with {} before
   approving anything. A verdict starting with YES means reject the receipt as a duplicate.`

// AgentSystemPrompt renders the system turn for one agent iteration. It is
// rebuilt every turn from the current receipt context.
func AgentSystemPrompt(d AgentPromptData) string {
	dup := ""
	if d.DuplicateFlagged {
		dup = duplicateStep
	}
	rule := strings.TrimSpace(d.ApplicableRule)
	if rule == "" {
		rule = "No specific policy applies. Reject unless the receipt is clearly a business expense."
	}
	content := strings.TrimSpace(d.ReceiptContent)
	if content == "" {
		content = "(nothing could be extracted)"
	}
	return fmt.Sprintf(agentSystemTemplate,
		d.Tools, dup,
		d.ReceiptType, rule,
		d.ReceiptType, d.EmployeeID, d.FileID, content,
	)
}

// InitialUserPrompt seeds an empty conversation.
func InitialUserPrompt(receiptType, employeeID string, duplicateFlagged bool, duplicateMessage string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Process this %s receipt submitted by employee %s. ", receiptType, employeeID)
	sb.WriteString("Start by fetching the employee's data, then follow the workflow.")
	if duplicateFlagged {
		sb.WriteString("\n\nWARNING: this receipt may be a duplicate of one already processed.")
		if duplicateMessage != "" {
			fmt.Fprintf(&sb, " %s.", strings.TrimSuffix(duplicateMessage, "."))
		}
		sb.WriteString(" You MUST call is_duplicate_receipt before concluding.")
	}
	return sb.String()
}

// FormatCorrectionPrompt asks the model to resend its reply in the tag
// format after the parser rejected it.
func FormatCorrectionPrompt(problem string) string {
	return fmt.Sprintf(`Your last reply could not be processed: %s.

Reply again using exactly this format, with one tool call:

<reasoning>why</reasoning>
<tool>tool_name</tool>
<parameters>{"name": "value"}</parameters>
<final_tool_call>false</final_tool_call>`, problem)
}

// ValidationAcknowledgedPrompt answers a reasoning-only reply.
func ValidationAcknowledgedPrompt() string {
	return "Validation noted. Continue with the next step of the workflow and call the next tool."
}

// UnknownToolPrompt answers a call to a tool that does not exist.
func UnknownToolPrompt(name string, available []string) string {
	return fmt.Sprintf("There is no tool named %q. Available tools: %s. Call one of these instead.",
		name, strings.Join(available, ", "))
}

// ToolResultPrompt wraps a tool's JSON result for the next user turn.
func ToolResultPrompt(tool, resultJSON string) string {
	return fmt.Sprintf("<tool_result>\n<tool_name>%s</tool_name>\n<result>%s</result>\n</tool_result>", tool, resultJSON)
}
