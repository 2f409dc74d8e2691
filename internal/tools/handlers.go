package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/reimburse-agent/internal/employees"
	"github.com/nugget/reimburse-agent/internal/geo"
	"github.com/nugget/reimburse-agent/internal/receipts"
)

// EmployeeStore reads and updates employee budgets.
type EmployeeStore interface {
	Get(ctx context.Context, id string) (*employees.Employee, error)
	AdjustExpense(ctx context.Context, id string, typ employees.ExpenseType, amount float64, increment bool) (*employees.Employee, error)
}

// Mailer delivers the decision notification.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ProximityChecker decides whether a trip starts or ends near the
// office.
type ProximityChecker interface {
	NearOffice(ctx context.Context, src, dest string) (geo.Proximity, error)
}

// DuplicateComparator compares two receipt images and returns a short
// free-text verdict.
type DuplicateComparator interface {
	Compare(ctx context.Context, original, candidate string) string
}

// Deps bundles the capabilities the tools act on.
type Deps struct {
	Employees  EmployeeStore
	Mailer     Mailer
	Proximity  ProximityChecker
	Comparator DuplicateComparator

	// Policy and Threshold decide how the comparison verdict and the
	// embedding similarity combine into is_duplicate.
	Policy    receipts.DuplicatePolicy
	Threshold float64

	Logger *slog.Logger
}

type employeeParams struct {
	EmployeeID string `json:"employee_id" jsonschema:"the employee who submitted the receipt"`
}

type budgetParams struct {
	EmployeeID  string  `json:"employee_id" jsonschema:"the employee whose budget changes"`
	ExpenseType string  `json:"expense_type" jsonschema:"FOOD_EXPENSE, TRAVEL_EXPENSE or TECH_EXPENSE"`
	Amount      float64 `json:"amount" jsonschema:"the approved amount, not negative"`
	Increment   bool    `json:"increment" jsonschema:"true adds the amount, false subtracts it"`
}

type proximityParams struct {
	SrcAddress  string `json:"src_address" jsonschema:"trip start address as printed on the receipt"`
	DestAddress string `json:"dest_address" jsonschema:"trip end address as printed on the receipt"`
}

type duplicateParams struct {
	OriginalImage string                  `json:"base_64_image,omitempty"`
	Duplicate     *receipts.DuplicateHint `json:"duplicate_receipt,omitempty"`
}

type emailParams struct {
	EmailID string `json:"email_id" jsonschema:"recipient address, the employee's email"`
	Subject string `json:"subject" jsonschema:"subject line"`
	Content string `json:"content" jsonschema:"message body, HTML or markdown"`
}

func (r *Registry) registerBuiltins() {
	r.Register(mustDefine(NameGetEmployeeData,
		"Fetch the employee's profile, expense limits and current expense totals.",
		nil, r.handleGetEmployeeData))

	budget := mustDefine(NameUpdateExpenseBudget,
		"Add the approved amount to (increment true) or remove it from (increment false) the employee's running total for one expense type.",
		func(s *jsonschema.Schema) {
			enum := make([]any, len(employees.BudgetedTypes))
			for i, t := range employees.BudgetedTypes {
				enum[i] = string(t)
			}
			s.Properties["expense_type"].Enum = enum
		},
		r.handleUpdateExpenseBudget)
	budget.prepare = upperExpenseType
	r.Register(budget)

	r.Register(mustDefine(NameCheckLocationProximity,
		"Check whether a trip's source or destination lies within the allowed radius of the office.",
		nil, r.handleCheckLocationProximity))

	r.Register(mustDefine(NameIsDuplicateReceipt,
		"Compare this receipt's image with the previously processed receipt it resembles. Takes no parameters.",
		nil, r.handleIsDuplicateReceipt))

	r.Register(mustDefine(NameSendEmail,
		"Send the decision to the employee. Always the last call.",
		nil, r.handleSendEmail))
}

// upperExpenseType folds the expense_type argument to the canonical
// upper-case label so "food_expense" matches the schema enum.
func upperExpenseType(args map[string]any) {
	if s, ok := args["expense_type"].(string); ok {
		args["expense_type"] = strings.ToUpper(strings.TrimSpace(s))
	}
}

func (r *Registry) handleGetEmployeeData(ctx context.Context, p employeeParams) (any, error) {
	if r.deps.Employees == nil {
		return nil, errors.New("employee store not configured")
	}
	if strings.TrimSpace(p.EmployeeID) == "" {
		return nil, errors.New("employee_id is required")
	}
	e, err := r.deps.Employees.Get(ctx, p.EmployeeID)
	if err != nil {
		return nil, err
	}
	return e, nil
}

type budgetResult struct {
	EmployeeID  string  `json:"employee_id"`
	ExpenseType string  `json:"expense_type"`
	Amount      float64 `json:"amount"`
	Increment   bool    `json:"increment"`
	Total       float64 `json:"new_total"`
}

func (r *Registry) handleUpdateExpenseBudget(ctx context.Context, p budgetParams) (any, error) {
	if r.deps.Employees == nil {
		return nil, errors.New("employee store not configured")
	}
	typ, err := employees.ParseExpenseType(p.ExpenseType)
	if err != nil {
		return nil, err
	}
	e, err := r.deps.Employees.AdjustExpense(ctx, p.EmployeeID, typ, p.Amount, p.Increment)
	if err != nil {
		return nil, err
	}
	r.logger.Info("expense budget updated",
		"file_id", FileIDFromContext(ctx),
		"employee_id", p.EmployeeID,
		"expense_type", typ,
		"amount", p.Amount,
		"increment", p.Increment,
		"total", e.Expenses[typ],
	)
	return budgetResult{
		EmployeeID:  p.EmployeeID,
		ExpenseType: string(typ),
		Amount:      p.Amount,
		Increment:   p.Increment,
		Total:       e.Expenses[typ],
	}, nil
}

func (r *Registry) handleCheckLocationProximity(ctx context.Context, p proximityParams) (any, error) {
	if r.deps.Proximity == nil {
		return nil, errors.New("geocoding not configured")
	}
	if strings.TrimSpace(p.SrcAddress) == "" || strings.TrimSpace(p.DestAddress) == "" {
		return nil, errors.New("src_address and dest_address are required")
	}
	prox, err := r.deps.Proximity.NearOffice(ctx, p.SrcAddress, p.DestAddress)
	if err != nil {
		return nil, err
	}
	return prox, nil
}

type duplicateResult struct {
	Verdict        string  `json:"verdict"`
	IsDuplicate    bool    `json:"is_duplicate"`
	Similarity     float64 `json:"similarity"`
	MatchingFileID string  `json:"matching_file_id"`
}

func (r *Registry) handleIsDuplicateReceipt(ctx context.Context, p duplicateParams) (any, error) {
	if p.Duplicate == nil {
		return nil, errors.New("no duplicate candidate was flagged for this receipt")
	}
	if r.deps.Comparator == nil {
		return nil, errors.New("duplicate comparator not configured")
	}

	verdict := r.deps.Comparator.Compare(ctx, p.OriginalImage, p.Duplicate.MatchingReceiptImage)
	dup := r.deps.Policy.Decide(verdict, p.Duplicate.Similarity, r.deps.Threshold)
	r.logger.Info("duplicate check",
		"file_id", FileIDFromContext(ctx),
		"matching_file_id", p.Duplicate.MatchingFileID,
		"similarity", p.Duplicate.Similarity,
		"policy", r.deps.Policy,
		"is_duplicate", dup,
	)
	return duplicateResult{
		Verdict:        verdict,
		IsDuplicate:    dup,
		Similarity:     p.Duplicate.Similarity,
		MatchingFileID: p.Duplicate.MatchingFileID,
	}, nil
}

type emailResult struct {
	Status  string `json:"status"`
	EmailID string `json:"email_id"`
}

func (r *Registry) handleSendEmail(ctx context.Context, p emailParams) (any, error) {
	if r.deps.Mailer == nil {
		return nil, errors.New("mailer not configured")
	}
	to := strings.TrimSpace(p.EmailID)
	if to == "" {
		return nil, errors.New("email_id is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, errors.New("content is required")
	}
	if err := r.deps.Mailer.Send(ctx, to, p.Subject, p.Content); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	r.logger.Info("notification sent", "file_id", FileIDFromContext(ctx), "to", to)
	return emailResult{Status: "sent", EmailID: to}, nil
}
