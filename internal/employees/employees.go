// Package employees stores employee profiles and their running expense
// totals in the shared key-value store under "employee:{id}".
package employees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nugget/reimburse-agent/internal/store"
)

// ExpenseType labels a receipt category.
type ExpenseType string

// Receipt categories. Only the first three carry a budget.
const (
	FoodExpense   ExpenseType = "FOOD_EXPENSE"
	TravelExpense ExpenseType = "TRAVEL_EXPENSE"
	TechExpense   ExpenseType = "TECH_EXPENSE"
	OtherExpense  ExpenseType = "OTHER_EXPENSE"
)

// ExpenseTypes lists every category in canonical order.
var ExpenseTypes = []ExpenseType{FoodExpense, TravelExpense, TechExpense, OtherExpense}

// BudgetedTypes lists the categories update_expense_budget accepts.
var BudgetedTypes = []ExpenseType{FoodExpense, TravelExpense, TechExpense}

// Budgeted reports whether t has a running total that can be adjusted.
func (t ExpenseType) Budgeted() bool {
	switch t {
	case FoodExpense, TravelExpense, TechExpense:
		return true
	}
	return false
}

// ErrUnknownExpenseType is returned for labels outside the budgeted set.
var ErrUnknownExpenseType = errors.New("unknown expense type")

// ErrNotFound is returned when no employee exists with the given id.
var ErrNotFound = errors.New("employee not found")

// ParseExpenseType matches s case-insensitively against the known
// categories.
func ParseExpenseType(s string) (ExpenseType, error) {
	t := ExpenseType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range ExpenseTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownExpenseType, s)
}

// Employee is one profile as stored and as shown to the model.
type Employee struct {
	ID           string                  `json:"employee_id" yaml:"employee_id"`
	Name         string                  `json:"name" yaml:"name"`
	Email        string                  `json:"email" yaml:"email"`
	Designation  string                  `json:"designation,omitempty" yaml:"designation,omitempty"`
	BaseLocation string                  `json:"base_location,omitempty" yaml:"base_location,omitempty"`
	Limits       map[ExpenseType]float64 `json:"limits,omitempty" yaml:"limits,omitempty"`
	Expenses     map[ExpenseType]float64 `json:"expenses" yaml:"expenses"`
}

// KV is the subset of the key-value store the repository needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Key returns the store key for an employee id.
func Key(id string) string {
	return "employee:" + id
}

// Repository reads and writes employee records. Budget adjustments for
// the same employee are serialized; different employees proceed
// independently.
type Repository struct {
	kv    KV
	locks sync.Map // employee id -> *sync.Mutex
}

// NewRepository creates a repository over kv.
func NewRepository(kv KV) *Repository {
	return &Repository{kv: kv}
}

func (r *Repository) lock(id string) func() {
	mu, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Get returns the employee with the given id, or [ErrNotFound].
func (r *Repository) Get(ctx context.Context, id string) (*Employee, error) {
	raw, err := r.kv.Get(ctx, Key(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get employee %s: %w", id, err)
	}

	var e Employee
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode employee %s: %w", id, err)
	}
	if e.ID == "" {
		e.ID = id
	}
	if e.Expenses == nil {
		e.Expenses = make(map[ExpenseType]float64)
	}
	return &e, nil
}

// Put stores e, replacing any existing record with the same id.
func (r *Repository) Put(ctx context.Context, e *Employee) error {
	if e == nil || strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("employee id is required")
	}
	if e.Expenses == nil {
		e.Expenses = make(map[ExpenseType]float64)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode employee %s: %w", e.ID, err)
	}
	if err := r.kv.Set(ctx, Key(e.ID), string(data)); err != nil {
		return fmt.Errorf("put employee %s: %w", e.ID, err)
	}
	return nil
}

// List returns every stored employee sorted by id.
func (r *Repository) List(ctx context.Context) ([]*Employee, error) {
	keys, err := r.kv.Keys(ctx, Key("*"))
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}

	result := make([]*Employee, 0, len(keys))
	for _, k := range keys {
		e, err := r.Get(ctx, strings.TrimPrefix(k, "employee:"))
		if errors.Is(err, ErrNotFound) {
			continue // removed between scan and read
		}
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// AdjustExpense adds amount to (increment) or subtracts it from the
// employee's running total for typ and returns the updated record.
// Decrements never take a total below zero.
func (r *Repository) AdjustExpense(ctx context.Context, id string, typ ExpenseType, amount float64, increment bool) (*Employee, error) {
	if !typ.Budgeted() {
		return nil, fmt.Errorf("%w: %q (valid: %v)", ErrUnknownExpenseType, typ, BudgetedTypes)
	}
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("amount %v must be a non-negative number", amount)
	}

	unlock := r.lock(id)
	defer unlock()

	e, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	current := e.Expenses[typ]
	if increment {
		e.Expenses[typ] = current + amount
	} else {
		e.Expenses[typ] = math.Max(0, current-amount)
	}

	if err := r.Put(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Seed loads a JSON or YAML file mapping employee id to profile and
// stores every entry. The format follows the file extension (.json,
// .yaml, .yml). Returns the number of employees stored.
func (r *Repository) Seed(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read seed file: %w", err)
	}

	var entries map[string]*Employee
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &entries)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		return 0, fmt.Errorf("seed file %s: unsupported extension (want .json, .yaml or .yml)", path)
	}
	if err != nil {
		return 0, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := entries[id]
		if e == nil {
			e = &Employee{}
		}
		if e.ID == "" {
			e.ID = id
		}
		if err := r.Put(ctx, e); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
