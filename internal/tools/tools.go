// Package tools defines the tools available to the reimbursement agent.
//
// Each tool takes one typed parameter struct. Its JSON schema is derived
// from the struct and checked before the handler runs, so handlers never
// see a raw map. Every failure is turned into an error result the model
// can read; nothing a tool does can crash the agent loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/reimburse-agent/internal/receipts"
)

// Tool names. Models emit these as literal text, so they are part of
// the wire contract and must not change.
const (
	NameGetEmployeeData        = "get_employee_data"
	NameUpdateExpenseBudget    = "update_expense_budget"
	NameCheckLocationProximity = "check_location_proximity"
	NameIsDuplicateReceipt     = "is_duplicate_receipt"
	NameSendEmail              = "send_email"
)

// FinalCallKey is the loop-internal termination flag. It is stripped
// from parameters before dispatch.
const FinalCallKey = "final_tool_call"

// Keys under which [Injected] fields are merged into tool parameters.
const (
	keyFileID        = "file_id"
	keyEmployeeID    = "employee_id"
	keyMaxIterations = "max_iterations"
	keyOriginalImage = "base_64_image"
	keyDuplicate     = "duplicate_receipt"
)

// Terminal reports whether a call to name always ends the agent loop.
func Terminal(name string) bool {
	return name == NameSendEmail
}

// Injected carries the receipt context the loop adds to every call.
// OriginalImage and Duplicate are only set when an upstream duplicate
// hint exists.
type Injected struct {
	FileID        string
	EmployeeID    string
	MaxIterations int
	OriginalImage string
	Duplicate     *receipts.DuplicateHint
}

// merge copies params, drops the final-call flag and overlays the
// injected fields. The receipt's own employee id wins over whatever
// the model supplied.
func (in Injected) merge(params map[string]any) map[string]any {
	args := make(map[string]any, len(params)+5)
	for k, v := range params {
		args[k] = v
	}
	delete(args, FinalCallKey)

	if in.FileID != "" {
		args[keyFileID] = in.FileID
	}
	if in.EmployeeID != "" {
		args[keyEmployeeID] = in.EmployeeID
	}
	if in.MaxIterations > 0 {
		args[keyMaxIterations] = in.MaxIterations
	}
	if in.Duplicate != nil {
		args[keyOriginalImage] = in.OriginalImage
		args[keyDuplicate] = in.Duplicate
	}
	return args
}

// Result is the outcome of one tool invocation: exactly one of OK or
// Error is set.
type Result struct {
	Tool  string `json:"-"`
	OK    any    `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	err error
}

// Err returns the typed failure behind Error (an [*ExecutionError] or
// [*UnknownToolError]), or nil for a successful call.
func (r Result) Err() error {
	return r.err
}

// JSON renders the result for the tool-result turn. It always returns
// a JSON object.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		data, _ = json.Marshal(Result{Error: fmt.Sprintf("encode result: %v", err)})
	}
	return string(data)
}

func failure(name string, err error) Result {
	return Result{Tool: name, Error: err.Error(), err: err}
}

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema

	resolved *jsonschema.Resolved
	invoke   func(ctx context.Context, raw []byte) (any, error)

	// prepare canonicalizes arguments before the schema check.
	prepare func(args map[string]any)
}

// params lists the top-level parameters the schema requires, in
// declaration order.
func (t *Tool) params() []string {
	return t.Schema.Required
}

// define builds a tool whose handler receives a decoded P. The schema
// is derived from P; tweak may tighten it (enums, descriptions). Extra
// properties are allowed because injected context rides along with
// every call.
func define[P any](name, description string, tweak func(*jsonschema.Schema), fn func(context.Context, P) (any, error)) (*Tool, error) {
	schema, err := jsonschema.For[P](nil)
	if err != nil {
		return nil, fmt.Errorf("derive schema for %s: %w", name, err)
	}
	schema.AdditionalProperties = nil
	if tweak != nil {
		tweak(schema)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema for %s: %w", name, err)
	}

	return &Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		resolved:    resolved,
		invoke: func(ctx context.Context, raw []byte) (any, error) {
			var p P
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode parameters: %w", err)
			}
			return fn(ctx, p)
		},
	}, nil
}

func mustDefine[P any](name, description string, tweak func(*jsonschema.Schema), fn func(context.Context, P) (any, error)) *Tool {
	t, err := define(name, description, tweak, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// Registry holds the fixed set of agent tools. It is safe for
// concurrent use once constructed; it holds no per-receipt state.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	deps   Deps
	logger *slog.Logger
}

// NewRegistry creates the registry and binds every tool to deps. A nil
// capability makes its tool return an error result instead of running.
func NewRegistry(deps Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Policy == "" {
		deps.Policy = receipts.PolicyVerdict
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		deps:   deps,
		logger: logger,
	}
	r.registerBuiltins()
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Has reports whether name is a registered tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Describe renders the tool catalogue for the agent's system prompt,
// one tool per line.
func (r *Registry) Describe() string {
	var sb strings.Builder
	for _, name := range r.order {
		t := r.tools[name]
		fmt.Fprintf(&sb, "- %s(%s): %s\n", t.Name, strings.Join(t.params(), ", "), t.Description)
	}
	return sb.String()
}

// Execute runs one tool call. params are the model's parameters; inj
// is merged over them before the schema check. Execute never panics
// and never returns a Go error: every failure is reported in the
// result.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, inj Injected) (res Result) {
	t, ok := r.tools[name]
	if !ok {
		return failure(name, &UnknownToolError{ToolName: name, Available: r.Names()})
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "file_id", inj.FileID, "panic", p)
			res = failure(name, &ExecutionError{ToolName: name, Err: fmt.Errorf("panic: %v", p)})
		}
	}()

	// Round-trip through JSON so injected Go values validate the same
	// way model-supplied ones do.
	args := inj.merge(params)
	if t.prepare != nil {
		t.prepare(args)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return failure(name, &ExecutionError{ToolName: name, Err: fmt.Errorf("encode parameters: %w", err)})
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return failure(name, &ExecutionError{ToolName: name, Err: fmt.Errorf("encode parameters: %w", err)})
	}
	if err := t.resolved.Validate(doc); err != nil {
		return failure(name, &ExecutionError{ToolName: name, Err: fmt.Errorf("invalid parameters: %w", err)})
	}

	out, err := t.invoke(WithFileID(ctx, inj.FileID), raw)
	if err != nil {
		return failure(name, &ExecutionError{ToolName: name, Err: err})
	}
	r.logger.Debug("tool executed", "tool", name, "file_id", inj.FileID)
	return Result{Tool: name, OK: out}
}
