// Package agent implements the reimbursement decision loop.
//
// A [Loop] drives one conversation per receipt. Each iteration sends
// the system prompt plus the conversation to the model, parses the
// single reply, and either runs exactly one tool or answers with a
// correction turn. The loop stops after the first final tool call
// (send_email is always final) or at the iteration ceiling. Model and
// tool misbehaviour is absorbed into the conversation; only context
// cancellation surfaces as an error.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/reimburse-agent/internal/llm"
	"github.com/nugget/reimburse-agent/internal/prompts"
	"github.com/nugget/reimburse-agent/internal/stages"
	"github.com/nugget/reimburse-agent/internal/tools"
)

// DefaultMaxIterations bounds a run when no ceiling is given.
const DefaultMaxIterations = 10

// ChatClient produces one assistant turn.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []llm.Message, opts llm.Options) (*llm.ChatResponse, error)
}

// Dispatcher is the tool registry as the loop sees it.
type Dispatcher interface {
	Has(name string) bool
	Names() []string
	Describe() string
	Execute(ctx context.Context, name string, params map[string]any, inj tools.Injected) tools.Result
}

// Status is how a run ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Result is the outcome of one run. Context holds the full
// conversation for audit whatever the status.
type Result struct {
	Status     Status
	FinalTool  string
	Iterations int
	ToolCalls  int
	Context    *Context
}

// Err returns a [*LoopTimeoutError] for a timed-out run and nil
// otherwise.
func (r *Result) Err() error {
	if r.Status != StatusTimeout {
		return nil
	}
	return &LoopTimeoutError{FileID: r.Context.FileID, Iterations: r.Iterations}
}

// Config holds the decoding settings for the agent model.
type Config struct {
	Model   string
	Options llm.Options

	// CallTimeout bounds each model request and each tool call. Zero
	// means no per-call deadline.
	CallTimeout time.Duration
}

// Loop runs receipts through the model. A Loop holds no per-receipt
// state and may run many receipts concurrently.
type Loop struct {
	cfg      Config
	llm      ChatClient
	tools    Dispatcher
	recorder stages.Recorder
	logger   *slog.Logger
}

// NewLoop creates a loop. recorder may be nil.
func NewLoop(cfg Config, client ChatClient, dispatcher Dispatcher, recorder stages.Recorder, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = stages.Nop{}
	}
	return &Loop{
		cfg:      cfg,
		llm:      client,
		tools:    dispatcher,
		recorder: recorder,
		logger:   logger,
	}
}

// Run processes rc until a final tool call or maxIterations model
// round trips, whichever comes first. maxIterations <= 0 selects
// [DefaultMaxIterations]. The returned error is non-nil only when ctx
// is cancelled; the result is always non-nil.
func (l *Loop) Run(ctx context.Context, rc *Context, maxIterations int) (*Result, error) {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	log := l.logger.With("file_id", rc.FileID, "employee_id", rc.EmployeeID)
	res := &Result{Context: rc}

	if rc.Conversation.Len() == 0 {
		msg := ""
		if rc.Duplicate != nil {
			msg = rc.Duplicate.Message
		}
		rc.Conversation.Append(llm.RoleUser,
			prompts.InitialUserPrompt(rc.ReceiptType, rc.EmployeeID, rc.Duplicate != nil, msg))
	}
	l.record(ctx, log, rc.FileID, stages.PromptBuilt, map[string]any{
		"receipt_type":      rc.ReceiptType,
		"duplicate_flagged": rc.Duplicate != nil,
		"max_iterations":    maxIterations,
	})

	log.Info("agent loop started", "receipt_type", rc.ReceiptType, "max_iterations", maxIterations)

	for res.Iterations < maxIterations {
		if err := ctx.Err(); err != nil {
			return l.cancelled(ctx, log, res, err)
		}
		res.Iterations++
		iter := res.Iterations
		log.Debug("agent iteration", "iteration", iter, "turns", rc.Conversation.Len())

		reply, err := l.turn(ctx, rc)
		if err != nil {
			if ctx.Err() != nil {
				return l.cancelled(ctx, log, res, ctx.Err())
			}
			log.Warn("model call failed", "iteration", iter, "error", err)
			continue
		}
		rc.Conversation.Append(llm.RoleAssistant, reply)
		log.Log(ctx, llm.LevelTrace, "model reply", "iteration", iter, "content", reply)

		switch p := Parse(reply).(type) {
		case ParseError:
			log.Warn("unparseable reply", "iteration", iter, "error", p)
			rc.Conversation.Append(llm.RoleUser, prompts.FormatCorrectionPrompt(p.Message))

		case Reasoning:
			log.Debug("reasoning step", "iteration", iter, "reasoning", p.Text)
			rc.Conversation.Append(llm.RoleUser, prompts.ValidationAcknowledgedPrompt())

		case ToolCall:
			if !l.tools.Has(p.Tool) {
				log.Warn("unknown tool requested", "iteration", iter,
					"error", &tools.UnknownToolError{ToolName: p.Tool, Available: l.tools.Names()})
				rc.Conversation.Append(llm.RoleUser, prompts.UnknownToolPrompt(p.Tool, l.tools.Names()))
				continue
			}

			final := p.IsFinal
			if tools.Terminal(p.Tool) && !final {
				log.Debug("terminal tool forces final call", "iteration", iter, "tool", p.Tool)
				final = true
			}

			result := l.dispatch(ctx, rc, p, maxIterations)
			res.ToolCalls++
			rc.Conversation.Append(llm.RoleUser, prompts.ToolResultPrompt(p.Tool, result.JSON()))

			if err := result.Err(); err != nil {
				log.Warn("tool failed", "iteration", iter, "tool", p.Tool, "error", err)
			} else {
				log.Info("tool dispatched", "iteration", iter, "tool", p.Tool, "final", final)
			}
			l.record(ctx, log, rc.FileID, stages.ToolDispatched, map[string]any{
				"tool":      p.Tool,
				"iteration": iter,
				"final":     final,
				"reasoning": p.Reasoning,
				"result":    result.JSON(),
			})

			if final {
				res.Status = StatusCompleted
				res.FinalTool = p.Tool
				l.finish(ctx, log, res)
				return res, nil
			}
		}
	}

	res.Status = StatusTimeout
	l.finish(ctx, log, res)
	return res, nil
}

// turn sends the regenerated system prompt plus the conversation and
// returns the reply text.
func (l *Loop) turn(ctx context.Context, rc *Context) (string, error) {
	system := prompts.AgentSystemPrompt(prompts.AgentPromptData{
		ReceiptType:      rc.ReceiptType,
		ReceiptContent:   rc.ReceiptContent,
		ApplicableRule:   rc.ApplicableRule,
		EmployeeID:       rc.EmployeeID,
		FileID:           rc.FileID,
		Tools:            l.tools.Describe(),
		DuplicateFlagged: rc.Duplicate != nil,
	})
	messages := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, rc.Conversation.messages()...)

	callCtx, cancel := l.callContext(ctx)
	defer cancel()

	resp, err := l.llm.Chat(callCtx, l.cfg.Model, messages, l.cfg.Options)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (l *Loop) dispatch(ctx context.Context, rc *Context, call ToolCall, maxIterations int) tools.Result {
	inj := tools.Injected{
		FileID:        rc.FileID,
		EmployeeID:    rc.EmployeeID,
		MaxIterations: maxIterations,
	}
	if rc.Duplicate != nil {
		inj.OriginalImage = rc.Image
		inj.Duplicate = rc.Duplicate
	}

	callCtx, cancel := l.callContext(ctx)
	defer cancel()
	return l.tools.Execute(callCtx, call.Tool, call.Parameters, inj)
}

func (l *Loop) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, l.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (l *Loop) cancelled(ctx context.Context, log *slog.Logger, res *Result, err error) (*Result, error) {
	res.Status = StatusCancelled
	l.finish(context.WithoutCancel(ctx), log, res)
	return res, err
}

func (l *Loop) finish(ctx context.Context, log *slog.Logger, res *Result) {
	attrs := []any{
		"status", res.Status,
		"final_tool", res.FinalTool,
		"iterations", res.Iterations,
		"tool_calls", res.ToolCalls,
	}
	if res.Status == StatusCompleted {
		log.Info("agent loop completed", attrs...)
	} else {
		log.Warn("agent loop ended without a final call", attrs...)
	}
	l.record(ctx, log, res.Context.FileID, stages.Terminated, map[string]any{
		"status":     string(res.Status),
		"final_tool": res.FinalTool,
		"iterations": res.Iterations,
		"tool_calls": res.ToolCalls,
	})
}

// record writes a checkpoint. Failures are logged and otherwise
// ignored; the loop runs the same with a broken recorder.
func (l *Loop) record(ctx context.Context, log *slog.Logger, fileID string, stage int, details map[string]any) {
	if err := l.recorder.RecordStage(ctx, fileID, stage, details); err != nil {
		log.Warn("stage checkpoint failed", "stage", stage, "error", err)
	}
}
