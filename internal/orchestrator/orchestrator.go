// Package orchestrator runs an uploaded receipt end to end: classify
// the image, extract its content, look for a similar earlier receipt,
// load the matching policy, hand everything to the agent loop and
// remember the receipt once a decision was sent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/reimburse-agent/internal/agent"
	"github.com/nugget/reimburse-agent/internal/employees"
	"github.com/nugget/reimburse-agent/internal/receipts"
	"github.com/nugget/reimburse-agent/internal/rules"
	"github.com/nugget/reimburse-agent/internal/stages"
)

// DefaultWorkers bounds concurrent receipts when no limit is configured.
const DefaultWorkers = 4

// Classifier labels a receipt image and extracts its fields.
type Classifier interface {
	Classify(ctx context.Context, image string) (employees.ExpenseType, string, error)
	Extract(ctx context.Context, image string, typ employees.ExpenseType) (string, error)
}

// Duplicates finds and remembers processed receipts.
type Duplicates interface {
	FindDuplicate(ctx context.Context, typ employees.ExpenseType, content string) (*receipts.DuplicateHint, error)
	Save(ctx context.Context, fileID string, typ employees.ExpenseType, content, image string) error
}

// RuleLoader returns the policy for a receipt type.
type RuleLoader interface {
	Load(typ employees.ExpenseType) (rules.Rule, error)
}

// Runner is the agent loop.
type Runner interface {
	Run(ctx context.Context, rc *agent.Context, maxIterations int) (*agent.Result, error)
}

// Deps are the collaborators of an [Orchestrator]. Duplicates and
// Recorder may be nil; a nil Duplicates disables similarity hints.
type Deps struct {
	Classifier Classifier
	Duplicates Duplicates
	Rules      RuleLoader
	Runner     Runner
	Recorder   stages.Recorder
}

// Config holds processing limits.
type Config struct {
	MaxIterations int
	Workers       int
}

// Job is one uploaded receipt. FileID is assigned when empty.
type Job struct {
	FileID     string
	EmployeeID string
	Image      string // base64, optionally a data URI
}

// Outcome is the result of processing one job. Result is nil when the
// job failed before the agent loop started.
type Outcome struct {
	FileID      string                  `json:"file_id"`
	EmployeeID  string                  `json:"employee_id"`
	ReceiptType employees.ExpenseType   `json:"receipt_type,omitempty"`
	Duplicate   *receipts.DuplicateHint `json:"-"`
	Result      *agent.Result           `json:"-"`
	Err         error                   `json:"-"`
}

// Status returns the loop status, or "failed" when the loop never ran
// to an end.
func (o *Outcome) Status() string {
	if o.Result == nil {
		return "failed"
	}
	return string(o.Result.Status)
}

// Orchestrator processes receipts. One Orchestrator serves any number
// of receipts; each gets its own [agent.Context].
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	outcomes []*Outcome
}

// New creates an orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = stages.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		sem:    make(chan struct{}, cfg.Workers),
	}
}

// NewFileID returns a fresh, time-ordered file id.
func NewFileID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Process runs job to completion on the calling goroutine. The error
// reports failures before or around the agent loop (classification,
// extraction, policy loading, cancellation); a loop that ran out of
// iterations is reported through the outcome, with Err set to the
// [*agent.LoopTimeoutError].
func (o *Orchestrator) Process(ctx context.Context, job Job) (*Outcome, error) {
	if job.FileID == "" {
		job.FileID = NewFileID()
	}
	out := &Outcome{FileID: job.FileID, EmployeeID: job.EmployeeID}
	err := o.process(ctx, job, out)
	out.Err = err
	return out, err
}

func (o *Orchestrator) process(ctx context.Context, job Job, out *Outcome) error {
	if job.EmployeeID == "" {
		return errors.New("employee id is required")
	}
	if job.Image == "" {
		return errors.New("receipt image is required")
	}
	log := o.logger.With("file_id", job.FileID, "employee_id", job.EmployeeID)

	o.record(ctx, log, job.FileID, stages.Started, map[string]any{
		"employee_id":     job.EmployeeID,
		stages.DetailImage: job.Image,
	})

	typ, raw, err := o.deps.Classifier.Classify(ctx, job.Image)
	if err != nil {
		return err
	}
	out.ReceiptType = typ
	log.Info("receipt type identified", "receipt_type", typ)
	o.record(ctx, log, job.FileID, stages.TypeIdentified, map[string]any{
		"receipt_type": string(typ),
		"raw":          raw,
	})

	content, err := o.deps.Classifier.Extract(ctx, job.Image, typ)
	if err != nil {
		return err
	}

	var hint *receipts.DuplicateHint
	if o.deps.Duplicates != nil {
		hint, err = o.deps.Duplicates.FindDuplicate(ctx, typ, content)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A broken similarity search only loses the hint.
			log.Warn("duplicate search failed", "error", err)
			hint = nil
		}
	}
	out.Duplicate = hint

	details := map[string]any{"receipt_content": content}
	if hint != nil {
		details["duplicate_file_id"] = hint.MatchingFileID
		details["similarity"] = hint.Similarity
		log.Info("possible duplicate receipt", "matching_file_id", hint.MatchingFileID, "similarity", hint.Similarity)
	}
	o.record(ctx, log, job.FileID, stages.ContentExtracted, details)

	rule, err := o.deps.Rules.Load(typ)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	log.Debug("policy loaded", "policy", rule.Name, "source", rule.Source)

	rc := &agent.Context{
		ReceiptType:    string(typ),
		ReceiptContent: content,
		ApplicableRule: rule.Text(),
		EmployeeID:     job.EmployeeID,
		FileID:         job.FileID,
		Image:          job.Image,
		Duplicate:      hint,
	}
	res, err := o.deps.Runner.Run(ctx, rc, o.cfg.MaxIterations)
	out.Result = res
	if err != nil {
		return err
	}
	if res.Status != agent.StatusCompleted {
		return res.Err()
	}

	if o.deps.Duplicates != nil {
		if err := o.deps.Duplicates.Save(ctx, job.FileID, typ, content, job.Image); err != nil {
			log.Warn("receipt not saved for duplicate detection", "error", err)
		}
	}
	return nil
}

// Submit queues job and returns its file id. At most Config.Workers
// jobs run at once; the rest wait for a slot. Collect the outcomes
// with [Orchestrator.Wait].
func (o *Orchestrator) Submit(ctx context.Context, job Job) string {
	if job.FileID == "" {
		job.FileID = NewFileID()
	}

	o.mu.Lock()
	idx := len(o.outcomes)
	o.outcomes = append(o.outcomes, nil)
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		var out *Outcome
		select {
		case o.sem <- struct{}{}:
			out, _ = o.Process(ctx, job)
			<-o.sem
		case <-ctx.Done():
			out = &Outcome{FileID: job.FileID, EmployeeID: job.EmployeeID, Err: ctx.Err()}
		}
		if out.Err != nil {
			o.logger.Warn("receipt processing failed", "file_id", job.FileID, "status", out.Status(), "error", out.Err)
		}

		o.mu.Lock()
		o.outcomes[idx] = out
		o.mu.Unlock()
	}()
	return job.FileID
}

// Wait blocks until every submitted job has finished and returns their
// outcomes in submission order. The orchestrator is ready for new
// submissions afterwards.
func (o *Orchestrator) Wait() []*Outcome {
	o.wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.outcomes
	o.outcomes = nil
	return out
}

func (o *Orchestrator) record(ctx context.Context, log *slog.Logger, fileID string, stage int, details map[string]any) {
	if err := o.deps.Recorder.RecordStage(ctx, fileID, stage, details); err != nil {
		log.Warn("stage checkpoint failed", "stage", stage, "error", err)
	}
}
