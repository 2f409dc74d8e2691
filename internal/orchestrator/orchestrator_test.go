package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/reimburse-agent/internal/agent"
	"github.com/nugget/reimburse-agent/internal/employees"
	"github.com/nugget/reimburse-agent/internal/llm"
	"github.com/nugget/reimburse-agent/internal/receipts"
	"github.com/nugget/reimburse-agent/internal/rules"
	"github.com/nugget/reimburse-agent/internal/stages"
	"github.com/nugget/reimburse-agent/internal/store"
	"github.com/nugget/reimburse-agent/internal/tools"
	defaultrules "github.com/nugget/reimburse-agent/rules"
)

type fakeClassifier struct {
	typ         employees.ExpenseType
	content     string
	classifyErr error
	extractErr  error
}

func (f *fakeClassifier) Classify(context.Context, string) (employees.ExpenseType, string, error) {
	if f.classifyErr != nil {
		return "", "", f.classifyErr
	}
	return f.typ, string(f.typ), nil
}

func (f *fakeClassifier) Extract(context.Context, string, employees.ExpenseType) (string, error) {
	if f.extractErr != nil {
		return "", f.extractErr
	}
	return f.content, nil
}

type fakeDuplicates struct {
	hint    *receipts.DuplicateHint
	findErr error

	mu    sync.Mutex
	saved []string
}

func (f *fakeDuplicates) FindDuplicate(context.Context, employees.ExpenseType, string) (*receipts.DuplicateHint, error) {
	return f.hint, f.findErr
}

func (f *fakeDuplicates) Save(_ context.Context, fileID string, _ employees.ExpenseType, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, fileID)
	return nil
}

type fakeRunner struct {
	status agent.Status
	err    error
	delay  time.Duration

	mu      sync.Mutex
	seen    []*agent.Context
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, rc *agent.Context, _ int) (*agent.Result, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.seen = append(f.seen, rc)
	f.mu.Unlock()

	status := f.status
	if status == "" {
		status = agent.StatusCompleted
	}
	return &agent.Result{Status: status, Iterations: 1, Context: rc}, f.err
}

type recordingStages struct {
	mu     sync.Mutex
	stages []int
}

func (r *recordingStages) RecordStage(_ context.Context, _ string, stage int, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	return nil
}

func newTestOrchestrator(c *fakeClassifier, d Duplicates, r Runner, rec stages.Recorder) *Orchestrator {
	return New(Config{MaxIterations: 5, Workers: 2}, Deps{
		Classifier: c,
		Duplicates: d,
		Rules:      rules.NewLoader("", defaultrules.Files),
		Runner:     r,
		Recorder:   rec,
	}, nil)
}

func foodClassifier() *fakeClassifier {
	return &fakeClassifier{typ: employees.FoodExpense, content: "Merchant: Paradise\nTotal: 450"}
}

func TestProcess_BuildsAgentContext(t *testing.T) {
	hint := &receipts.DuplicateHint{MatchingFileID: "old", Similarity: 0.97}
	dups := &fakeDuplicates{hint: hint}
	runner := &fakeRunner{}
	rec := &recordingStages{}

	out, err := newTestOrchestrator(foodClassifier(), dups, runner, rec).
		Process(context.Background(), Job{FileID: "f-1", EmployeeID: "E1", Image: "aW1n"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Status() != "completed" || out.ReceiptType != employees.FoodExpense {
		t.Errorf("outcome = %+v", out)
	}

	rc := runner.seen[0]
	if rc.FileID != "f-1" || rc.EmployeeID != "E1" || rc.Image != "aW1n" {
		t.Errorf("context ids = %+v", rc)
	}
	if rc.ReceiptContent != "Merchant: Paradise\nTotal: 450" {
		t.Errorf("content = %q", rc.ReceiptContent)
	}
	if !strings.Contains(rc.ApplicableRule, "Food expense policy") {
		t.Errorf("rule = %q, want the embedded food policy", rc.ApplicableRule)
	}
	if rc.Duplicate != hint {
		t.Error("duplicate hint not passed to the loop")
	}
	if rc.Conversation.Len() != 0 {
		t.Error("orchestrator must leave the conversation to the loop")
	}

	want := []int{stages.Started, stages.TypeIdentified, stages.ContentExtracted}
	if len(rec.stages) != len(want) {
		t.Fatalf("stages = %v, want %v", rec.stages, want)
	}
	for i := range want {
		if rec.stages[i] != want[i] {
			t.Errorf("stages = %v, want %v", rec.stages, want)
		}
	}
	if len(dups.saved) != 1 || dups.saved[0] != "f-1" {
		t.Errorf("saved = %v, want [f-1]", dups.saved)
	}
}

func TestProcess_AssignsFileID(t *testing.T) {
	out, err := newTestOrchestrator(foodClassifier(), nil, &fakeRunner{}, nil).
		Process(context.Background(), Job{EmployeeID: "E1", Image: "aW1n"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.FileID) != 36 {
		t.Errorf("file id = %q, want a UUID", out.FileID)
	}
}

func TestProcess_RejectsIncompleteJobs(t *testing.T) {
	tests := []struct {
		name string
		job  Job
	}{
		{"no employee", Job{Image: "aW1n"}},
		{"no image", Job{EmployeeID: "E1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			out, err := newTestOrchestrator(foodClassifier(), nil, runner, nil).Process(context.Background(), tt.job)
			if err == nil {
				t.Fatal("Process should fail")
			}
			if out.Status() != "failed" || len(runner.seen) != 0 {
				t.Errorf("outcome = %+v, runs = %d", out, len(runner.seen))
			}
		})
	}
}

func TestProcess_ClassifierFailures(t *testing.T) {
	boom := errors.New("vlm down")
	tests := []struct {
		name       string
		classifier *fakeClassifier
		wantStages int
	}{
		{"classify", &fakeClassifier{classifyErr: boom}, 1},
		{"extract", &fakeClassifier{typ: employees.TechExpense, extractErr: boom}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			rec := &recordingStages{}
			_, err := newTestOrchestrator(tt.classifier, nil, runner, rec).
				Process(context.Background(), Job{EmployeeID: "E1", Image: "aW1n"})
			if !errors.Is(err, boom) {
				t.Errorf("error = %v, want %v", err, boom)
			}
			if len(runner.seen) != 0 {
				t.Error("loop ran after a classifier failure")
			}
			if len(rec.stages) != tt.wantStages {
				t.Errorf("stages = %v", rec.stages)
			}
		})
	}
}

func TestProcess_DuplicateSearchFailureDropsHint(t *testing.T) {
	dups := &fakeDuplicates{findErr: errors.New("embedder down")}
	runner := &fakeRunner{}
	out, err := newTestOrchestrator(foodClassifier(), dups, runner, nil).
		Process(context.Background(), Job{EmployeeID: "E1", Image: "aW1n"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Duplicate != nil || runner.seen[0].Duplicate != nil {
		t.Error("hint should be dropped when the search fails")
	}
}

func TestProcess_TimeoutNotSaved(t *testing.T) {
	dups := &fakeDuplicates{}
	out, err := newTestOrchestrator(foodClassifier(), dups, &fakeRunner{status: agent.StatusTimeout}, nil).
		Process(context.Background(), Job{FileID: "f-9", EmployeeID: "E1", Image: "aW1n"})

	var timeout *agent.LoopTimeoutError
	if !errors.As(err, &timeout) || timeout.FileID != "f-9" {
		t.Fatalf("error = %v, want LoopTimeoutError", err)
	}
	if out.Status() != "timeout" || !errors.Is(out.Err, err) {
		t.Errorf("outcome = %+v", out)
	}
	if len(dups.saved) != 0 {
		t.Errorf("timed-out receipt saved: %v", dups.saved)
	}
}

func TestProcess_CancelledNotSaved(t *testing.T) {
	dups := &fakeDuplicates{}
	runner := &fakeRunner{status: agent.StatusCancelled, err: context.Canceled}
	out, err := newTestOrchestrator(foodClassifier(), dups, runner, nil).
		Process(context.Background(), Job{EmployeeID: "E1", Image: "aW1n"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v", err)
	}
	if out.Status() != "cancelled" || len(dups.saved) != 0 {
		t.Errorf("outcome = %+v, saved = %v", out, dups.saved)
	}
}

func TestProcess_UnknownTypeUsesDefaultPolicy(t *testing.T) {
	runner := &fakeRunner{}
	c := &fakeClassifier{typ: "PARKING_EXPENSE", content: "Parking 40"}
	if _, err := newTestOrchestrator(c, nil, runner, nil).
		Process(context.Background(), Job{EmployeeID: "E1", Image: "aW1n"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(runner.seen[0].ApplicableRule, "General expense policy") {
		t.Errorf("rule = %q", runner.seen[0].ApplicableRule)
	}
}

func TestSubmit_BoundsConcurrency(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	o := newTestOrchestrator(foodClassifier(), nil, runner, nil)

	var ids []string
	for range 6 {
		ids = append(ids, o.Submit(context.Background(), Job{EmployeeID: "E1", Image: "aW1n"}))
	}
	outcomes := o.Wait()

	if len(outcomes) != len(ids) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(ids))
	}
	for i, out := range outcomes {
		if out.FileID != ids[i] || out.Status() != "completed" {
			t.Errorf("outcome %d = %+v, want file %s completed", i, out, ids[i])
		}
	}
	if peak := runner.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}

	seen := map[*agent.Context]bool{}
	for _, rc := range runner.seen {
		if seen[rc] {
			t.Fatal("two receipts shared one context")
		}
		seen[rc] = true
	}
	if again := o.Wait(); len(again) != 0 {
		t.Errorf("second Wait returned %d outcomes", len(again))
	}
}

func TestSubmit_CancelledBeforeSlot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(Config{Workers: 1}, Deps{Classifier: foodClassifier(), Rules: rules.NewLoader("", defaultrules.Files), Runner: &fakeRunner{}}, nil)
	o.sem <- struct{}{} // occupy the only slot
	o.Submit(ctx, Job{EmployeeID: "E1", Image: "aW1n"})
	outcomes := o.Wait()

	if len(outcomes) != 1 || !errors.Is(outcomes[0].Err, context.Canceled) {
		t.Errorf("outcomes = %+v", outcomes)
	}
}

// End to end with the real loop, tools, store and stage log: the first
// receipt is approved, the second one is flagged as a duplicate.

type constEmbedder struct{}

func (constEmbedder) Generate(context.Context, string) ([]float32, error) {
	return []float32{0.6, 0.8}, nil
}

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	n       int
	prompts []string
}

func (s *scriptedLLM) Chat(_ context.Context, _ string, messages []llm.Message, _ llm.Options) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	reply := s.replies[min(s.n, len(s.replies)-1)]
	s.n++
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: reply}}, nil
}

type sentMail struct{ to, subject string }

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *recordingMailer) Send(_ context.Context, to, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to, subject})
	return nil
}

func TestProcess_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(store.DriverPure, filepath.Join(t.TempDir(), "reimburse.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	repo := employees.NewRepository(s)
	if err := repo.Put(ctx, &employees.Employee{ID: "E1", Name: "Asha Rao", Email: "asha@example.com"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mailer := &recordingMailer{}
	registry := tools.NewRegistry(tools.Deps{Employees: repo, Mailer: mailer})
	recorder := stages.NewStoreRecorder(s)
	model := &scriptedLLM{replies: []string{
		`<tool>update_expense_budget</tool><parameters>{"employee_id":"E1","expense_type":"FOOD_EXPENSE","amount":450,"increment":true}</parameters><final_tool_call>false</final_tool_call>`,
		`<tool>send_email</tool><parameters>{"email_id":"asha@example.com","subject":"Receipt approved","content":"Approved 450."}</parameters><final_tool_call>true</final_tool_call>`,
	}}
	loop := agent.NewLoop(agent.Config{Model: "test"}, model, registry, recorder, nil)

	o := New(Config{MaxIterations: 5}, Deps{
		Classifier: foodClassifier(),
		Duplicates: receipts.NewMatcher(s, constEmbedder{}, 0.95, nil),
		Rules:      rules.NewLoader("", defaultrules.Files),
		Runner:     loop,
		Recorder:   recorder,
	}, nil)

	first, err := o.Process(ctx, Job{FileID: "f-1", EmployeeID: "E1", Image: "aW1n"})
	if err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if first.Result.FinalTool != tools.NameSendEmail || first.Duplicate != nil {
		t.Errorf("first outcome = %+v", first)
	}

	e, err := repo.Get(ctx, "E1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := e.Expenses[employees.FoodExpense]; got != 450 {
		t.Errorf("FOOD_EXPENSE = %v, want 450", got)
	}

	log, err := recorder.File(ctx, "f-1")
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if len(log.Entries) != 6 || log.Last().Stage != stages.Terminated {
		t.Errorf("stage log = %+v, want stages 1..6", log.Entries)
	}

	second, err := o.Process(ctx, Job{FileID: "f-2", EmployeeID: "E1", Image: "aW1n"})
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if second.Duplicate == nil || second.Duplicate.MatchingFileID != "f-1" {
		t.Fatalf("second duplicate = %+v, want a hint for f-1", second.Duplicate)
	}

	if len(mailer.sent) != 2 {
		t.Errorf("mails sent = %d, want 2", len(mailer.sent))
	}
	keys, err := s.Keys(ctx, "receipt:FOOD_EXPENSE:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("stored receipts = %v, want 2", keys)
	}
}
