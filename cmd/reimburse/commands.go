package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/nugget/reimburse-agent/internal/employees"
	"github.com/nugget/reimburse-agent/internal/orchestrator"
	"github.com/nugget/reimburse-agent/internal/stages"
)

// withApp loads the configuration, opens the store and calls fn.
func withApp(ctx context.Context, stderr io.Writer, configPath string, fn func(*app) error) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(a)
}

// processSummary is one line of "process" output.
type processSummary struct {
	FileID      string `json:"file_id"`
	Image       string `json:"image"`
	EmployeeID  string `json:"employee_id"`
	ReceiptType string `json:"receipt_type,omitempty"`
	Status      string `json:"status"`
	FinalTool   string `json:"final_tool,omitempty"`
	Iterations  int    `json:"iterations"`
	ToolCalls   int    `json:"tool_calls"`
	Duplicate   string `json:"duplicate_of,omitempty"`
	Error       string `json:"error,omitempty"`
}

// runProcess handles "reimburse process -employee <id> <image>...". All
// images belong to the same employee and are processed concurrently up
// to the configured worker count. SIGINT or SIGTERM cancels the runs in
// flight; their stage logs record the cancellation.
func runProcess(ctx context.Context, out output, stderr io.Writer, configPath string, args []string) error {
	var employeeID string
	var images []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-employee" && i+1 < len(args):
			employeeID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-employee="):
			employeeID = strings.TrimPrefix(args[i], "-employee=")
		case strings.HasPrefix(args[i], "-"):
			return fmt.Errorf("process: unknown flag: %s", args[i])
		default:
			images = append(images, args[i])
		}
	}
	if employeeID == "" || len(images) == 0 {
		return errors.New("usage: reimburse process -employee <id> <image>...")
	}

	encoded := make([]string, len(images))
	for i, path := range images {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read receipt image: %w", err)
		}
		encoded[i] = base64.StdEncoding.EncodeToString(data)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return withApp(ctx, stderr, configPath, func(a *app) error {
		if _, err := a.employees.Get(ctx, employeeID); err != nil {
			return fmt.Errorf("process: %w", err)
		}
		if err := a.startPipeline(ctx); err != nil {
			return err
		}

		for i, img := range encoded {
			id := a.orchestrator.Submit(ctx, orchestrator.Job{EmployeeID: employeeID, Image: img})
			a.logger.Info("receipt submitted", "file_id", id, "image", images[i])
		}
		outcomes := a.orchestrator.Wait()

		summaries := make([]processSummary, len(outcomes))
		failed := 0
		for i, o := range outcomes {
			summaries[i] = summarize(o, images[i])
			if o.Err != nil {
				failed++
			}
		}
		if err := writeSummaries(out, summaries); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d receipts did not complete", failed, len(outcomes))
		}
		return nil
	})
}

func summarize(o *orchestrator.Outcome, image string) processSummary {
	s := processSummary{
		FileID:      o.FileID,
		Image:       image,
		EmployeeID:  o.EmployeeID,
		ReceiptType: string(o.ReceiptType),
		Status:      o.Status(),
	}
	if o.Result != nil {
		s.FinalTool = o.Result.FinalTool
		s.Iterations = o.Result.Iterations
		s.ToolCalls = o.Result.ToolCalls
	}
	if o.Duplicate != nil {
		s.Duplicate = o.Duplicate.MatchingFileID
	}
	if o.Err != nil {
		s.Error = o.Err.Error()
	}
	return s
}

func writeSummaries(out output, summaries []processSummary) error {
	if out.json() {
		return out.encode(summaries)
	}
	tw := tabwriter.NewWriter(out.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tIMAGE\tTYPE\tSTATUS\tFINAL TOOL\tITERATIONS\tDUPLICATE OF")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.FileID, filepath.Base(s.Image), dash(s.ReceiptType), s.Status, dash(s.FinalTool), s.Iterations, dash(s.Duplicate))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, s := range summaries {
		if s.Error != "" {
			fmt.Fprintf(out.w, "%s: %s\n", s.FileID, s.Error)
		}
	}
	return nil
}

// runEmployees lists every employee with their running totals.
func runEmployees(ctx context.Context, out output, stderr io.Writer, configPath string) error {
	return withApp(ctx, stderr, configPath, func(a *app) error {
		list, err := a.employees.List(ctx)
		if err != nil {
			return err
		}
		if out.json() {
			return out.encode(list)
		}
		tw := tabwriter.NewWriter(out.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tFOOD\tTRAVEL\tTECH")
		for _, e := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%.2f\n", e.ID, e.Name, e.Email,
				e.Expenses[employees.FoodExpense],
				e.Expenses[employees.TravelExpense],
				e.Expenses[employees.TechExpense])
		}
		return tw.Flush()
	})
}

// runAddEmployee stores the profile in path under id, replacing any
// existing profile.
func runAddEmployee(ctx context.Context, out output, stderr io.Writer, configPath, id, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read employee file: %w", err)
	}
	var e employees.Employee
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("parse employee file %s: %w", path, err)
	}
	e.ID = id

	return withApp(ctx, stderr, configPath, func(a *app) error {
		if err := a.employees.Put(ctx, &e); err != nil {
			return err
		}
		if out.json() {
			return out.encode(&e)
		}
		fmt.Fprintf(out.w, "employee %s stored\n", id)
		return nil
	})
}

// runSeed loads every employee from a JSON or YAML seed file.
func runSeed(ctx context.Context, out output, stderr io.Writer, configPath, path string) error {
	return withApp(ctx, stderr, configPath, func(a *app) error {
		n, err := a.employees.Seed(ctx, path)
		if err != nil {
			return err
		}
		if out.json() {
			return out.encode(map[string]int{"employees": n})
		}
		fmt.Fprintf(out.w, "seeded %d employees from %s\n", n, path)
		return nil
	})
}

// runFiles prints the last stage reached by every processed file.
func runFiles(ctx context.Context, out output, stderr io.Writer, configPath string) error {
	return withApp(ctx, stderr, configPath, func(a *app) error {
		logs, err := a.stageLog.Files(ctx)
		if err != nil {
			return err
		}
		if out.json() {
			return out.encode(logs)
		}
		tw := tabwriter.NewWriter(out.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FILE\tSTAGE\tNAME\tRECORDED\tSTATUS")
		for _, l := range logs {
			last := l.Last()
			if last == nil {
				continue
			}
			status := "-"
			if last.Stage == stages.Terminated {
				if s, ok := last.Details["status"].(string); ok {
					status = s
				}
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", l.FileID, last.Stage, last.Name,
				last.RecordedAt.Format("2006-01-02 15:04:05"), status)
		}
		return tw.Flush()
	})
}

// runClear deletes every stage log and every stored receipt. Employee
// profiles are kept.
func runClear(ctx context.Context, out output, stderr io.Writer, configPath string) error {
	return withApp(ctx, stderr, configPath, func(a *app) error {
		files, err := a.stageLog.Clear(ctx)
		if err != nil {
			return err
		}
		stored, err := a.receipts.Clear(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("data cleared", "file_logs", files, "receipts", stored)
		if out.json() {
			return out.encode(map[string]int{"file_logs": files, "receipts": stored})
		}
		fmt.Fprintf(out.w, "cleared %d file logs and %d stored receipts\n", files, stored)
		return nil
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
