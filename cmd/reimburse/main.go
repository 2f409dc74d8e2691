// Reimburse runs receipt reimbursement requests through a tool-calling
// model agent.
//
// Each receipt image is classified and read by a vision model, checked
// against earlier receipts for likely duplicates, and then handed to a
// decision loop that looks up the employee, adjusts their expense
// budget and emails the outcome. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	reimburse process -employee <id> <image>...   Process receipt images
//	reimburse employees                           List employees and totals
//	reimburse add-employee <id> <file.json>       Add or replace one employee
//	reimburse seed <file>                         Load employees from JSON or YAML
//	reimburse files                               Show the stage log of every file
//	reimburse clear                               Delete stage logs and stored receipts
//	reimburse init [dir]                          Initialize a working directory
//	reimburse version                             Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/reimburse-agent/internal/buildinfo"
	"github.com/nugget/reimburse-agent/internal/config"
)

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Command output goes to stdout and
// structured logs to stderr, so "-o json" output can be piped.
//
// Arguments are parsed by hand; the flag package keeps global state
// that gets in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	out := output{w: stdout, format: outputFmt}

	switch command {
	case "process":
		return runProcess(ctx, out, stderr, configPath, cmdArgs)
	case "employees":
		return runEmployees(ctx, out, stderr, configPath)
	case "add-employee":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: reimburse add-employee <id> <file.json>")
		}
		return runAddEmployee(ctx, out, stderr, configPath, cmdArgs[0], cmdArgs[1])
	case "seed":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: reimburse seed <file.json|file.yaml>")
		}
		return runSeed(ctx, out, stderr, configPath, cmdArgs[0])
	case "files":
		return runFiles(ctx, out, stderr, configPath)
	case "clear":
		return runClear(ctx, out, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(out)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// output writes command results as text or JSON.
type output struct {
	w      io.Writer
	format string
}

func (o output) json() bool { return o.format == "json" }

func (o output) encode(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runVersion prints build metadata in the requested output format.
func runVersion(out output) error {
	info := buildinfo.Info()
	if out.json() {
		return out.encode(info)
	}
	fmt.Fprintln(out.w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(out.w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Reimburse - receipt reimbursement agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: reimburse [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  process -employee <id> <image>...  Process receipt images")
	fmt.Fprintln(w, "  employees                         List employees and expense totals")
	fmt.Fprintln(w, "  add-employee <id> <file.json>     Add or replace one employee")
	fmt.Fprintln(w, "  seed <file>                       Load employees from a JSON or YAML file")
	fmt.Fprintln(w, "  files                             Show the stage log of every processed file")
	fmt.Fprintln(w, "  clear                             Delete stage logs and stored receipts")
	fmt.Fprintln(w, "  init [dir]                        Initialize working directory (default: .)")
	fmt.Fprintln(w, "  version                           Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" selects text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file and builds
// a logger at the configured level and format.
func loadConfig(explicit string, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath, "model", cfg.Models.Default, "store", cfg.Store.Path)
	return cfg, logger, nil
}
