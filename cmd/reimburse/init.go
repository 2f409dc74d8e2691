package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nugget/reimburse-agent/examples"
	defaultrules "github.com/nugget/reimburse-agent/rules"
)

// runInit initializes a working directory with the example config,
// the example employee seed file and editable copies of the built-in
// policies. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing reimburse workspace in %s\n", dir)

	for _, sub := range []string{"data", "rules"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config carries SMTP and API credentials.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), examples.ConfigYAML, 0o600); err != nil {
		return err
	}
	if err := writeIfMissing(w, filepath.Join(dir, "employees.json"), examples.EmployeesJSON, 0o644); err != nil {
		return err
	}

	err := fs.WalkDir(defaultrules.Files, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}

		content, err := defaultrules.Files.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", path, err)
		}
		return writeIfMissing(w, filepath.Join(dir, "rules", d.Name()), content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("install policies: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, set rules_dir: ./rules to use the copied policies,")
	fmt.Fprintln(w, "then load employees with: reimburse seed employees.json")
	return nil
}

// writeIfMissing creates path with content and perm unless it already
// exists, reporting either outcome on w. The check and the create are
// one O_EXCL open.
func writeIfMissing(w io.Writer, path string, content []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(w, "  · %s (exists, skipping)\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
