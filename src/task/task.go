// Package task implements razel's built-in, in-process task handlers:
// type-checked convenience operations (ensure-equal, csv-concat,
// write-file, ...) that consume and produce files without spawning a
// process. Each is a pure-ish function from (args, inputs) to outputs and
// a pass/fail result, run by the sandbox runner in place of an exec call
// whenever an Action's TaskKind is set.
package task

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// A Handler runs one task invocation rooted at dir (the action's sandbox
// or workspace directory, same convention a CustomCommand's cwd uses).
// args are the task's ordered arguments (already flattened by the loader);
// outputs are the action's declared output paths, relative to dir.
type Handler func(dir string, args, outputs []string) error

// Handlers maps a razel.jsonl "task" identifier to its implementation.
var Handlers = map[string]Handler{
	"write-file":       writeFile,
	"csv-concat":       csvConcat,
	"ensure-equal":     ensureEqual,
	"ensure-not-equal": ensureNotEqual,
}

// Run dispatches to the handler named by kind, or an error if none is
// registered.
func Run(kind, dir string, args, outputs []string) error {
	h, ok := Handlers[kind]
	if !ok {
		return fmt.Errorf("unknown task %q", kind)
	}
	return h(dir, args, outputs)
}

// writeFile writes each arg as one line to its single declared output.
func writeFile(dir string, args, outputs []string) error {
	if len(outputs) != 1 {
		return fmt.Errorf("write-file requires exactly one output, got %d", len(outputs))
	}
	var buf bytes.Buffer
	for _, line := range args {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return writeOutput(dir, outputs[0], buf.Bytes())
}

// csvConcat concatenates one or more CSV files (args, in order) into a
// single declared output, keeping the header row of the first file and
// dropping it from every subsequent file so a repeated header doesn't
// appear as a spurious data row.
func csvConcat(dir string, args, outputs []string) error {
	if len(outputs) != 1 {
		return fmt.Errorf("csv-concat requires exactly one output, got %d", len(outputs))
	}
	if len(args) == 0 {
		return fmt.Errorf("csv-concat requires at least one input file")
	}
	var buf bytes.Buffer
	for i, rel := range args {
		lines, err := readLines(filepath.Join(dir, rel))
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}
		if i > 0 && len(lines) > 0 {
			lines = lines[1:] // drop the repeated header
		}
		for _, line := range lines {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
	return writeOutput(dir, outputs[0], buf.Bytes())
}

// ensureEqual compares exactly two files byte-for-byte and fails if they
// differ.
func ensureEqual(dir string, args, outputs []string) error {
	a, b, err := readPair(dir, args)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return fmt.Errorf("ensure-equal: %s and %s differ", args[0], args[1])
	}
	return nil
}

// ensureNotEqual compares exactly two files and fails if they are
// byte-identical. Per the decided Open Question, commands-vs-commands
// comparison is per-pair ensureNotEqual, not ensureEqual.
func ensureNotEqual(dir string, args, outputs []string) error {
	a, b, err := readPair(dir, args)
	if err != nil {
		return err
	}
	if bytes.Equal(a, b) {
		return fmt.Errorf("ensure-not-equal: %s and %s are identical", args[0], args[1])
	}
	return nil
}

func readPair(dir string, args []string) ([]byte, []byte, error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("expected exactly two file arguments, got %d", len(args))
	}
	a, err := os.ReadFile(filepath.Join(dir, args[0]))
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", args[0], err)
	}
	b, err := os.ReadFile(filepath.Join(dir, args[1]))
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", args[1], err)
	}
	return a, b, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func writeOutput(dir, rel string, data []byte) error {
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0644)
}
