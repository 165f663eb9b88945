package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/google/shlex"
)

// expandResponseFiles rewrites any "@path/to/file" argument into the
// tokens its contents expand to, so an action whose argv was built long
// (piped through a response file to dodge an argv length limit) runs with
// its real arguments once it's actually exec'd.
func expandResponseFiles(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if !strings.HasPrefix(arg, "@") || len(arg) < 2 {
			out = append(out, arg)
			continue
		}
		path := arg[1:]
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading response file %s: %w", path, err)
		}
		tokens, err := shlex.Split(string(contents))
		if err != nil {
			return nil, fmt.Errorf("tokenising response file %s: %w", path, err)
		}
		out = append(out, tokens...)
	}
	return out, nil
}

// writeResponseFile writes args, shell-quoted one per line, to a response
// file under dir and returns the "@path" argument that refers to it.
func writeResponseFile(dir, name string, args []string) (string, error) {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellescape.Quote(a)
	}
	path := filepath.Join(dir, name+".rsp")
	if err := os.WriteFile(path, []byte(strings.Join(quoted, "\n")), 0644); err != nil {
		return "", fmt.Errorf("writing response file %s: %w", path, err)
	}
	return "@" + path, nil
}
