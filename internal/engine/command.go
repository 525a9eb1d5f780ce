package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// stderrTail bounds how much of a failing command's stderr is kept in the
// job's error message.
const stderrTail = 512

// Command is an Engine that delegates to an external program: the job input
// is written to the program's stdin as JSON, and stdout must be a single
// JSON document used as the result. A non-zero exit is a job failure.
type Command struct {
	argv []string
}

// NewCommand builds a subprocess engine from argv. The slice must contain
// at least the program name.
func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &Command{argv: argv}, nil
}

// Execute runs the program once. The context bounds the whole run; on
// deadline the process is killed and the job fails.
func (c *Command) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("engine %s: %w", c.argv[0], ctxErr)
		}
		return nil, fmt.Errorf("engine %s: %v: %s", c.argv[0], err, tail(stderr.String()))
	}

	result := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(result) {
		return nil, fmt.Errorf("engine %s: stdout is not valid JSON", c.argv[0])
	}
	return json.RawMessage(result), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
