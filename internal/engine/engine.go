// Package engine defines the execution engine contract: the opaque function
// that turns a job's input into a result. The queue core never interprets
// the payloads; only an Engine does.
package engine

import (
	"context"
	"encoding/json"
)

// Engine executes one job input and returns its result, or an error with a
// human-readable message. Engines must not persist anything themselves —
// all job state flows back through the job store.
type Engine interface {
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Func adapts a plain function to the Engine interface.
type Func func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}
