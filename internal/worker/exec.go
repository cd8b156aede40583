package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ExecInvoker invokes a local worker process per request: the request JSON
// goes to stdin, the reply is read from stdout.
type ExecInvoker struct {
	command string
	procMgr *ProcessManager
}

// NewExecInvoker creates an invoker running the given command. The
// ProcessManager is optional; if nil, subprocesses are not tracked.
func NewExecInvoker(command string, pm *ProcessManager) *ExecInvoker {
	return &ExecInvoker{command: command, procMgr: pm}
}

// Invoke runs one subprocess and parses its stdout.
func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	cmd := newCommand(ctx, e.command)
	cmd.Stdin = bytes.NewReader(payload)

	stdout, stderr, err := runCommand(ctx, cmd, e.procMgr)
	if err != nil {
		return Response{}, fmt.Errorf("worker process failed: %w", err)
	}

	resp, err := ParseResponse(stdout)
	if err != nil {
		var se *StructuralError
		if errors.As(err, &se) && len(stderr) > 0 {
			se.Reason = fmt.Sprintf("%s (stderr: %s)", se.Reason, string(stderr))
		}
		return Response{}, err
	}
	return resp, nil
}

// Close is a no-op: the invoker runs one subprocess per request.
func (e *ExecInvoker) Close() error { return nil }
