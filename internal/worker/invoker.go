package worker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request is one unit of work sent to a worker endpoint. The engine treats
// the content as opaque; only the dispatcher's retry and timeout semantics
// apply regardless of transport.
type Request struct {
	TaskID       string            `json:"task_id"`
	Instructions string            `json:"instructions"`
	Context      map[string]string `json:"context,omitempty"`
}

// Call is one structured tool call returned by a worker.
type Call struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is a worker's reply. Err carries task-level failure reported by
// the worker itself, as opposed to transport errors.
type Response struct {
	Content string `json:"content"`
	Calls   []Call `json:"calls,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Invoker sends a request to one worker endpoint over some transport.
type Invoker interface {
	// Invoke performs the remote call. Transport failures return an error;
	// worker-reported failures come back in Response.Err.
	Invoke(ctx context.Context, req Request) (Response, error)

	// Close releases transport resources.
	Close() error
}

// TransportConfig selects and parameterizes an invoker.
type TransportConfig struct {
	Type    string `json:"type"`               // "http", "nats", or "exec"
	Address string `json:"address"`            // URL, NATS subject, or binary path
	NATSURL string `json:"nats_url,omitempty"` // Server URL for the nats transport
}

// NewInvoker builds an invoker for the given transport. This factory
// switches on cfg.Type and returns the matching adapter.
func NewInvoker(cfg TransportConfig, pm *ProcessManager) (Invoker, error) {
	switch cfg.Type {
	case "http":
		return NewHTTPInvoker(cfg.Address), nil
	case "nats":
		return NewNATSInvoker(cfg.NATSURL, cfg.Address)
	case "exec":
		return NewExecInvoker(cfg.Address, pm), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
}
