package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSInvoker invokes a worker over NATS request/reply. The endpoint
// address is the subject the worker listens on.
type NATSInvoker struct {
	conn    *nats.Conn
	subject string
}

// NewNATSInvoker connects to the NATS server and targets the subject.
func NewNATSInvoker(url, subject string) (*NATSInvoker, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSInvoker{conn: conn, subject: subject}, nil
}

// Invoke publishes the request and waits for a single reply.
func (n *NATSInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	msg, err := n.conn.RequestWithContext(ctx, n.subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return Response{}, fmt.Errorf("no worker listening on %s: %w", n.subject, err)
		}
		return Response{}, fmt.Errorf("worker call failed: %w", err)
	}

	return ParseResponse(msg.Data)
}

// Close drains the connection.
func (n *NATSInvoker) Close() error {
	if n.conn == nil || n.conn.IsClosed() {
		return nil
	}
	return n.conn.Drain()
}
