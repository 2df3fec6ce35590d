// Package testutil provides test utilities for code that calls models.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360studio/nova/llm"
)

// Reply is one scripted model answer.
type Reply struct {
	Content string
	Err     error
}

// MockClient is a thread-safe scripted model client. Replies are queued per
// role and consumed in order.
//
// Usage:
//
//	mock := testutil.NewMockClient()
//	mock.Queue("implementer",
//	    testutil.Reply{Content: "not json"},
//	    testutil.Reply{Content: `{"status":"complete","summary":"done"}`},
//	)
//	mock.Queue("validator", testutil.Reply{Err: llm.NewTransientError(errors.New("503"))})
type MockClient struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []llm.Request

	// OnCall, when set, runs before each reply is returned. Tests use it to
	// block or observe concurrency.
	OnCall func(ctx context.Context, req llm.Request)
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{replies: make(map[string][]Reply)}
}

// Queue appends replies for a role.
func (m *MockClient) Queue(role string, replies ...Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[role] = append(m.replies[role], replies...)
}

// Complete returns the next scripted reply for the request's role.
func (m *MockClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	hook := m.OnCall
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.replies[req.Role]
	if len(queue) == 0 {
		return nil, llm.NewFatalError(fmt.Errorf("no scripted reply for role %s", req.Role))
	}
	reply := queue[0]
	m.replies[req.Role] = queue[1:]

	if reply.Err != nil {
		return nil, reply.Err
	}
	return &llm.Response{Content: reply.Content, Model: "mock-" + req.Role, RequestID: fmt.Sprintf("mock-%d", len(m.calls))}, nil
}

// Calls returns the requests received for a role, or all requests when role
// is empty.
func (m *MockClient) Calls(role string) []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []llm.Request
	for _, c := range m.calls {
		if role == "" || c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

