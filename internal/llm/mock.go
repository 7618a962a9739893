package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the Client interface. Fn, when set, takes
// precedence over Response and Err.
type MockClient struct {
	Response *Response
	Err      error
	Fn       func(ctx context.Context, prompt string) (*Response, error)

	mu    sync.Mutex
	Calls []string // records prompts sent
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, prompt)
	m.mu.Unlock()

	if m.Fn != nil {
		return m.Fn(ctx, prompt)
	}
	return m.Response, m.Err
}

// CallCount returns the number of prompts received so far.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
