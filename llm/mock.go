package llm

import (
	"context"
	"sync"

	"github.com/n3n-io/n3n/common"
)

// Mock is a scripted Provider for tests. Responses are returned in order;
// every request is recorded for assertions.
type Mock struct {
	mu          sync.Mutex
	responses   []Response
	requests    []Request
	err         error
	unavailable bool
}

// NewMock creates a mock that answers with the given contents in order.
func NewMock(contents ...string) *Mock {
	m := &Mock{}
	for _, c := range contents {
		m.responses = append(m.responses, Response{Content: c, PromptTokens: 10, CompletionTokens: 10})
	}
	return m
}

// Enqueue appends another scripted response.
func (m *Mock) Enqueue(resp Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// Fail makes every subsequent call return err.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Requests returns the recorded calls.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *Mock) Model() string { return "mock" }

func (m *Mock) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unavailable
}

// SetUnavailable toggles the provider's availability for fallback tests.
func (m *Mock) SetUnavailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = v
}

func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, common.NewError(common.CodeTransient, "mock provider has no scripted response")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return &resp, nil
}
