package ai

import (
	"context"
	"sync"
	"time"
)

// MockGenerator replays scripted fragments. It is used by tests and by the
// server when no LLM provider is configured in dev mode.
type MockGenerator struct {
	// Fragments are emitted in order.
	Fragments []string
	// Err, when set, is reported after all fragments were emitted.
	Err error
	// Delay is slept before every fragment.
	Delay time.Duration
	// Hold, when non-nil, blocks generation after the fragments until it is closed or ctx ends.
	Hold chan struct{}

	mu      sync.Mutex
	calls   int
	history []Message
}

func (m *MockGenerator) Generate(ctx context.Context, _ string, history []Message) (<-chan string, <-chan error) {
	m.mu.Lock()
	m.calls++
	m.history = append([]Message(nil), history...)
	m.mu.Unlock()

	contentChan := make(chan string)
	errChan := make(chan error, 1)
	go func() {
		defer close(contentChan)
		defer close(errChan)

		for _, fragment := range m.Fragments {
			if m.Delay > 0 {
				select {
				case <-time.After(m.Delay):
				case <-ctx.Done():
					errChan <- ctx.Err()
					return
				}
			}
			select {
			case contentChan <- fragment:
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			}
		}
		if m.Hold != nil {
			select {
			case <-m.Hold:
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			}
		}
		if m.Err != nil {
			errChan <- m.Err
		}
	}()
	return contentChan, errChan
}

// Calls returns how many generations were started.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastHistory returns the history passed to the most recent generation.
func (m *MockGenerator) LastHistory() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.history...)
}
