package stt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MockRecognizer is an in-process backend for development and tests. With no
// Respond func it reports the number of samples it was given.
type MockRecognizer struct {
	// Respond overrides the recognized result.
	Respond func(ctx context.Context, samples []float32, opts Options) (Result, error)
	// InitErrors are returned by successive Initialize calls before succeeding.
	InitErrors []error

	mu         sync.Mutex
	initCalls  int
	recognized atomic.Int64
}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

func (m *MockRecognizer) Initialize(ctx context.Context, modelID string, _ Options) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	if m.initCalls <= len(m.InitErrors) {
		return nil, m.InitErrors[m.initCalls-1]
	}
	return &mockHandle{parent: m, model: modelID}, nil
}

// InitCalls reports how many times Initialize ran.
func (m *MockRecognizer) InitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCalls
}

// Recognized reports how many Recognize calls reached the backend.
func (m *MockRecognizer) Recognized() int64 {
	return m.recognized.Load()
}

type mockHandle struct {
	parent *MockRecognizer
	model  string
	closed atomic.Bool
}

func (h *mockHandle) Model() string { return h.model }

func (h *mockHandle) Recognize(ctx context.Context, samples []float32, opts Options) (Result, error) {
	if h.closed.Load() {
		return Result{}, fmt.Errorf("mock handle %q: %w", h.model, ErrNotReady)
	}
	h.parent.recognized.Add(1)
	if h.parent.Respond != nil {
		return h.parent.Respond(ctx, samples, opts)
	}
	return Result{Text: fmt.Sprintf("mock transcript samples=%d", len(samples))}, nil
}

func (h *mockHandle) Close() error {
	h.closed.Store(true)
	return nil
}
