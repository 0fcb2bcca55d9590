package services

import (
	"context"
	"sync"
	"time"

	"class-chat-backend/internal/ai"
)

// okReserver always grants the reservation.
type okReserver struct{}

func (okReserver) TryAcquire(ctx context.Context, n int, maxWait time.Duration) bool { return true }

// busyReserver never grants the reservation.
type busyReserver struct{}

func (busyReserver) TryAcquire(ctx context.Context, n int, maxWait time.Duration) bool { return false }

// fakeEmbedder returns deterministic vectors sized to the request. Set
// err to force failures; calls counts batch requests.
type fakeEmbedder struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// fakeGen replays canned output, optionally via a per-call function.
type fakeGen struct {
	mu    sync.Mutex
	out   string
	err   error
	fn    func(call int, req ai.GenerateRequest) (string, error)
	calls int
}

func (f *fakeGen) Generate(ctx context.Context, req ai.GenerateRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(call, req)
	}
	return f.out, f.err
}

func (f *fakeGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
