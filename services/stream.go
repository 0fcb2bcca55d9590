package services

import (
	"context"
	"time"

	"class-chat-backend/internal/ai"
	"class-chat-backend/internal/logger"
	"class-chat-backend/models"
)

// StreamGenerator issues a streaming model call, invoking the callback
// per text delta.
type StreamGenerator interface {
	GenerateStream(ctx context.Context, req ai.GenerateRequest, onToken func(string)) (string, error)
}

// EventWriter delivers one SSE event to the client. A non-nil error
// means the client is gone.
type EventWriter func(event models.StreamEvent) error

type streamResult struct {
	answer string
	err    error
}

// StreamBridge connects a background model stream to the outbound SSE
// loop through a bounded token queue. Receive timeouts emit keepalives
// so upstream proxies do not cut idle connections.
type StreamBridge struct {
	tokens            chan string
	result            chan streamResult
	keepaliveInterval time.Duration
}

// RunStream starts generation in the background. The generation context
// is detached from the request: a client disconnect does not cancel the
// model call, so reserved tokens always correspond to actual work.
func RunStream(gen StreamGenerator, req ai.GenerateRequest, keepaliveInterval time.Duration) *StreamBridge {
	b := &StreamBridge{
		tokens:            make(chan string, 64),
		result:            make(chan streamResult, 1),
		keepaliveInterval: keepaliveInterval,
	}
	go func() {
		answer, err := gen.GenerateStream(context.Background(), req, func(token string) {
			b.tokens <- token
		})
		close(b.tokens)
		b.result <- streamResult{answer: answer, err: err}
	}()
	return b
}

// Pump drives the SSE loop: token events as they arrive, a keepalive on
// each receive timeout, then exactly one final event built by finish
// from the full answer (or the generation error). Pump returns the full
// answer; on client disconnect it drains the stream in the background
// and returns early.
func (b *StreamBridge) Pump(write EventWriter, finish func(answer string, genErr error) models.StreamEvent) (string, error) {
	keepalives := 0
	timer := time.NewTimer(b.keepaliveInterval)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.keepaliveInterval)

		select {
		case token, ok := <-b.tokens:
			if !ok {
				res := <-b.result
				final := finish(res.answer, res.err)
				if err := write(final); err != nil {
					return res.answer, err
				}
				return res.answer, res.err
			}
			if err := write(models.StreamEvent{Type: models.EventToken, Content: token}); err != nil {
				b.drain()
				return "", err
			}
		case <-timer.C:
			keepalives++
			if keepalives%10 == 0 {
				logger.Info("Still generating", "keepalives", keepalives)
			}
			if err := write(models.StreamEvent{Type: models.EventKeepalive}); err != nil {
				b.drain()
				return "", err
			}
		}
	}
}

// drain lets the background generation finish after a disconnect so
// uncollected tokens are not orphaned for long.
func (b *StreamBridge) drain() {
	go func() {
		for range b.tokens {
		}
		<-b.result
	}()
}
