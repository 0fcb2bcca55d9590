package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"class-chat-backend/internal/ai"
	"class-chat-backend/models"
)

// scriptedStream emits the given tokens with an optional delay before
// the first one, then returns their concatenation.
type scriptedStream struct {
	tokens []string
	delay  time.Duration
	err    error
}

func (s *scriptedStream) GenerateStream(ctx context.Context, req ai.GenerateRequest, onToken func(string)) (string, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	var full string
	for _, tok := range s.tokens {
		full += tok
		onToken(tok)
	}
	return full, s.err
}

func doneEvent(answer string, genErr error) models.StreamEvent {
	if genErr != nil {
		return models.StreamEvent{Type: models.EventError, Message: genErr.Error()}
	}
	return models.StreamEvent{Type: models.EventDone, Message: answer}
}

func TestPumpTokenOrderAndDone(t *testing.T) {
	gen := &scriptedStream{tokens: []string{"The ", "cell ", "membrane."}}
	bridge := RunStream(gen, ai.GenerateRequest{}, time.Second)

	var events []models.StreamEvent
	answer, err := bridge.Pump(func(ev models.StreamEvent) error {
		events = append(events, ev)
		return nil
	}, doneEvent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "The cell membrane." {
		t.Fatalf("answer = %q", answer)
	}

	if len(events) != 4 {
		t.Fatalf("expected 3 tokens plus done, got %d events", len(events))
	}
	for i, want := range []string{"The ", "cell ", "membrane."} {
		if events[i].Type != models.EventToken || events[i].Content != want {
			t.Errorf("event %d = %+v, want token %q", i, events[i], want)
		}
	}
	last := events[len(events)-1]
	if last.Type != models.EventDone || last.Message != "The cell membrane." {
		t.Errorf("final event should be done with the full answer: %+v", last)
	}
}

func TestPumpKeepaliveOnStall(t *testing.T) {
	gen := &scriptedStream{tokens: []string{"late"}, delay: 150 * time.Millisecond}
	bridge := RunStream(gen, ai.GenerateRequest{}, 25*time.Millisecond)

	keepalives := 0
	sawTokenAfterKeepalive := false
	_, err := bridge.Pump(func(ev models.StreamEvent) error {
		switch ev.Type {
		case models.EventKeepalive:
			keepalives++
		case models.EventToken:
			if keepalives > 0 {
				sawTokenAfterKeepalive = true
			}
		}
		return nil
	}, doneEvent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if keepalives == 0 {
		t.Fatalf("expected keepalives during the stall")
	}
	if !sawTokenAfterKeepalive {
		t.Errorf("token should still arrive after keepalives")
	}
}

func TestPumpGenerationError(t *testing.T) {
	gen := &scriptedStream{err: errors.New("model unavailable")}
	bridge := RunStream(gen, ai.GenerateRequest{}, time.Second)

	var last models.StreamEvent
	_, err := bridge.Pump(func(ev models.StreamEvent) error {
		last = ev
		return nil
	}, doneEvent)
	if err == nil {
		t.Fatalf("generation error should surface from Pump")
	}
	if last.Type != models.EventError {
		t.Errorf("final event should be an error event: %+v", last)
	}
}

func TestPumpErrorAfterPartialAnswer(t *testing.T) {
	gen := &scriptedStream{tokens: []string{"Partial ", "claim [1]"}, err: errors.New("stream cut off")}
	p := &PreparedStream{
		svc:    answerService(),
		bridge: RunStream(gen, ai.GenerateRequest{}, time.Second),
		route:  RouteGeneralQA,
		req:    models.QueryRequest{UserID: "u1", UserQuery: "q"},
	}

	var events []models.StreamEvent
	p.Pump(func(ev models.StreamEvent) error {
		events = append(events, ev)
		return nil
	})

	if len(events) == 0 {
		t.Fatalf("expected events")
	}
	last := events[len(events)-1]
	if last.Type != models.EventError {
		t.Fatalf("a failed generation must end with an error event even after tokens, got %+v", last)
	}
	for _, ev := range events {
		if ev.Type == models.EventDone {
			t.Errorf("partial answer must not be finalized as done: %+v", ev)
		}
	}
}

func TestPumpClientDisconnect(t *testing.T) {
	tokens := make([]string, 200)
	for i := range tokens {
		tokens[i] = "t"
	}
	gen := &scriptedStream{tokens: tokens}
	bridge := RunStream(gen, ai.GenerateRequest{}, time.Second)

	writes := 0
	start := time.Now()
	_, err := bridge.Pump(func(ev models.StreamEvent) error {
		writes++
		if writes >= 3 {
			return errors.New("broken pipe")
		}
		return nil
	}, doneEvent)
	if err == nil {
		t.Fatalf("disconnect should surface as an error")
	}
	// The drain must not block Pump on the remaining tokens.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Pump took %v after disconnect", elapsed)
	}
}
