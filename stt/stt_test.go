package stt

import (
	"context"
	"errors"
	"testing"
	"time"
)

type MockTranscriber struct {
	Text  string
	Err   error
	Delay time.Duration
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audioPath string, language string) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.Text, m.Err
}

func TestInvokeSuccess(t *testing.T) {
	engine := &MockTranscriber{Text: "hello world"}

	text, err := Invoke(context.Background(), engine, "audio.wav", "", time.Second)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Expected %q, got %q", "hello world", text)
	}
}

func TestInvokePropagatesEngineError(t *testing.T) {
	engineErr := errors.New("model not found")
	engine := &MockTranscriber{Err: engineErr}

	_, err := Invoke(context.Background(), engine, "audio.wav", "", time.Second)
	if !errors.Is(err, engineErr) {
		t.Errorf("Expected engine error, got %v", err)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	engine := &MockTranscriber{Text: "too late", Delay: time.Hour}

	start := time.Now()
	_, err := Invoke(context.Background(), engine, "audio.wav", "", 50*time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Expected ErrTimedOut, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("Invoke returned after %v, expected prompt timeout", elapsed)
	}
}

func TestInvokeHonorsCallerCancellation(t *testing.T) {
	engine := &MockTranscriber{Text: "never", Delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Invoke(ctx, engine, "audio.wav", "", time.Hour)
	if err == nil {
		t.Fatal("Expected an error after caller cancellation")
	}
	if errors.Is(err, ErrTimedOut) {
		t.Errorf("Cancellation must not be reported as a timeout, got %v", err)
	}
}
