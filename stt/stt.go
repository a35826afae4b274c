// Package stt wraps the transcription engines behind one Transcriber
// interface and bounds every call with a hard wall-clock timeout.
package stt

import (
	"context"
	"errors"
	"time"
)

// Transcriber turns one audio file into text. Implementations should honor
// ctx cancellation where the underlying engine allows it.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, language string) (string, error)
}

var (
	// ErrTimedOut reports that the invoker's wall-clock timeout expired. The
	// underlying worker is abandoned, not killed; its eventual result, if
	// any, is discarded.
	ErrTimedOut = errors.New("transcription timed out")

	// ErrNonRetriable marks provider failures that must not be retried,
	// such as HTTP 400/401/403 responses.
	ErrNonRetriable = errors.New("non-retriable transcription error")
)

// Timeouts for the two invocation paths: chunks inside the orchestrated
// pipeline get the short bound, a bare single-file call the long one.
const (
	ChunkTimeout      = 90 * time.Second
	SingleFileTimeout = 300 * time.Second
)

type result struct {
	text string
	err  error
}

// Invoke runs t.Transcribe on its own goroutine and waits at most timeout.
// On expiry the caller gets ErrTimedOut immediately; the worker keeps the
// derived context, which cooperative engines use to stop early, and any late
// result is discarded.
func Invoke(ctx context.Context, t Transcriber, audioPath, language string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)

	ch := make(chan result, 1)
	go func() {
		defer cancel()
		text, err := t.Transcribe(cctx, audioPath, language)
		ch <- result{text: text, err: err}
	}()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimedOut
		}
		return "", cctx.Err()
	}
}
