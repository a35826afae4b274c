package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"scribe.town/db"
	"scribe.town/segment"
	"scribe.town/stt"
)

// DefaultChunkThreshold is the file size above which a recording is split
// into chunks instead of transcribed in one call.
const DefaultChunkThreshold = 100 * 1024 * 1024

// Runner ties the segmenter, the scheduler and the store together into the
// two transcription paths: chunked for large files, single-unit for small
// ones.
type Runner struct {
	Store          *db.DB
	Registry       *Registry
	Segmenter      *segment.Segmenter
	EngineFor      func(db.Recording) stt.Transcriber
	ChunkThreshold int64
	Logger         *log.Logger
}

// Process transcribes one recording. Small files go straight through the
// invoker with the long single-file timeout and never create chunk rows;
// large files are segmented and fed to the recording's scheduler session.
func (r *Runner) Process(ctx context.Context, rec db.Recording) error {
	threshold := r.ChunkThreshold
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}

	if rec.FileSize > 0 && rec.FileSize <= threshold {
		return r.processWhole(ctx, rec)
	}
	return r.processChunked(ctx, rec)
}

func (r *Runner) processWhole(ctx context.Context, rec db.Recording) error {
	r.Logger.Info("transcribing as single unit",
		"recording", rec.ID, "size", rec.FileSize)

	if err := r.Store.SetTranscriptStatus(rec.ID, db.StatusProcessing, 0); err != nil {
		return fmt.Errorf("mark transcript processing: %w", err)
	}

	text, err := stt.Invoke(ctx, r.EngineFor(rec),
		rec.FilePath, rec.Language, stt.SingleFileTimeout)
	if err != nil {
		if failErr := r.Store.FailTranscript(rec.ID, err.Error()); failErr != nil {
			r.Logger.Error("failed to record transcript failure", "error", failErr)
		}
		if errors.Is(err, stt.ErrTimedOut) {
			r.Logger.Error("single-unit transcription timed out", "recording", rec.ID)
		}
		return fmt.Errorf("transcribe %s: %w", rec.ID, err)
	}

	if err := r.Store.UpdateTranscript(rec.ID, text, db.StatusCompleted, 100); err != nil {
		return fmt.Errorf("store transcript: %w", err)
	}

	r.Logger.Info("single-unit transcription completed",
		"recording", rec.ID, "chars", len(text))
	return nil
}

func (r *Runner) processChunked(ctx context.Context, rec db.Recording) error {
	r.Logger.Info("transcribing with chunk pipeline",
		"recording", rec.ID, "size", rec.FileSize)

	if err := r.Store.SetTranscriptStatus(rec.ID, db.StatusProcessing, 0); err != nil {
		return fmt.Errorf("mark transcript processing: %w", err)
	}

	session := r.Registry.GetOrCreate(rec)
	session.Start()

	chunks, err := r.Segmenter.Segment(ctx, rec)
	if err != nil {
		if failErr := r.Store.FailTranscript(rec.ID, err.Error()); failErr != nil {
			r.Logger.Error("failed to record transcript failure", "error", failErr)
		}
		// No chunks are coming, so the session has nothing to wait for. Drop
		// it here or its dispatch loop polls the store forever.
		r.Registry.Remove(rec.ID)
		return fmt.Errorf("segment %s: %w", rec.ID, err)
	}

	for _, chunk := range chunks {
		session.Enqueue(chunk)
	}
	session.MarkSegmentationComplete(len(chunks))

	return nil
}
