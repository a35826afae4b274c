package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"scribe.town/db"
	"scribe.town/etc"
)

// Segmenter plans windows for a recording and materializes each one as a
// chunk file plus a pending chunk row.
type Segmenter struct {
	Config Config
	Store  *db.DB
	Logger *log.Logger

	cmd commandRunner
}

func NewSegmenter(cfg Config, store *db.DB, logger *log.Logger) *Segmenter {
	return &Segmenter{
		Config: cfg,
		Store:  store,
		Logger: logger,
		cmd:    osCommandRunner{},
	}
}

// Segment chunks one recording. Planning degrades from speech-aware to
// time-based to a single full-file window; extraction failures skip the
// window rather than aborting. The result is never empty: total failure
// yields one degenerate chunk spanning the whole file.
func (s *Segmenter) Segment(ctx context.Context, rec db.Recording) ([]db.Chunk, error) {
	duration := rec.Duration
	if duration <= 0 {
		duration = probeDuration(ctx, s.cmd, rec.FilePath, rec.FileSize)
		if err := s.Store.SetRecordingDuration(rec.ID, duration); err != nil {
			s.Logger.Warn("failed to persist probed duration", "recording", rec.ID, "error", err)
		}
	}

	windows := s.plan(ctx, rec, duration)
	if len(windows) == 0 {
		windows = []Window{{Start: 0, End: duration}}
	}

	chunkDir := ChunkDir(rec.FilePath)
	if err := os.MkdirAll(chunkDir, 0755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}

	var chunks []db.Chunk
	for idx, w := range windows {
		chunkPath := filepath.Join(chunkDir, ChunkFileName(idx, w))

		if err := extract(ctx, s.cmd, rec.FilePath, chunkPath, w); err != nil {
			s.Logger.Error("failed to extract chunk, skipping",
				"recording", rec.ID, "index", idx, "error", err)
			continue
		}

		var size int64
		if info, err := os.Stat(chunkPath); err == nil {
			size = info.Size()
		}

		chunk := db.Chunk{
			ID:        etc.NewFreshID(),
			Recording: rec.ID,
			Index:     idx,
			StartTime: w.Start,
			EndTime:   w.End,
			Duration:  w.End - w.Start,
			FilePath:  chunkPath,
			FileSize:  size,
			Status:    db.StatusPending,
		}
		if err := s.Store.CreateChunk(chunk); err != nil {
			return nil, fmt.Errorf("create chunk %d: %w", idx, err)
		}
		chunks = append(chunks, chunk)

		s.Logger.Info("created chunk",
			"recording", rec.ID, "index", idx,
			"start", w.Start, "end", w.End)
	}

	if len(chunks) == 0 {
		// Extraction failed everywhere. Schedule the source file itself as
		// one chunk so downstream code never sees a zero-chunk recording.
		chunk := db.Chunk{
			ID:        etc.NewFreshID(),
			Recording: rec.ID,
			Index:     0,
			StartTime: 0,
			EndTime:   duration,
			Duration:  duration,
			FilePath:  rec.FilePath,
			FileSize:  rec.FileSize,
			Status:    db.StatusPending,
		}
		if err := s.Store.CreateChunk(chunk); err != nil {
			return nil, fmt.Errorf("create fallback chunk: %w", err)
		}
		chunks = append(chunks, chunk)
		s.Logger.Warn("all extractions failed, scheduling whole file as one chunk",
			"recording", rec.ID)
	}

	return chunks, nil
}

func (s *Segmenter) plan(ctx context.Context, rec db.Recording, duration float64) []Window {
	intervals, err := detectSpeechIntervals(ctx, s.cmd, rec.FilePath)
	if err != nil {
		s.Logger.Warn("speech detection failed, using time-based windows",
			"recording", rec.ID, "error", err)
		return s.Config.PlanByTime(duration)
	}
	return s.Config.Plan(duration, intervals)
}

// CleanupChunkFiles removes a recording's extracted chunk files and their
// directory. Chunk rows are deleted separately by the store.
func CleanupChunkFiles(chunks []db.Chunk) {
	for _, c := range chunks {
		if c.FilePath == "" || filepath.Base(filepath.Dir(c.FilePath)) != "chunks" {
			continue
		}
		if err := os.Remove(c.FilePath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove chunk file", "path", c.FilePath, "error", err)
		}
	}
	if len(chunks) > 0 && chunks[0].FilePath != "" {
		dir := filepath.Dir(chunks[0].FilePath)
		if filepath.Base(dir) == "chunks" {
			_ = os.Remove(dir)
		}
	}
}
