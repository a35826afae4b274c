// Package pipeline schedules chunk transcriptions for active recordings: a
// bounded worker pool per recording, a watchdog that reclaims stuck work, and
// progressive transcript updates after every completion.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"scribe.town/assemble"
	"scribe.town/db"
	"scribe.town/stt"
)

// Clock supplies the watchdog's notion of time; tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config bounds the scheduler. Zero values are replaced by defaults.
type Config struct {
	// MaxConcurrent is the worker pool size per recording.
	MaxConcurrent int
	// ChunkTimeout is the invoker's hard bound per transcription call.
	ChunkTimeout time.Duration
	// StuckThreshold is the watchdog's runtime bound, intentionally larger
	// than ChunkTimeout so the invoker gets to resolve first.
	StuckThreshold time.Duration
	// MaxRetries is how many times a reclaimed chunk is requeued before it
	// is marked permanently failed.
	MaxRetries int
	// WatchdogInterval is the cadence of stuck-work checks.
	WatchdogInterval time.Duration
	// PollTimeout bounds each wait on the pending queue.
	PollTimeout time.Duration
	// SlowThreshold flags a completed chunk as slow; SlowTripCount slow
	// chunks drop the effective concurrency to one.
	SlowThreshold time.Duration
	SlowTripCount int
	// StopWait bounds how long Stop waits for in-flight workers.
	StopWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    2,
		ChunkTimeout:     stt.ChunkTimeout,
		StuckThreshold:   320 * time.Second,
		MaxRetries:       1,
		WatchdogInterval: 5 * time.Second,
		PollTimeout:      time.Second,
		SlowThreshold:    90 * time.Second,
		SlowTripCount:    3,
		StopWait:         10 * time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = def.ChunkTimeout
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	if cfg.SlowTripCount <= 0 {
		cfg.SlowTripCount = def.SlowTripCount
	}
	if cfg.StopWait <= 0 {
		cfg.StopWait = def.StopWait
	}
	return cfg
}

// Info is a snapshot of a session's progress for the status surface.
type Info struct {
	Progress  int    `json:"progress"`
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Active    int    `json:"active"`
	Total     int    `json:"total"`
	Running   bool   `json:"running"`
}

// Session drives transcription for one recording. One long-lived loop pulls
// pending chunks and dispatches each to its own worker goroutine, capped by
// the effective concurrency limit. All mutable state is guarded by mu.
type Session struct {
	rec    db.Recording
	store  *db.DB
	engine stt.Transcriber
	cfg    Config
	logger *log.Logger
	clock  Clock

	mu           sync.Mutex
	pending      chan db.Chunk
	inflight     map[int]time.Time
	retries      map[int]int
	slowChunks   int
	degraded     bool
	segComplete  bool
	expected     int
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastWatchdog time.Time

	workers sync.WaitGroup
}

func NewSession(rec db.Recording, store *db.DB, engine stt.Transcriber, cfg Config, logger *log.Logger) *Session {
	return &Session{
		rec:      rec,
		store:    store,
		engine:   engine,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		clock:    realClock{},
		pending:  make(chan db.Chunk, 512),
		inflight: make(map[int]time.Time),
		retries:  make(map[int]int),
	}
}

// Start launches the dispatch loop. Starting a running session is a no-op.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run()
	s.logger.Info("started session")
}

// Stop signals the loop to stop pulling work and waits up to StopWait for
// in-flight workers to finish naturally. Workers cannot be forcibly killed;
// stragglers are abandoned and their results discarded.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done

	finished := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(s.cfg.StopWait):
		s.logger.Warn("stop timed out waiting for workers, abandoning them")
	}

	s.logger.Info("stopped session")
}

// Enqueue adds a pending chunk to the work queue, starting the session if it
// is not already running.
func (s *Session) Enqueue(chunk db.Chunk) {
	if chunk.Status != db.StatusPending {
		s.logger.Warn("refusing to enqueue non-pending chunk",
			"index", chunk.Index, "status", chunk.Status)
		return
	}

	select {
	case s.pending <- chunk:
		s.logger.Info("queued chunk", "index", chunk.Index, "queued", len(s.pending))
	default:
		s.logger.Error("queue full, dropping chunk", "index", chunk.Index)
		return
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		s.Start()
	}
}

// MarkSegmentationComplete records that the segmenter has produced all
// chunks. The session will not terminate before this is set.
func (s *Session) MarkSegmentationComplete(expected int) {
	s.mu.Lock()
	s.segComplete = true
	s.expected = expected
	s.mu.Unlock()

	counts, err := s.store.CountChunksByStatus(s.rec.ID)
	if err == nil && expected > 0 && counts.Total != expected {
		s.logger.Warn("chunk count differs from segmenter estimate",
			"expected", expected, "actual", counts.Total)
	}
	s.logger.Info("segmentation complete", "expected", expected)
}

// Progress reports the current session state, reading chunk counts from the
// store so the numbers never regress when in-memory tracking resets.
func (s *Session) Progress() Info {
	counts, err := s.store.CountChunksByStatus(s.rec.ID)
	if err != nil {
		s.logger.Error("failed to count chunks", "error", err)
	}

	s.mu.Lock()
	active := len(s.inflight)
	running := s.running
	segDone := s.segComplete
	s.mu.Unlock()

	progress, status := assemble.Progress(counts, segDone)
	return Info{
		Progress:  progress,
		Status:    status,
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Active:    active,
		Total:     counts.Total,
		Running:   running,
	}
}

func (s *Session) run() {
	defer close(s.doneCh)
	s.logger.Info("dispatch loop running")

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.checkStuck()

		if s.inflightCount() >= s.effectiveLimit() {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		select {
		case chunk := <-s.pending:
			s.dispatch(chunk)
		case <-time.After(s.cfg.PollTimeout):
			if s.shouldFinish() {
				s.logger.Info("all chunks terminal, dispatch loop finished")
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Session) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Session) effectiveLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return 1
	}
	return s.cfg.MaxConcurrent
}

// dispatch hands one chunk to a worker goroutine and records its start time
// for the watchdog.
func (s *Session) dispatch(chunk db.Chunk) {
	if err := s.store.MarkChunkProcessing(chunk.Recording, chunk.Index); err != nil {
		s.logger.Error("failed to mark chunk processing", "index", chunk.Index, "error", err)
		return
	}

	start := s.clock.Now()
	s.mu.Lock()
	s.inflight[chunk.Index] = start
	s.mu.Unlock()

	s.workers.Add(1)
	go s.transcribeChunk(chunk, start)

	s.logger.Info("dispatched chunk", "index", chunk.Index)
}

func (s *Session) transcribeChunk(chunk db.Chunk, start time.Time) {
	defer s.workers.Done()

	text, err := stt.Invoke(context.Background(), s.engine,
		chunk.FilePath, s.rec.Language, s.cfg.ChunkTimeout)

	elapsed := s.clock.Now().Sub(start)

	s.mu.Lock()
	recorded, tracked := s.inflight[chunk.Index]
	if !tracked || !recorded.Equal(start) {
		// The watchdog reclaimed this chunk while we were working; the
		// chunk has been requeued or failed already, so this result is
		// discarded.
		s.mu.Unlock()
		s.logger.Warn("discarding result of reclaimed chunk", "index", chunk.Index)
		return
	}
	delete(s.inflight, chunk.Index)
	s.mu.Unlock()

	switch {
	case err == nil && text != "":
		if err := s.store.CompleteChunk(chunk.Recording, chunk.Index, text); err != nil {
			s.logger.Error("failed to record completed chunk", "index", chunk.Index, "error", err)
			return
		}
		s.logger.Info("completed chunk", "index", chunk.Index, "elapsed", elapsed)
		s.noteChunkPace(chunk.Index, elapsed)
		s.updateTranscript()

	case err == nil:
		s.failChunk(chunk, "no transcription text generated")

	default:
		s.failChunk(chunk, err.Error())
	}
}

// failChunk records a chunk failure. One chunk's failure never aborts the
// session; if it was the last outstanding chunk the transcript status is
// re-derived so an all-failed recording surfaces as failed.
func (s *Session) failChunk(chunk db.Chunk, msg string) {
	if err := s.store.FailChunk(chunk.Recording, chunk.Index, msg); err != nil {
		s.logger.Error("failed to record chunk failure", "index", chunk.Index, "error", err)
		return
	}
	s.logger.Error("chunk failed", "index", chunk.Index, "reason", msg)
	s.updateTranscript()
}

func (s *Session) noteChunkPace(index int, elapsed time.Duration) {
	if elapsed <= s.cfg.SlowThreshold {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.slowChunks++
	s.logger.Warn("slow chunk", "index", index, "elapsed", elapsed, "slowCount", s.slowChunks)

	if s.slowChunks >= s.cfg.SlowTripCount && !s.degraded {
		s.degraded = true
		s.logger.Warn("sustained slowness, reducing concurrency to one")
	}
}

// updateTranscript re-merges completed chunks and refreshes the transcript
// row. Merge failures leave the previous text in place.
func (s *Session) updateTranscript() {
	chunks, err := s.store.ChunksByRecording(s.rec.ID)
	if err != nil {
		s.logger.Error("failed to load chunks for reassembly", "error", err)
		return
	}

	counts, err := s.store.CountChunksByStatus(s.rec.ID)
	if err != nil {
		s.logger.Error("failed to count chunks", "error", err)
		return
	}

	s.mu.Lock()
	segDone := s.segComplete
	s.mu.Unlock()

	text := assemble.Merge(chunks)
	progress, status := assemble.Progress(counts, segDone)

	if status == db.StatusFailed {
		lastErr := ""
		for _, c := range chunks {
			if c.Error != "" {
				lastErr = c.Error
			}
		}
		if err := s.store.FailTranscript(s.rec.ID, lastErr); err != nil {
			s.logger.Error("failed to mark transcript failed", "error", err)
		}
		return
	}

	if err := s.store.UpdateTranscript(s.rec.ID, text, status, progress); err != nil {
		s.logger.Error("failed to update transcript", "error", err)
		return
	}

	s.logger.Info("updated transcript",
		"chars", len(text), "status", status, "progress", progress)
}

// checkStuck is the watchdog. It reclaims chunks whose worker has run past
// StuckThreshold, and chunks whose row has sat in processing that long with
// no in-memory tracking (lost after a restart). Reclaimed chunks are retried
// up to MaxRetries times, then permanently failed.
func (s *Session) checkStuck() {
	now := s.clock.Now()

	s.mu.Lock()
	if now.Sub(s.lastWatchdog) < s.cfg.WatchdogInterval {
		s.mu.Unlock()
		return
	}
	s.lastWatchdog = now

	var stuck []int
	for index, start := range s.inflight {
		if now.Sub(start) > s.cfg.StuckThreshold {
			stuck = append(stuck, index)
		}
	}
	s.mu.Unlock()

	stale, err := s.store.StaleProcessingChunks(s.rec.ID, s.cfg.StuckThreshold)
	if err != nil {
		s.logger.Error("watchdog stale query failed", "error", err)
	}
	for _, c := range stale {
		if !containsIndex(stuck, c.Index) {
			s.logger.Warn("found chunk stuck in processing with no live worker", "index", c.Index)
			stuck = append(stuck, c.Index)
		}
	}

	for _, index := range stuck {
		s.reclaim(index)
	}
}

func containsIndex(indices []int, index int) bool {
	for _, i := range indices {
		if i == index {
			return true
		}
	}
	return false
}

// reclaim abandons a stuck chunk's worker and either requeues the chunk or
// marks it permanently failed. The row status is re-read first: a worker may
// have finished between the stuck scan and this call, and a resolved chunk
// must not be reset or failed.
func (s *Session) reclaim(index int) {
	current, err := s.store.GetChunk(s.rec.ID, index)
	if err != nil {
		s.logger.Error("failed to load stuck chunk", "index", index, "error", err)
		return
	}
	if current.Status != db.StatusProcessing {
		s.mu.Lock()
		delete(s.inflight, index)
		s.mu.Unlock()
		s.logger.Info("chunk resolved before reclaim, leaving it alone",
			"index", index, "status", current.Status)
		return
	}

	s.mu.Lock()
	delete(s.inflight, index)
	attempts := s.retries[index]
	retry := attempts < s.cfg.MaxRetries
	if retry {
		s.retries[index] = attempts + 1
	}
	s.mu.Unlock()

	if retry {
		note := fmt.Sprintf("retry %d after %s timeout", attempts+1, s.cfg.StuckThreshold)
		if err := s.store.ResetChunkPending(s.rec.ID, index, note); err != nil {
			s.logger.Error("failed to reset stuck chunk", "index", index, "error", err)
			return
		}
		chunk, err := s.store.GetChunk(s.rec.ID, index)
		if err != nil {
			s.logger.Error("failed to reload stuck chunk", "index", index, "error", err)
			return
		}
		select {
		case s.pending <- chunk:
			s.logger.Warn("requeued stuck chunk",
				"index", index, "attempt", attempts+1, "maxRetries", s.cfg.MaxRetries)
		default:
			s.logger.Error("queue full, failing stuck chunk", "index", index)
			s.failChunk(chunk, "queue full during retry")
		}
		return
	}

	msg := fmt.Sprintf("transcription timeout after %s (max retries exceeded)", s.cfg.StuckThreshold)
	if err := s.store.FailChunk(s.rec.ID, index, msg); err != nil {
		s.logger.Error("failed to mark stuck chunk failed", "index", index, "error", err)
		return
	}
	s.logger.Error("chunk permanently failed after retries", "index", index)
	s.updateTranscript()
}

// shouldFinish is the termination predicate: segmentation done, nothing
// queued, nothing in flight, every chunk terminal.
func (s *Session) shouldFinish() bool {
	s.mu.Lock()
	segDone := s.segComplete
	active := len(s.inflight)
	s.mu.Unlock()

	if !segDone || active > 0 || len(s.pending) > 0 {
		return false
	}

	counts, err := s.store.CountChunksByStatus(s.rec.ID)
	if err != nil {
		s.logger.Error("failed to count chunks", "error", err)
		return false
	}

	return counts.Pending == 0 &&
		counts.Processing == 0 &&
		counts.Terminal() >= counts.Total
}
