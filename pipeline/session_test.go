package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"scribe.town/db"
	"scribe.town/stt"
)

type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// MockTranscriber returns canned text per chunk file path, with an optional
// delay to force out-of-order completion.
type MockTranscriber struct {
	mu     sync.Mutex
	Texts  map[string]string
	Delays map[string]time.Duration
	Calls  []string
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audioPath string, language string) (string, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, audioPath)
	text := m.Texts[audioPath]
	delay := m.Delays[audioPath]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, nil
}

func testSessionConfig() Config {
	return Config{
		MaxConcurrent:    2,
		ChunkTimeout:     5 * time.Second,
		StuckThreshold:   10 * time.Second,
		MaxRetries:       1,
		WatchdogInterval: 5 * time.Second,
		PollTimeout:      20 * time.Millisecond,
		SlowThreshold:    90 * time.Second,
		SlowTripCount:    3,
		StopWait:         time.Second,
	}
}

func newTestSession(t *testing.T, engine *MockTranscriber, cfg Config) (*Session, *db.DB, db.Recording) {
	t.Helper()

	logger := log.New(io.Discard)
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rec := db.Recording{
		ID:       "rec1",
		Title:    "meeting",
		FilePath: "/tmp/rec1.wav",
		FileSize: 64000,
	}
	if err := store.CreateRecording(rec); err != nil {
		t.Fatalf("Failed to create recording: %v", err)
	}

	return NewSession(rec, store, engine, cfg, logger), store, rec
}

func createChunks(t *testing.T, store *db.DB, rec db.Recording, n int) []db.Chunk {
	t.Helper()

	chunks := make([]db.Chunk, 0, n)
	for i := 0; i < n; i++ {
		c := db.Chunk{
			ID:        fmt.Sprintf("chunk%d", i),
			Recording: rec.ID,
			Index:     i,
			StartTime: float64(i * 10),
			EndTime:   float64((i + 1) * 10),
			Duration:  10,
			FilePath:  fmt.Sprintf("/tmp/chunk%d.wav", i),
			Status:    db.StatusPending,
		}
		if err := store.CreateChunk(c); err != nil {
			t.Fatalf("Failed to create chunk %d: %v", i, err)
		}
		chunks = append(chunks, c)
	}
	return chunks
}

func waitForStatus(t *testing.T, store *db.DB, recordingID, want string) db.Transcript {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		transcript, err := store.GetTranscript(recordingID)
		if err != nil {
			t.Fatalf("GetTranscript: %v", err)
		}
		if transcript.Status == want {
			return transcript
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Transcript never reached status %q", want)
	return db.Transcript{}
}

func TestSessionTranscribesAllChunks(t *testing.T) {
	engine := &MockTranscriber{
		Texts: map[string]string{
			"/tmp/chunk0.wav": "first segment text",
			"/tmp/chunk1.wav": "second segment text",
			"/tmp/chunk2.wav": "third segment text",
		},
		// Delay the first chunk so later ones finish ahead of it.
		Delays: map[string]time.Duration{
			"/tmp/chunk0.wav": 100 * time.Millisecond,
		},
	}

	session, store, rec := newTestSession(t, engine, testSessionConfig())
	chunks := createChunks(t, store, rec, 3)

	session.Start()
	defer session.Stop()
	for _, c := range chunks {
		session.Enqueue(c)
	}
	session.MarkSegmentationComplete(len(chunks))

	transcript := waitForStatus(t, store, rec.ID, db.StatusCompleted)
	expected := "first segment text second segment text third segment text"
	if transcript.Text != expected {
		t.Errorf("Transcript = %q, want %q", transcript.Text, expected)
	}
	if transcript.Progress != 100 {
		t.Errorf("Expected progress 100, got %d", transcript.Progress)
	}

	info := session.Progress()
	if info.Completed != 3 || info.Total != 3 {
		t.Errorf("Unexpected session info: %+v", info)
	}
}

func TestSessionRejectsNonPendingChunk(t *testing.T) {
	engine := &MockTranscriber{Texts: map[string]string{}}
	session, store, rec := newTestSession(t, engine, testSessionConfig())
	createChunks(t, store, rec, 1)

	done := db.Chunk{ID: "x", Recording: rec.ID, Index: 0, Status: db.StatusCompleted}
	session.Enqueue(done)

	if len(session.pending) != 0 {
		t.Error("Completed chunk must not be queued")
	}
}

func TestWatchdogRequeuesThenFailsStuckChunk(t *testing.T) {
	engine := &MockTranscriber{Texts: map[string]string{}}
	cfg := testSessionConfig()
	session, store, rec := newTestSession(t, engine, cfg)
	createChunks(t, store, rec, 1)

	clock := &MockClock{now: time.Now()}
	session.clock = clock

	// Simulate a dispatched worker that never comes back.
	if err := store.MarkChunkProcessing(rec.ID, 0); err != nil {
		t.Fatalf("MarkChunkProcessing: %v", err)
	}
	session.inflight[0] = clock.Now()

	clock.Advance(cfg.StuckThreshold + time.Second)
	session.checkStuck()

	c, err := store.GetChunk(rec.ID, 0)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if c.Status != db.StatusPending {
		t.Fatalf("Expected stuck chunk requeued as pending, got %s", c.Status)
	}
	if c.Retries != 1 {
		t.Errorf("Expected 1 retry, got %d", c.Retries)
	}

	select {
	case requeued := <-session.pending:
		if requeued.Index != 0 {
			t.Errorf("Expected chunk 0 requeued, got %d", requeued.Index)
		}
	default:
		t.Fatal("Expected the reclaimed chunk on the pending queue")
	}

	// The retry also gets stuck; with MaxRetries exhausted the chunk fails
	// permanently.
	if err := store.MarkChunkProcessing(rec.ID, 0); err != nil {
		t.Fatalf("MarkChunkProcessing: %v", err)
	}
	session.inflight[0] = clock.Now()

	clock.Advance(cfg.StuckThreshold + time.Second)
	session.checkStuck()

	c, _ = store.GetChunk(rec.ID, 0)
	if c.Status != db.StatusFailed {
		t.Fatalf("Expected permanent failure after retries, got %s", c.Status)
	}
	if c.Error == "" {
		t.Error("Expected a failure message on the chunk")
	}

	if _, tracked := session.inflight[0]; tracked {
		t.Error("Reclaimed chunk must leave the inflight set")
	}
}

func TestWatchdogThrottledByInterval(t *testing.T) {
	engine := &MockTranscriber{Texts: map[string]string{}}
	cfg := testSessionConfig()
	session, store, rec := newTestSession(t, engine, cfg)
	createChunks(t, store, rec, 1)

	clock := &MockClock{now: time.Now()}
	session.clock = clock

	if err := store.MarkChunkProcessing(rec.ID, 0); err != nil {
		t.Fatalf("MarkChunkProcessing: %v", err)
	}
	session.inflight[0] = clock.Now()

	// First check stamps lastWatchdog; the worker is not yet stuck.
	session.checkStuck()

	// Now the worker is well past the stuck threshold, but the check lands
	// within the watchdog interval of the previous one, so nothing may be
	// reclaimed yet.
	session.mu.Lock()
	session.inflight[0] = clock.Now().Add(-cfg.StuckThreshold - time.Second)
	session.mu.Unlock()
	clock.Advance(cfg.WatchdogInterval / 2)
	session.checkStuck()

	if _, tracked := session.inflight[0]; !tracked {
		t.Error("Watchdog ran again before its interval elapsed")
	}

	// Past the interval the same worker is reclaimed.
	clock.Advance(cfg.WatchdogInterval)
	session.checkStuck()

	if _, tracked := session.inflight[0]; tracked {
		t.Error("Expected the stuck worker reclaimed after the interval elapsed")
	}
}

func TestWatchdogLeavesResolvedChunkAlone(t *testing.T) {
	engine := &MockTranscriber{Texts: map[string]string{}}
	cfg := testSessionConfig()
	session, store, rec := newTestSession(t, engine, cfg)
	createChunks(t, store, rec, 1)

	clock := &MockClock{now: time.Now()}
	session.clock = clock

	// The worker completed the chunk but its inflight entry lingers, as when
	// the stuck scan snapshots the index just before the worker finishes.
	if err := store.MarkChunkProcessing(rec.ID, 0); err != nil {
		t.Fatalf("MarkChunkProcessing: %v", err)
	}
	if err := store.CompleteChunk(rec.ID, 0, "finished in time"); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}
	session.inflight[0] = clock.Now()

	clock.Advance(cfg.StuckThreshold + time.Second)
	session.checkStuck()

	c, err := store.GetChunk(rec.ID, 0)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if c.Status != db.StatusCompleted {
		t.Fatalf("Completed chunk must not be reclaimed, got %s", c.Status)
	}
	if c.Text != "finished in time" {
		t.Errorf("Completed text must survive the stuck scan, got %q", c.Text)
	}
	if c.Retries != 0 {
		t.Errorf("Expected no retries, got %d", c.Retries)
	}
	if len(session.pending) != 0 {
		t.Error("Resolved chunk must not be requeued")
	}
	if _, tracked := session.inflight[0]; tracked {
		t.Error("Stale inflight entry must be cleared")
	}
}

func TestLateResultDiscardedAfterReclaim(t *testing.T) {
	engine := &MockTranscriber{
		Texts: map[string]string{"/tmp/chunk0.wav": "late text"},
	}
	session, store, rec := newTestSession(t, engine, testSessionConfig())
	chunks := createChunks(t, store, rec, 1)

	if err := store.MarkChunkProcessing(rec.ID, 0); err != nil {
		t.Fatalf("MarkChunkProcessing: %v", err)
	}

	// No inflight entry for this start time: the watchdog already reclaimed
	// the chunk, so the worker's result must be thrown away.
	session.workers.Add(1)
	session.transcribeChunk(chunks[0], time.Now())

	c, _ := store.GetChunk(rec.ID, 0)
	if c.Status != db.StatusProcessing {
		t.Errorf("Discarded result must not change chunk state, got %s", c.Status)
	}
	if c.Text != "" {
		t.Errorf("Discarded result must not store text, got %q", c.Text)
	}
}

func TestSlowChunksReduceConcurrency(t *testing.T) {
	engine := &MockTranscriber{Texts: map[string]string{}}
	cfg := testSessionConfig()
	cfg.SlowThreshold = 10 * time.Millisecond
	session, _, _ := newTestSession(t, engine, cfg)

	if limit := session.effectiveLimit(); limit != cfg.MaxConcurrent {
		t.Fatalf("Expected initial limit %d, got %d", cfg.MaxConcurrent, limit)
	}

	for i := 0; i < cfg.SlowTripCount; i++ {
		session.noteChunkPace(i, 20*time.Millisecond)
	}

	if limit := session.effectiveLimit(); limit != 1 {
		t.Errorf("Expected degraded limit 1 after %d slow chunks, got %d",
			cfg.SlowTripCount, limit)
	}
}

func TestSessionSurvivesFailedChunk(t *testing.T) {
	engine := &MockTranscriber{
		Texts: map[string]string{
			"/tmp/chunk0.wav": "good text",
			// chunk1 yields empty text, which counts as a failure
			"/tmp/chunk2.wav": "more good text",
		},
	}

	session, store, rec := newTestSession(t, engine, testSessionConfig())
	chunks := createChunks(t, store, rec, 3)

	session.Start()
	defer session.Stop()
	for _, c := range chunks {
		session.Enqueue(c)
	}
	session.MarkSegmentationComplete(len(chunks))

	transcript := waitForStatus(t, store, rec.ID, db.StatusCompleted)

	counts, err := store.CountChunksByStatus(rec.ID)
	if err != nil {
		t.Fatalf("CountChunksByStatus: %v", err)
	}
	if counts.Completed != 2 || counts.Failed != 1 {
		t.Fatalf("Expected 2 completed and 1 failed, got %+v", counts)
	}
	if transcript.Progress != 66 {
		t.Errorf("Expected progress 66, got %d", transcript.Progress)
	}
	if transcript.Text != "good text" {
		t.Errorf("Expected the stable completed prefix, got %q", transcript.Text)
	}
}

func TestShouldFinish(t *testing.T) {
	engine := &MockTranscriber{Texts: map[string]string{}}
	session, store, rec := newTestSession(t, engine, testSessionConfig())
	createChunks(t, store, rec, 1)

	if session.shouldFinish() {
		t.Error("Must not finish before segmentation completes")
	}

	session.MarkSegmentationComplete(1)
	if session.shouldFinish() {
		t.Error("Must not finish with a pending chunk")
	}

	if err := store.MarkChunkProcessing(rec.ID, 0); err != nil {
		t.Fatalf("MarkChunkProcessing: %v", err)
	}
	if err := store.CompleteChunk(rec.ID, 0, "done"); err != nil {
		t.Fatalf("CompleteChunk: %v", err)
	}

	if !session.shouldFinish() {
		t.Error("Expected finish with all chunks terminal and nothing queued")
	}
}

func TestRegistrySharesSessions(t *testing.T) {
	logger := log.New(io.Discard)
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine := &MockTranscriber{Texts: map[string]string{}}
	registry := NewRegistry(store, func(db.Recording) stt.Transcriber { return engine },
		testSessionConfig(), logger)

	rec := db.Recording{ID: "rec1", FilePath: "/tmp/rec1.wav"}
	if err := store.CreateRecording(rec); err != nil {
		t.Fatalf("CreateRecording: %v", err)
	}

	first := registry.GetOrCreate(rec)
	second := registry.GetOrCreate(rec)
	if first != second {
		t.Error("Expected one shared session per recording")
	}

	if _, ok := registry.Get("rec1"); !ok {
		t.Error("Expected the session to be retrievable")
	}

	registry.Remove("rec1")
	if _, ok := registry.Get("rec1"); ok {
		t.Error("Expected the session to be gone after Remove")
	}
}
