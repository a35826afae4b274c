package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

// Chunk and transcript status values. A chunk moves
// pending -> processing -> completed | failed; the watchdog may move a
// stuck processing chunk back to pending for a retry.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DB wraps the sqlite connection with a prepared statement cache.
type DB struct {
	*sql.DB
	stmtCache sync.Map
	logger    *log.Logger
}

// Recording is one uploaded audio asset.
type Recording struct {
	ID        string
	Title     string
	FilePath  string
	FileSize  int64
	Duration  float64
	Provider  string
	Model     string
	Language  string
	CreatedAt float64
	UpdatedAt float64
}

// Chunk is one time-bounded segment of a recording.
type Chunk struct {
	ID        string
	Recording string
	Index     int
	StartTime float64
	EndTime   float64
	Duration  float64
	FilePath  string
	FileSize  int64
	Text      string
	Status    string
	Error     string
	Retries   int
	CreatedAt float64
	UpdatedAt float64
}

// Transcript is the denormalized per-recording aggregate.
type Transcript struct {
	Recording string
	Text      string
	Status    string
	Progress  int
	Error     string
	CreatedAt float64
	UpdatedAt float64
}

// StatusCounts summarizes chunk states for one recording.
type StatusCounts struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

func (c StatusCounts) Terminal() int {
	return c.Completed + c.Failed
}

// Open opens the sqlite database at path and applies pending migrations.
func Open(path string, logger *log.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := Migrate(sqlDB, logger); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &DB{DB: sqlDB, logger: logger}, nil
}

// Close closes the connection and clears the statement cache.
func (db *DB) Close() error {
	db.stmtCache.Range(func(_, value interface{}) bool {
		if stmt, ok := value.(*sql.Stmt); ok {
			stmt.Close()
		}
		return true
	})
	return db.DB.Close()
}

func (db *DB) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := db.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := db.Prepare(query)
	if err != nil {
		return nil, err
	}

	db.stmtCache.Store(query, stmt)
	return stmt, nil
}

func (db *DB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	db.logger.Debug("Executing SQL statement", "query", query, "args", args)
	stmt, err := db.prepareStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	db.logger.Debug("Executing SQL query", "query", query, "args", args)
	stmt, err := db.prepareStmt(query)
	if err != nil {
		return db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// CreateRecording inserts a recording row together with its empty transcript.
func (db *DB) CreateRecording(rec Recording) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO recordings (id, title, file_path, file_size, duration, provider, model, language)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Title, rec.FilePath, rec.FileSize, rec.Duration, rec.Provider, rec.Model, rec.Language)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO transcripts (recording, status, progress)
		VALUES (?, 'pending', 0)
	`, rec.ID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) GetRecording(id string) (Recording, error) {
	var rec Recording
	var title, provider, model, language sql.NullString
	var size sql.NullInt64
	var duration sql.NullFloat64
	err := db.queryRow(context.Background(), `
		SELECT id, title, file_path, file_size, duration, provider, model, language, created_at, updated_at
		FROM recordings WHERE id = ?
	`, id).Scan(&rec.ID, &title, &rec.FilePath, &size, &duration,
		&provider, &model, &language, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Recording{}, err
	}
	rec.Title = title.String
	rec.FileSize = size.Int64
	rec.Duration = duration.Float64
	rec.Provider = provider.String
	rec.Model = model.String
	rec.Language = language.String
	return rec, nil
}

func (db *DB) ListRecordings(limit int) ([]Recording, error) {
	rows, err := db.Query(`
		SELECT id, title, file_path, file_size, duration, provider, model, language, created_at, updated_at
		FROM recordings
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Recording
	for rows.Next() {
		var rec Recording
		var title, provider, model, language sql.NullString
		var size sql.NullInt64
		var duration sql.NullFloat64
		if err := rows.Scan(&rec.ID, &title, &rec.FilePath, &size, &duration,
			&provider, &model, &language, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Title = title.String
		rec.FileSize = size.Int64
		rec.Duration = duration.Float64
		rec.Provider = provider.String
		rec.Model = model.String
		rec.Language = language.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (db *DB) SetRecordingDuration(id string, seconds float64) error {
	_, err := db.exec(context.Background(), `
		UPDATE recordings SET duration = ?, updated_at = julianday('now') WHERE id = ?
	`, seconds, id)
	return err
}

// DeleteRecording removes a recording together with its chunks and transcript.
func (db *DB) DeleteRecording(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM chunks WHERE recording = ?`,
		`DELETE FROM transcripts WHERE recording = ?`,
		`DELETE FROM recordings WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CreateChunk inserts a pending chunk row.
func (db *DB) CreateChunk(c Chunk) error {
	_, err := db.exec(context.Background(), `
		INSERT INTO chunks (id, recording, chunk_index, start_time, end_time, duration, file_path, file_size, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')
	`, c.ID, c.Recording, c.Index, c.StartTime, c.EndTime, c.Duration, c.FilePath, c.FileSize)
	return err
}

func scanChunk(scan func(dest ...interface{}) error) (Chunk, error) {
	var c Chunk
	var filePath, text, errMsg sql.NullString
	var size sql.NullInt64
	err := scan(&c.ID, &c.Recording, &c.Index, &c.StartTime, &c.EndTime, &c.Duration,
		&filePath, &size, &text, &c.Status, &errMsg, &c.Retries, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Chunk{}, err
	}
	c.FilePath = filePath.String
	c.FileSize = size.Int64
	c.Text = text.String
	c.Error = errMsg.String
	return c, nil
}

const chunkColumns = `id, recording, chunk_index, start_time, end_time, duration,
	file_path, file_size, text, status, error, retries, created_at, updated_at`

// ChunksByRecording returns all chunks for a recording in index order.
func (db *DB) ChunksByRecording(recording string) ([]Chunk, error) {
	rows, err := db.Query(`
		SELECT `+chunkColumns+`
		FROM chunks WHERE recording = ?
		ORDER BY chunk_index ASC
	`, recording)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (db *DB) GetChunk(recording string, index int) (Chunk, error) {
	row := db.queryRow(context.Background(), `
		SELECT `+chunkColumns+`
		FROM chunks WHERE recording = ? AND chunk_index = ?
	`, recording, index)
	return scanChunk(row.Scan)
}

func (db *DB) MarkChunkProcessing(recording string, index int) error {
	_, err := db.exec(context.Background(), `
		UPDATE chunks SET status = 'processing', updated_at = julianday('now')
		WHERE recording = ? AND chunk_index = ?
	`, recording, index)
	return err
}

func (db *DB) CompleteChunk(recording string, index int, text string) error {
	_, err := db.exec(context.Background(), `
		UPDATE chunks SET status = 'completed', text = ?, error = '', updated_at = julianday('now')
		WHERE recording = ? AND chunk_index = ?
	`, text, recording, index)
	return err
}

func (db *DB) FailChunk(recording string, index int, errMsg string) error {
	_, err := db.exec(context.Background(), `
		UPDATE chunks SET status = 'failed', error = ?, updated_at = julianday('now')
		WHERE recording = ? AND chunk_index = ?
	`, errMsg, recording, index)
	return err
}

// ResetChunkPending returns a reclaimed chunk to the pending state and bumps
// its retry counter. The note records why the chunk was reset.
func (db *DB) ResetChunkPending(recording string, index int, note string) error {
	_, err := db.exec(context.Background(), `
		UPDATE chunks SET status = 'pending', error = ?, retries = retries + 1, updated_at = julianday('now')
		WHERE recording = ? AND chunk_index = ?
	`, note, recording, index)
	return err
}

func (db *DB) CountChunksByStatus(recording string) (StatusCounts, error) {
	rows, err := db.Query(`
		SELECT status, COUNT(*) FROM chunks WHERE recording = ? GROUP BY status
	`, recording)
	if err != nil {
		return StatusCounts{}, err
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, err
		}
		counts.Total += n
		switch status {
		case StatusPending:
			counts.Pending = n
		case StatusProcessing:
			counts.Processing = n
		case StatusCompleted:
			counts.Completed = n
		case StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// StaleProcessingChunks returns chunks that have sat in the processing state
// longer than olderThan. The watchdog uses this to find work whose in-memory
// tracking was lost, for example after a restart.
func (db *DB) StaleProcessingChunks(recording string, olderThan time.Duration) ([]Chunk, error) {
	rows, err := db.Query(`
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE recording = ? AND status = 'processing'
		  AND updated_at < julianday('now') - ? / 86400.0
		ORDER BY chunk_index ASC
	`, recording, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows.Scan)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (db *DB) GetTranscript(recording string) (Transcript, error) {
	var t Transcript
	var text, errMsg sql.NullString
	err := db.queryRow(context.Background(), `
		SELECT recording, text, status, progress, error, created_at, updated_at
		FROM transcripts WHERE recording = ?
	`, recording).Scan(&t.Recording, &text, &t.Status, &t.Progress, &errMsg, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Transcript{}, err
	}
	t.Text = text.String
	t.Error = errMsg.String
	return t, nil
}

// UpdateTranscript replaces the transcript text, status and progress in one write.
func (db *DB) UpdateTranscript(recording, text, status string, progress int) error {
	_, err := db.exec(context.Background(), `
		UPDATE transcripts SET text = ?, status = ?, progress = ?, updated_at = julianday('now')
		WHERE recording = ?
	`, text, status, progress, recording)
	return err
}

func (db *DB) SetTranscriptStatus(recording, status string, progress int) error {
	_, err := db.exec(context.Background(), `
		UPDATE transcripts SET status = ?, progress = ?, updated_at = julianday('now')
		WHERE recording = ?
	`, status, progress, recording)
	return err
}

// FailTranscript marks the transcript failed, keeping whatever partial text
// has already been merged.
func (db *DB) FailTranscript(recording, errMsg string) error {
	_, err := db.exec(context.Background(), `
		UPDATE transcripts SET status = 'failed', error = ?, updated_at = julianday('now')
		WHERE recording = ?
	`, errMsg, recording)
	return err
}
