package pipeline

import (
	"sync"

	"github.com/charmbracelet/log"

	"scribe.town/db"
	"scribe.town/stt"
)

// Registry is the process-wide map of active sessions, keyed by recording id.
// Sessions for different recordings are fully independent; only the map
// itself is synchronized.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store     *db.DB
	engineFor func(db.Recording) stt.Transcriber
	cfg       Config
	logger    *log.Logger
}

func NewRegistry(store *db.DB, engineFor func(db.Recording) stt.Transcriber, cfg Config, logger *log.Logger) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		store:     store,
		engineFor: engineFor,
		cfg:       cfg,
		logger:    logger,
	}
}

// GetOrCreate returns the live session for a recording, creating it on first
// use. Repeated calls for the same recording share one session.
func (r *Registry) GetOrCreate(rec db.Recording) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[rec.ID]; ok {
		return s
	}

	s := NewSession(rec, r.store, r.engineFor(rec), r.cfg,
		r.logger.With("recording", rec.ID))
	r.sessions[rec.ID] = s
	return s
}

func (r *Registry) Get(recordingID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[recordingID]
	return s, ok
}

// Remove stops a recording's session and drops it from the registry.
func (r *Registry) Remove(recordingID string) {
	r.mu.Lock()
	s, ok := r.sessions[recordingID]
	delete(r.sessions, recordingID)
	r.mu.Unlock()

	if ok {
		s.Stop()
		r.logger.Info("removed session", "recording", recordingID)
	}
}
