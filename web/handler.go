// Package web exposes the transcription pipeline over HTTP: upload a
// recording, poll its progress, fetch the transcript.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"scribe.town/assemble"
	"scribe.town/db"
	"scribe.town/etc"
	"scribe.town/pipeline"
	"scribe.town/segment"
)

type Handler struct {
	Store    *db.DB
	Registry *pipeline.Registry
	Runner   *pipeline.Runner
	DataDir  string
	Provider string
	Model    string
	Language string
	Logger   *log.Logger
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/recordings", h.CreateRecording)
	r.Get("/api/recordings", h.ListRecordings)
	r.Get("/api/recordings/{id}/progress", h.GetProgress)
	r.Get("/api/recordings/{id}/transcript", h.GetTranscript)
	r.Delete("/api/recordings/{id}", h.DeleteRecording)
}

func (h *Handler) CreateRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("missing audio file: %w", err))
		return
	}
	defer file.Close()

	id := etc.NewFreshID()
	dir := filepath.Join(h.DataDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	path := filepath.Join(dir, filepath.Base(header.Filename))
	dst, err := os.Create(path)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	size, err := io.Copy(dst, file)
	dst.Close()
	if err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("store upload: %w", err))
		return
	}

	rec := db.Recording{
		ID:       id,
		Title:    formValue(r, "title", header.Filename),
		FilePath: path,
		FileSize: size,
		Provider: formValue(r, "provider", h.Provider),
		Model:    formValue(r, "model", h.Model),
		Language: formValue(r, "language", h.Language),
	}
	if err := h.Store.CreateRecording(rec); err != nil {
		httpError(w, http.StatusInternalServerError, fmt.Errorf("create recording: %w", err))
		return
	}

	h.Logger.Info("recording uploaded", "id", id, "size", size, "title", rec.Title)

	// The request context dies when this handler returns; processing keeps
	// going in the background with its own context.
	go func() {
		if err := h.Runner.Process(context.Background(), rec); err != nil {
			h.Logger.Error("processing failed", "recording", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     id,
		"title":  rec.Title,
		"size":   size,
		"status": db.StatusPending,
	})
}

func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Store.ListRecordings(100)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	type item struct {
		ID       string  `json:"id"`
		Title    string  `json:"title"`
		Duration float64 `json:"duration"`
		Size     int64   `json:"size"`
		Status   string  `json:"status"`
		Progress int     `json:"progress"`
	}

	items := make([]item, 0, len(recs))
	for _, rec := range recs {
		it := item{
			ID:       rec.ID,
			Title:    rec.Title,
			Duration: rec.Duration,
			Size:     rec.FileSize,
		}
		if t, err := h.Store.GetTranscript(rec.ID); err == nil {
			it.Status = t.Status
			it.Progress = t.Progress
		}
		items = append(items, it)
	}

	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if session, ok := h.Registry.Get(id); ok {
		writeJSON(w, http.StatusOK, session.Progress())
		return
	}

	// No live session: derive the same shape from the store alone. A
	// recording processed on the single-unit path has no chunks; report the
	// transcript row directly.
	t, err := h.Store.GetTranscript(id)
	if err != nil {
		httpError(w, http.StatusNotFound, fmt.Errorf("unknown recording %s", id))
		return
	}

	counts, err := h.Store.CountChunksByStatus(id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	if counts.Total == 0 {
		writeJSON(w, http.StatusOK, pipeline.Info{
			Progress: t.Progress,
			Status:   t.Status,
		})
		return
	}

	// The session's segmentation flag is gone with the session. Only a
	// terminal transcript row proves segmentation finished, so a recording
	// interrupted mid-segmentation reads as processing, never completed.
	segDone := t.Status == db.StatusCompleted || t.Status == db.StatusFailed
	progress, status := assemble.Progress(counts, segDone)
	writeJSON(w, http.StatusOK, pipeline.Info{
		Progress:  progress,
		Status:    status,
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Total:     counts.Total,
	})
}

func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.Store.GetTranscript(id)
	if err != nil {
		httpError(w, http.StatusNotFound, fmt.Errorf("unknown recording %s", id))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recording": t.Recording,
		"text":      t.Text,
		"status":    t.Status,
		"progress":  t.Progress,
		"error":     t.Error,
	})
}

func (h *Handler) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.Registry.Remove(id)

	chunks, err := h.Store.ChunksByRecording(id)
	if err == nil {
		segment.CleanupChunkFiles(chunks)
	}

	rec, err := h.Store.GetRecording(id)
	if err != nil {
		httpError(w, http.StatusNotFound, fmt.Errorf("unknown recording %s", id))
		return
	}

	if err := h.Store.DeleteRecording(id); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	if err := os.RemoveAll(filepath.Dir(rec.FilePath)); err != nil {
		h.Logger.Warn("failed to remove recording files", "id", id, "error", err)
	}

	h.Logger.Info("deleted recording", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func formValue(r *http.Request, key, fallback string) string {
	if v := r.FormValue(key); v != "" {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
