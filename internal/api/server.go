// Package api exposes the registry to the UI collaborator and the job
// pipeline: snapshot queries, the command surface, the job-recording
// callbacks and a server-sent-events stream fed from the notification hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/framewell/watchfolder/internal/notify"
	"github.com/framewell/watchfolder/internal/registry"
)

type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// Control is the registry surface the server needs.
type Control interface {
	AddWatchFolder(cfg registry.FolderConfig) (*registry.WatchFolder, error)
	EnableWatchFolder(id string) bool
	DisableWatchFolder(id string) bool
	UpdateWatchFolder(id string, upd registry.FolderUpdate) (*registry.WatchFolder, error)
	RemoveWatchFolder(id string) bool
	TogglePendingFileSelection(id, path string) bool
	SelectAllPendingFiles(id string, selected bool) bool
	ClearPendingFiles(id string, paths []string) bool
	LogJobsCreated(id string, jobIDs []string) bool
	RecordJobCompleted(id, jobID string) bool
	RecordJobFailed(id, jobID, message string) bool
	ResetCounts(id string) bool
	GetWatchFolder(id string) *registry.WatchFolder
	GetAllWatchFolders() []*registry.WatchFolder
}

// Events is the subscription side of the notification hub.
type Events interface {
	Subscribe(buffer int) (<-chan notify.Message, func())
}

type Server struct {
	log    Logger
	ctrl   Control
	events Events
	mux    *http.ServeMux
	srv    *http.Server
	addr   string
	ln     net.Listener
	mu     sync.Mutex
	start  bool
}

func New(log Logger, ctrl Control, events Events, addr string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		log:    log,
		ctrl:   ctrl,
		events: events,
		mux:    mux,
		addr:   addr,
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /watchfolders", s.handleList)
	mux.HandleFunc("POST /watchfolders", s.handleAdd)
	mux.HandleFunc("GET /watchfolders/{id}", s.handleGet)
	mux.HandleFunc("PATCH /watchfolders/{id}", s.handleUpdate)
	mux.HandleFunc("DELETE /watchfolders/{id}", s.handleRemove)
	mux.HandleFunc("POST /watchfolders/{id}/enable", s.handleEnable)
	mux.HandleFunc("POST /watchfolders/{id}/disable", s.handleDisable)
	mux.HandleFunc("POST /watchfolders/{id}/pending/toggle", s.handleToggleSelection)
	mux.HandleFunc("POST /watchfolders/{id}/pending/select-all", s.handleSelectAll)
	mux.HandleFunc("POST /watchfolders/{id}/pending/clear", s.handleClear)
	mux.HandleFunc("POST /watchfolders/{id}/jobs/created", s.handleJobsCreated)
	mux.HandleFunc("POST /watchfolders/{id}/jobs/completed", s.handleJobCompleted)
	mux.HandleFunc("POST /watchfolders/{id}/jobs/failed", s.handleJobFailed)
	mux.HandleFunc("POST /watchfolders/{id}/reset-counts", s.handleResetCounts)
	mux.HandleFunc("GET /events", s.handleEvents)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.start {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.log.Infow("api server listening", "addr", s.addr)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("api server error", "error", err)
		}
	}()
	s.start = true
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.start = false
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.GetAllWatchFolders())
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req registry.FolderConfig
	if !decodeBody(w, r, &req) {
		return
	}
	folder, err := s.ctrl.AddWatchFolder(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	folder := s.ctrl.GetWatchFolder(r.PathValue("id"))
	if folder == nil {
		http.Error(w, "watch folder not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req registry.FolderUpdate
	if !decodeBody(w, r, &req) {
		return
	}
	folder, err := s.ctrl.UpdateWatchFolder(r.PathValue("id"), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if folder == nil {
		http.Error(w, "watch folder not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.ctrl.RemoveWatchFolder(r.PathValue("id")))
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.ctrl.EnableWatchFolder(r.PathValue("id")))
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.ctrl.DisableWatchFolder(r.PathValue("id")))
}

func (s *Server) handleToggleSelection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondOK(w, s.ctrl.TogglePendingFileSelection(r.PathValue("id"), req.Path))
}

func (s *Server) handleSelectAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Selected bool `json:"selected"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondOK(w, s.ctrl.SelectAllPendingFiles(r.PathValue("id"), req.Selected))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondOK(w, s.ctrl.ClearPendingFiles(r.PathValue("id"), req.Paths))
}

func (s *Server) handleJobsCreated(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobIDs []string `json:"jobIds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondOK(w, s.ctrl.LogJobsCreated(r.PathValue("id"), req.JobIDs))
}

func (s *Server) handleJobCompleted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"jobId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondOK(w, s.ctrl.RecordJobCompleted(r.PathValue("id"), req.JobID))
}

func (s *Server) handleJobFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"jobId"`
		Error string `json:"error"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.respondOK(w, s.ctrl.RecordJobFailed(r.PathValue("id"), req.JobID, req.Error))
}

func (s *Server) handleResetCounts(w http.ResponseWriter, r *http.Request) {
	s.respondOK(w, s.ctrl.ResetCounts(r.PathValue("id")))
}

// handleEvents streams hub messages as server-sent events. A new client
// first receives a full state-changed snapshot so it never renders stale.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.events.Subscribe(64)
	defer cancel()

	writeSSE(w, notify.TypeStateChanged, registry.StateChangedPayload{
		WatchFolders: s.ctrl.GetAllWatchFolders(),
	})
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, msg.Type, msg.Payload)
			fl.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\ndata: " + string(data) + "\n\n"))
}

func (s *Server) respondOK(w http.ResponseWriter, ok bool) {
	if !ok {
		http.Error(w, "watch folder not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "decode body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
