// Package api exposes the platform over REST/JSON: the file write path,
// execution dispatch and cancellation, pool operations and the reindex
// trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bifrost/backend/internal/blobstore"
	"github.com/bifrost/backend/internal/bus"
	"github.com/bifrost/backend/internal/execctx"
	"github.com/bifrost/backend/internal/ingest"
	"github.com/bifrost/backend/internal/pool"
	"github.com/bifrost/backend/internal/reindex"
	"github.com/bifrost/backend/internal/stream"
)

// Server wires the HTTP surface to the core services.
type Server struct {
	pipeline  *ingest.Pipeline
	manager   *pool.Manager
	reindexer *reindex.Reindexer
	blobs     blobstore.Store
	eventBus  bus.Bus
	streamer  *stream.Streamer
	registry  *prometheus.Registry
	logger    *log.Logger
}

func NewServer(pipeline *ingest.Pipeline, manager *pool.Manager, reindexer *reindex.Reindexer, blobs blobstore.Store, eventBus bus.Bus, streamer *stream.Streamer, registry *prometheus.Registry) *Server {
	return &Server{
		pipeline:  pipeline,
		manager:   manager,
		reindexer: reindexer,
		blobs:     blobs,
		eventBus:  eventBus,
		streamer:  streamer,
		registry:  registry,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	if s.streamer != nil {
		r.HandleFunc("/ws", s.streamer.HandleWebSocket)
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/files/{path:.*}", s.handleWriteFile).Methods("PUT")
	api.HandleFunc("/files/{path:.*}", s.handleReadFile).Methods("GET")
	api.HandleFunc("/files/{path:.*}", s.handleDeleteFile).Methods("DELETE")

	api.HandleFunc("/executions", s.handleDispatch).Methods("POST")
	api.HandleFunc("/executions/{id}/cancel", s.handleCancel).Methods("POST")

	api.HandleFunc("/pool/status", s.handlePoolStatus).Methods("GET")
	api.HandleFunc("/pool/resize", s.handlePoolResize).Methods("POST")
	api.HandleFunc("/pool/recycle", s.handlePoolRecycle).Methods("POST")

	api.HandleFunc("/reindex", s.handleReindex).Methods("POST")
	api.HandleFunc("/uploads/presign", s.handlePresign).Methods("POST")

	r.Use(corsMiddleware)
	r.Use(s.loggingMiddleware)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// =============================================================================
// Files
// =============================================================================

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	artifactPath := mux.Vars(r)["path"]

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	req := ingest.WriteRequest{
		Path:              artifactPath,
		Bytes:             body,
		UpdatedBy:         r.Header.Get("X-User-ID"),
		ForceDeactivation: r.URL.Query().Get("force") == "true",
	}
	if raw := r.Header.Get("X-Replacements"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Replacements); err != nil {
			writeError(w, http.StatusBadRequest, "malformed X-Replacements header")
			return
		}
	}

	result, err := s.pipeline.Write(r.Context(), req)
	if err != nil {
		var invalid *ingest.InvalidError
		var blocked *ingest.BlockedError
		switch {
		case errors.As(err, &invalid):
			writeError(w, http.StatusBadRequest, invalid.Reason)
		case errors.As(err, &blocked):
			writeJSON(w, http.StatusConflict, blocked)
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	artifactPath := mux.Vars(r)["path"]
	data, err := s.pipeline.Read(r.Context(), artifactPath)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found: "+artifactPath)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	artifactPath := mux.Vars(r)["path"]
	if err := s.pipeline.Delete(r.Context(), artifactPath); err != nil {
		var invalid *ingest.InvalidError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, invalid.Reason)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "path": artifactPath})
}

// =============================================================================
// Executions
// =============================================================================

// DispatchRequest starts one workflow run.
type DispatchRequest struct {
	WorkflowName   string                 `json:"workflow_name"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	OrgID          string                 `json:"org_id,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkflowName == "" {
		writeError(w, http.StatusBadRequest, "workflow_name is required")
		return
	}

	executionID := uuid.NewString()
	ec := &execctx.ExecutionContext{
		UserID:         req.UserID,
		OrgID:          req.OrgID,
		WorkflowName:   req.WorkflowName,
		Parameters:     req.Parameters,
		TimeoutSeconds: req.TimeoutSeconds,
	}

	if err := s.manager.Route(r.Context(), executionID, ec); err != nil {
		switch {
		case errors.Is(err, pool.ErrNoWorkerAvailable):
			writeError(w, http.StatusServiceUnavailable, "no worker available")
		case errors.Is(err, pool.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "pool is shutting down")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": executionID,
		"status":       "dispatched",
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]

	// Broadcast so whichever pool instance holds the execution acts on
	// it; the local manager is subscribed like any other.
	err := bus.PublishJSON(r.Context(), s.eventBus, bus.ChannelCancel, bus.CancelRequest{
		Type:        "cancel",
		ExecutionID: executionID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"execution_id": executionID,
		"status":       "cancel_requested",
	})
}

// =============================================================================
// Pool operations
// =============================================================================

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

// ResizeRequest changes the pool bounds.
type ResizeRequest struct {
	MinWorkers int `json:"min_workers"`
	MaxWorkers int `json:"max_workers"`
}

func (s *Server) handlePoolResize(w http.ResponseWriter, r *http.Request) {
	var req ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.manager.Resize(r.Context(), req.MinWorkers, req.MaxWorkers); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

// RecycleRequest recycles one worker by pid, or all when PID is zero.
type RecycleRequest struct {
	PID    int    `json:"pid,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePoolRecycle(w http.ResponseWriter, r *http.Request) {
	var req RecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PID != 0 {
		s.manager.RecycleProcess(r.Context(), req.PID)
	} else {
		reason := req.Reason
		if reason == "" {
			reason = "operator request"
		}
		s.manager.RecycleAll(r.Context(), reason)
	}
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

// =============================================================================
// Maintenance
// =============================================================================

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	report, err := s.reindexer.Run(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PresignRequest asks for a direct-upload URL.
type PresignRequest struct {
	FormID      string `json:"form_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req PresignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FormID == "" || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "form_id and filename are required")
		return
	}

	uploadID := uuid.NewString()
	key := blobstore.UploadKey(req.FormID, uploadID, req.Filename)
	url, err := s.blobs.PresignedPut(r.Context(), key, req.ContentType, 15*time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"upload_id": uploadID,
		"key":       key,
		"url":       url,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "healthy",
		"service": "bifrost-api",
	}
	if s.manager != nil {
		resp["pool_id"] = s.manager.PoolID()
		resp["workers"] = s.manager.WorkerCount()
	}
	if s.streamer != nil {
		resp["ws_clients"] = s.streamer.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Middleware
// =============================================================================

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Replacements")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf(`{"method":"%s","path":"%s","duration_ms":%d}`,
			r.Method, r.URL.Path, time.Since(start).Milliseconds())
	})
}

// ListenAndServe runs the server with graceful shutdown on ctx cancel.
func (s *Server) ListenAndServe(ctx context.Context, port string, shutdownGrace time.Duration) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Printf("Shutdown error: %v", err)
		}
	}()

	s.logger.Printf("Listening on :%s", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
