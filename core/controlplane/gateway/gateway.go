package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/capturekit/core/capture"
	"github.com/cordum/capturekit/core/infra/cache"
	"github.com/cordum/capturekit/core/infra/logging"
	infraMetrics "github.com/cordum/capturekit/core/infra/metrics"
	"github.com/cordum/capturekit/core/infra/transport"
	"github.com/cordum/capturekit/core/pipeline"
	"github.com/cordum/capturekit/core/recording"
)

const (
	component             = "capture-gateway"
	wsAPIKeyProtocol      = "capture-api-key"
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	defaultMaxUploadBytes = 256 << 20
	stopTimeout           = 15 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Deps are the components served over HTTP. Engine may be nil when no
// capture device is attached; recording routes then answer 503.
type Deps struct {
	Engine   *recording.Engine
	Pipeline *pipeline.Coordinator
	Cache    *cache.Store
	Metrics  infraMetrics.GatewayMetrics
	// APIKey, when set, is required on every /api/ route.
	APIKey string
	// MaxUploadBytes caps PUT /api/v1/artifacts/{id} bodies.
	MaxUploadBytes int64
}

type server struct {
	engine   *recording.Engine
	pipeline *pipeline.Coordinator
	cache    *cache.Store
	metrics  infraMetrics.GatewayMetrics
	apiKey   string
	maxBody  int64
	limiter  *tokenBucket
}

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return isAllowedOrigin(r) },
	Subprotocols: []string{wsAPIKeyProtocol},
}

func newServer(deps Deps) *server {
	maxBody := deps.MaxUploadBytes
	if maxBody <= 0 {
		maxBody = defaultMaxUploadBytes
	}
	return &server{
		engine:   deps.Engine,
		pipeline: deps.Pipeline,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		apiKey:   normalizeAPIKey(deps.APIKey),
		maxBody:  maxBody,
	}
}

// Run serves the API on httpAddr and Prometheus metrics on metricsAddr until
// ctx is cancelled.
func Run(ctx context.Context, deps Deps, httpAddr, metricsAddr string) error {
	if deps.Pipeline == nil || deps.Cache == nil {
		return fmt.Errorf("gateway: pipeline and cache are required")
	}
	s := newServer(deps)
	s.limiter = newTokenBucketFromEnv(ctx)
	return startHTTPServer(ctx, s, httpAddr, metricsAddr)
}

func startHTTPServer(ctx context.Context, s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info(component, "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()

	logging.Info(component, "http listening", "addr", httpAddr)
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error(component, "http server error", "error", err)
		_ = metricsSrv.Close()
		return err
	}
	return nil
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "device": s.engine != nil})
	})

	// Recording
	mux.HandleFunc("GET /api/v1/recording", s.instrumented("/api/v1/recording", s.handleGetRecording))
	mux.HandleFunc("POST /api/v1/recording/start", s.instrumented("/api/v1/recording/start", s.handleStartRecording))
	mux.HandleFunc("POST /api/v1/recording/stop", s.instrumented("/api/v1/recording/stop", s.handleStopRecording))
	mux.HandleFunc("POST /api/v1/recording/pause", s.instrumented("/api/v1/recording/pause", s.handlePauseRecording))
	mux.HandleFunc("POST /api/v1/recording/resume", s.instrumented("/api/v1/recording/resume", s.handleResumeRecording))
	mux.HandleFunc("POST /api/v1/snapshots", s.instrumented("/api/v1/snapshots", s.handleSnapshot))

	// Artifacts
	mux.HandleFunc("GET /api/v1/artifacts/{id}", s.instrumented("/api/v1/artifacts/{id}", s.handleGetArtifact))
	mux.HandleFunc("PUT /api/v1/artifacts/{id}", s.instrumented("/api/v1/artifacts/{id}", s.handlePutArtifact))
	mux.HandleFunc("DELETE /api/v1/artifacts/{id}", s.instrumented("/api/v1/artifacts/{id}", s.handleDeleteArtifact))
	mux.HandleFunc("GET /api/v1/artifacts/{id}/download", s.instrumented("/api/v1/artifacts/{id}/download", s.handleDownloadArtifact))
	mux.HandleFunc("POST /api/v1/artifacts/{id}/upload", s.instrumented("/api/v1/artifacts/{id}/upload", s.handleUploadArtifact))
	mux.HandleFunc("POST /api/v1/cache/prune", s.instrumented("/api/v1/cache/prune", s.handlePrune))

	// Upload progress
	mux.HandleFunc("/api/v1/stream", s.instrumented("/api/v1/stream", s.handleStream))

	return corsMiddleware(rateLimitMiddleware(s.limiter, apiKeyMiddleware(s.apiKey, mux)))
}

// --- Recording ---

type startRecordingRequest struct {
	Mode        string `json:"mode"`
	MimeType    string `json:"mime_type"`
	TimeLimitMs int64  `json:"time_limit_ms"`
}

type sessionView struct {
	ID        string     `json:"id"`
	Mode      string     `json:"mode"`
	MimeType  string     `json:"mime_type"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Chunks    int        `json:"chunks"`
	Bytes     int        `json:"bytes"`
}

type artifactView struct {
	Key         string     `json:"key"`
	ID          string     `json:"id,omitempty"`
	Kind        string     `json:"kind,omitempty"`
	ContentType string     `json:"content_type"`
	SizeBytes   int        `json:"size_bytes"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type recordingStatus struct {
	State       string        `json:"state"`
	IsRecording bool          `json:"is_recording"`
	IsPaused    bool          `json:"is_paused"`
	Session     *sessionView  `json:"session,omitempty"`
	Last        *artifactView `json:"last_artifact,omitempty"`
}

func (s *server) requireEngine(w http.ResponseWriter) bool {
	if s.engine == nil {
		http.Error(w, "capture device unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func (s *server) status() recordingStatus {
	st := recordingStatus{
		State:       string(s.engine.State()),
		IsRecording: s.engine.IsRecording(),
		IsPaused:    s.engine.IsPaused(),
	}
	if sess, ok := s.engine.Session(); ok {
		v := &sessionView{
			ID:        sess.ID,
			Mode:      string(sess.Mode),
			MimeType:  sess.MimeType,
			State:     string(sess.State),
			StartedAt: sess.StartedAt,
			Chunks:    sess.Chunks,
			Bytes:     sess.Bytes,
		}
		if !sess.Deadline.IsZero() {
			d := sess.Deadline
			v.Deadline = &d
		}
		st.Session = v
	}
	if art := s.engine.Artifact(); art != nil {
		st.Last = s.viewOf(art)
	}
	return st
}

func (s *server) viewOf(art *recording.Artifact) *artifactView {
	return &artifactView{
		Key:         s.pipeline.KeyFor(art),
		ID:          art.ID,
		Kind:        string(art.Kind),
		ContentType: art.ContentType,
		SizeBytes:   art.Size(),
		DurationMs:  art.Duration.Milliseconds(),
		CreatedAt:   art.CreatedAt,
	}
}

func (s *server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	var req startRecordingRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	mode, err := recording.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TimeLimitMs < 0 {
		http.Error(w, "time_limit_ms must not be negative", http.StatusBadRequest)
		return
	}
	if s.engine.IsRecording() {
		http.Error(w, "recording already in progress", http.StatusConflict)
		return
	}
	opts := recording.StartOptions{
		Mode:      mode,
		MimeType:  strings.TrimSpace(req.MimeType),
		TimeLimit: time.Duration(req.TimeLimitMs) * time.Millisecond,
	}
	if err := s.pipeline.Record(s.engine, opts); err != nil {
		writeDeviceError(w, err)
		return
	}
	if !s.engine.IsRecording() {
		http.Error(w, "recorder failed to start", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, s.status())
}

func (s *server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	if !s.engine.IsRecording() {
		http.Error(w, "not recording", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	art, err := s.engine.StopAndWait(ctx)
	if err != nil {
		if errors.Is(err, recording.ErrNotRecording) {
			http.Error(w, "not recording", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	if art == nil {
		http.Error(w, "no artifact produced", http.StatusInternalServerError)
		return
	}
	view := s.viewOf(art)
	if entry := s.cache.Lookup(r.Context(), view.Key); entry != nil {
		exp := entry.ExpiresAt
		view.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handlePauseRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	if s.engine.State() != recording.StateRecording {
		http.Error(w, "not recording", http.StatusConflict)
		return
	}
	s.engine.Pause()
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) handleResumeRecording(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	if !s.engine.IsPaused() {
		http.Error(w, "not paused", http.StatusConflict)
		return
	}
	s.engine.Resume()
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	key, err := s.pipeline.Capture(r.Context(), s.engine)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoFrame) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	entry := s.cache.Lookup(r.Context(), key)
	if entry == nil {
		http.Error(w, "snapshot not cached", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, entryView(entry))
}

// --- Artifacts ---

func entryView(e *cache.Entry) *artifactView {
	exp := e.ExpiresAt
	return &artifactView{
		Key:         e.ID,
		ContentType: e.ContentType,
		SizeBytes:   len(e.Payload),
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   &exp,
	}
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) *cache.Entry {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "artifact id required", http.StatusBadRequest)
		return nil
	}
	entry := s.cache.Lookup(r.Context(), id)
	if entry == nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return nil
	}
	return entry
}

func (s *server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	entry := s.lookup(w, r)
	if entry == nil {
		return
	}
	writeJSON(w, http.StatusOK, entryView(entry))
}

func (s *server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	entry := s.lookup(w, r)
	if entry == nil {
		return
	}
	ct := entry.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Payload)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.ID))
	_, _ = w.Write(entry.Payload)
}

func (s *server) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "artifact id required", http.StatusBadRequest)
		return
	}
	retention := time.Duration(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("retention")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			http.Error(w, "invalid retention", http.StatusBadRequest)
			return
		}
		retention = d
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "artifact too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	opts := cache.SaveOptions{
		Retention:   retention,
		ContentType: strings.TrimSpace(r.Header.Get("Content-Type")),
	}
	if err := s.cache.Save(r.Context(), id, body, opts); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	entry := s.cache.Lookup(r.Context(), id)
	if entry == nil {
		// Saved with a retention that already elapsed.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, entryView(entry))
}

func (s *server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "artifact id required", http.StatusBadRequest)
		return
	}
	s.pipeline.Delete(r.Context(), id)
	w.WriteHeader(http.StatusNoContent)
}

type uploadRequest struct {
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	WithCredentials bool              `json:"with_credentials"`
	TimeoutMs       int64             `json:"timeout_ms"`
	ContentType     string            `json:"content_type"`
}

func (s *server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "artifact id required", http.StatusBadRequest)
		return
	}
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TimeoutMs < 0 {
		http.Error(w, "timeout_ms must not be negative", http.StatusBadRequest)
		return
	}
	opts := transport.Options{
		URL:             strings.TrimSpace(req.URL),
		Method:          req.Method,
		Headers:         req.Headers,
		WithCredentials: req.WithCredentials,
		Timeout:         time.Duration(req.TimeoutMs) * time.Millisecond,
		ContentType:     strings.TrimSpace(req.ContentType),
	}
	// Uploads are bounded by their own timeout, not the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		logging.Debug(component, "clear write deadline failed", "error", err)
	}
	err := s.pipeline.Upload(r.Context(), id, opts)
	if err != nil {
		http.Error(w, err.Error(), uploadStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "url": opts.URL, "status": "uploaded"})
}

func uploadStatus(err error) int {
	var (
		httpErr    *transport.HTTPError
		timeoutErr *transport.TimeoutError
	)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &httpErr), errors.Is(err, transport.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) handlePrune(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.Prune(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pruned": n})
}

// --- Helpers ---

func writeDeviceError(w http.ResponseWriter, err error) {
	var de *capture.DeviceError
	if !errors.As(err, &de) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch de.Type {
	case capture.ErrPermissionDenied:
		status = http.StatusForbidden
	case capture.ErrNoDeviceFound:
		status = http.StatusServiceUnavailable
	case capture.ErrConstraint:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"type": string(de.Type), "message": de.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
