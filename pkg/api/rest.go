package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sandboxrunner/taskscheduler/pkg/monitoring"
	"github.com/sandboxrunner/taskscheduler/pkg/scheduler"
	"github.com/sandboxrunner/taskscheduler/pkg/storage"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// Config holds HTTP API configuration
type Config struct {
	Address         string        `json:"address" yaml:"address" mapstructure:"address"`
	Port            int           `json:"port" yaml:"port" mapstructure:"port"`
	BasePath        string        `json:"base_path" yaml:"base_path" mapstructure:"base_path"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	EnableCORS      bool          `json:"enable_cors" yaml:"enable_cors" mapstructure:"enable_cors"`
	CORSOrigins     []string      `json:"cors_origins" yaml:"cors_origins" mapstructure:"cors_origins"`
	CORSMethods     []string      `json:"cors_methods" yaml:"cors_methods" mapstructure:"cors_methods"`
	CORSHeaders     []string      `json:"cors_headers" yaml:"cors_headers" mapstructure:"cors_headers"`
	MaxRequestSize  int64         `json:"max_request_size" yaml:"max_request_size" mapstructure:"max_request_size"`
	// RateLimitRPS of zero disables rate limiting
	RateLimitRPS     float64 `json:"rate_limit_rps" yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `json:"rate_limit_burst" yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
	DefaultListLimit int     `json:"default_list_limit" yaml:"default_list_limit" mapstructure:"default_list_limit"`
	MaxListLimit     int     `json:"max_list_limit" yaml:"max_list_limit" mapstructure:"max_list_limit"`
	EnableWebSocket  bool    `json:"enable_websocket" yaml:"enable_websocket" mapstructure:"enable_websocket"`
}

// DefaultConfig returns default HTTP API configuration
func DefaultConfig() Config {
	return Config{
		Address:          "localhost",
		Port:             8000,
		BasePath:         "/api",
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     30 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		EnableCORS:       true,
		CORSOrigins:      []string{"*"},
		CORSMethods:      []string{"GET", "POST", "OPTIONS"},
		CORSHeaders:      []string{"Content-Type", "Authorization"},
		MaxRequestSize:   1024 * 1024, // 1MB
		RateLimitRPS:     100,
		RateLimitBurst:   200,
		DefaultListLimit: 100,
		MaxListLimit:     1000,
		EnableWebSocket:  true,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Port)
	}
	if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("base path must start with '/': %q", c.BasePath)
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("max request size must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit burst must be positive when rate limiting is enabled")
	}
	return nil
}

// Scheduler is the subset of the scheduler the API drives
type Scheduler interface {
	Submit(ctx context.Context, spec task.Spec) (*scheduler.SubmitResult, error)
	Status(id string) (*task.Task, error)
	List(filter scheduler.Filter) []*task.Task
	Cancel(id string) (bool, error)
	WorkerStats() scheduler.WorkerStatus
	Metrics(ctx context.Context) scheduler.Snapshot
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
	Subscribe() *scheduler.Subscription
	Unsubscribe(sub *scheduler.Subscription)
	Running() bool
	QueueDepth() int
}

// MetricsHistory reads persisted metrics snapshots
type MetricsHistory interface {
	Query(ctx context.Context, q storage.SnapshotQuery) ([]*storage.SnapshotRecord, error)
}

// RESTAPI serves the task scheduler over HTTP
type RESTAPI struct {
	config     Config
	scheduler  Scheduler
	health     *monitoring.HealthRegistry
	tracing    *monitoring.TracingManager
	history    MetricsHistory
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	limiter    *rate.Limiter
	logger     zerolog.Logger

	streamsMu sync.Mutex
	streams   map[string]*eventStream
	wg        sync.WaitGroup
}

// Option customizes a RESTAPI
type Option func(*RESTAPI)

// WithHealth serves GET /health from registry
func WithHealth(registry *monitoring.HealthRegistry) Option {
	return func(api *RESTAPI) { api.health = registry }
}

// WithTracing wraps every request in a server span
func WithTracing(tm *monitoring.TracingManager) Option {
	return func(api *RESTAPI) { api.tracing = tm }
}

// WithHistory serves GET /system/metrics/history from persisted snapshots
func WithHistory(h MetricsHistory) Option {
	return func(api *RESTAPI) { api.history = h }
}

// NewRESTAPI creates a new REST API instance
func NewRESTAPI(config Config, sched Scheduler, logger zerolog.Logger, opts ...Option) *RESTAPI {
	api := &RESTAPI{
		config:    config,
		scheduler: sched,
		router:    mux.NewRouter(),
		logger:    logger.With().Str("component", "api").Logger(),
		streams:   make(map[string]*eventStream),
	}
	for _, opt := range opts {
		opt(api)
	}

	if config.RateLimitRPS > 0 {
		api.limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitBurst)
	}

	api.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return api.originAllowed(origin)
		},
	}

	api.setupRoutes()
	return api
}

// GetRouter returns the configured router
func (api *RESTAPI) GetRouter() *mux.Router {
	return api.router
}

// Handler returns the root handler including tracing when configured
func (api *RESTAPI) Handler() http.Handler {
	if api.tracing != nil && api.tracing.Enabled() {
		return api.tracing.Middleware(api.router)
	}
	return api.router
}

func (api *RESTAPI) setupRoutes() {
	api.router.Use(api.loggingMiddleware)
	api.router.Use(api.corsMiddleware)
	api.router.Use(api.rateLimitMiddleware)
	api.router.Use(api.requestSizeMiddleware)

	r := api.router.PathPrefix(api.config.BasePath).Subrouter()

	r.HandleFunc("/tasks/submit", api.handleSubmitTask).Methods("POST", "OPTIONS")
	r.HandleFunc("/tasks", api.handleListTasks).Methods("GET")
	r.HandleFunc("/tasks/{id}/status", api.handleTaskStatus).Methods("GET")
	r.HandleFunc("/tasks/{id}/cancel", api.handleCancelTask).Methods("POST", "GET", "OPTIONS")

	r.HandleFunc("/workers/status", api.handleWorkerStatus).Methods("GET")
	r.HandleFunc("/system/metrics", api.handleSystemMetrics).Methods("GET")
	if api.history != nil {
		r.HandleFunc("/system/metrics/history", api.handleMetricsHistory).Methods("GET")
	}
	r.HandleFunc("/system/cleanup", api.handleCleanup).Methods("POST", "OPTIONS")
	r.HandleFunc("/health", api.handleHealth).Methods("GET")
	if api.health != nil {
		r.HandleFunc("/health/history", api.handleHealthHistory).Methods("GET")
	}

	if api.config.EnableWebSocket {
		r.HandleFunc("/events", api.handleEvents).Methods("GET")
	}
}

// Start begins serving in the background
func (api *RESTAPI) Start() error {
	addr := fmt.Sprintf("%s:%d", api.config.Address, api.config.Port)
	api.logger.Info().
		Str("address", addr).
		Str("base_path", api.config.BasePath).
		Bool("websocket_enabled", api.config.EnableWebSocket).
		Float64("rate_limit_rps", api.config.RateLimitRPS).
		Msg("Starting HTTP server")

	api.httpServer = &http.Server{
		Addr:           addr,
		Handler:        api.Handler(),
		ReadTimeout:    api.config.ReadTimeout,
		WriteTimeout:   api.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	api.wg.Add(1)
	go func() {
		defer api.wg.Done()
		if err := api.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			api.logger.Error().Err(err).Msg("HTTP server listen error")
		}
	}()
	return nil
}

// Stop closes event streams and shuts the server down
func (api *RESTAPI) Stop(ctx context.Context) error {
	api.logger.Info().Msg("Stopping HTTP server")

	api.closeStreams()

	if api.httpServer != nil {
		if err := api.httpServer.Shutdown(ctx); err != nil {
			api.logger.Error().Err(err).Msg("HTTP server shutdown error")
			return err
		}
	}

	api.wg.Wait()
	api.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (api *RESTAPI) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.writeErrorResponse(r, w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	spec, err := req.ToSpec()
	if err != nil {
		api.writeSchedulerError(r, w, err)
		return
	}

	result, err := api.scheduler.Submit(r.Context(), spec)
	if err != nil {
		api.writeSchedulerError(r, w, err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, SubmitResponse{
		TaskID:             result.ID,
		Status:             result.State,
		Message:            "Task submitted successfully",
		QueuePosition:      result.QueuePosition,
		EstimatedStartTime: result.EstimatedStart,
		ProcessingTimeMs:   float64(time.Since(start)) / float64(time.Millisecond),
	})
}

func (api *RESTAPI) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := scheduler.Filter{Name: query.Get("name")}

	for _, raw := range query["state"] {
		for _, s := range strings.Split(raw, ",") {
			state, err := task.ParseState(s)
			if err != nil {
				api.writeErrorResponse(r, w, http.StatusBadRequest, "Invalid state filter", err)
				return
			}
			filter.States = append(filter.States, state)
		}
	}

	limit := api.config.DefaultListLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			api.writeErrorResponse(r, w, http.StatusBadRequest, "Invalid limit", fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if api.config.MaxListLimit > 0 && limit > api.config.MaxListLimit {
		limit = api.config.MaxListLimit
	}
	filter.Limit = limit

	tasks := api.scheduler.List(filter)
	data := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		data = append(data, convertTaskToResponse(t, false))
	}

	api.writeJSONResponse(w, http.StatusOK, ListResponse{
		Data:      data,
		Total:     len(data),
		Limit:     limit,
		Timestamp: time.Now(),
	})
}

func (api *RESTAPI) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	t, err := api.scheduler.Status(id)
	if err != nil {
		api.writeSchedulerError(r, w, err)
		return
	}
	api.writeJSONResponse(w, http.StatusOK, convertTaskToResponse(t, true))
}

func (api *RESTAPI) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	cancelled, err := api.scheduler.Cancel(id)
	if err != nil {
		api.writeSchedulerError(r, w, err)
		return
	}

	msg := "Task cancelled"
	if !cancelled {
		msg = "Task already finished"
	}
	api.writeJSONResponse(w, http.StatusOK, CancelResponse{TaskID: id, Cancelled: cancelled, Message: msg})
}

func (api *RESTAPI) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	api.writeJSONResponse(w, http.StatusOK, WorkersResponse{
		WorkerStatus: api.scheduler.WorkerStats(),
		Timestamp:    time.Now(),
	})
}

func (api *RESTAPI) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	api.writeJSONResponse(w, http.StatusOK, api.scheduler.Metrics(r.Context()))
}

func (api *RESTAPI) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	minutes := 60.0
	if raw := query.Get("since_minutes"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			api.writeErrorResponse(r, w, http.StatusBadRequest, "Invalid since_minutes", fmt.Errorf("must be a positive number"))
			return
		}
		minutes = v
	}

	limit := api.config.DefaultListLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			api.writeErrorResponse(r, w, http.StatusBadRequest, "Invalid limit", fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if api.config.MaxListLimit > 0 && limit > api.config.MaxListLimit {
		limit = api.config.MaxListLimit
	}

	since := time.Now().Add(-time.Duration(minutes * float64(time.Minute)))
	records, err := api.history.Query(r.Context(), storage.SnapshotQuery{Since: since, Limit: limit})
	if err != nil {
		api.writeErrorResponse(r, w, http.StatusInternalServerError, "Failed to read metrics history", err)
		return
	}

	api.writeJSONResponse(w, http.StatusOK, HistoryResponse{
		Data:         records,
		Total:        len(records),
		SinceMinutes: minutes,
		Timestamp:    time.Now(),
	})
}

func (api *RESTAPI) handleCleanup(w http.ResponseWriter, r *http.Request) {
	hours := 24.0
	if raw := r.URL.Query().Get("older_than_hours"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			api.writeErrorResponse(r, w, http.StatusBadRequest, "Invalid older_than_hours", fmt.Errorf("must be a non-negative number"))
			return
		}
		hours = v
	}

	olderThan := time.Duration(hours * float64(time.Hour))
	evicted, err := api.scheduler.Cleanup(r.Context(), olderThan)
	if err != nil && evicted == 0 {
		api.writeSchedulerError(r, w, err)
		return
	}

	resp := CleanupResponse{Evicted: evicted, OlderThanHours: hours}
	if err != nil {
		// registry eviction succeeded but the store did not
		resp.Error = err.Error()
		api.logger.Warn().Err(err).Int("evicted", evicted).Msg("Partial cleanup")
	}
	api.writeJSONResponse(w, http.StatusOK, resp)
}

func (api *RESTAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if api.health == nil {
		status := monitoring.HealthStatusHealthy
		code := http.StatusOK
		if !api.scheduler.Running() {
			status = monitoring.HealthStatusUnhealthy
			code = http.StatusServiceUnavailable
		}
		api.writeJSONResponse(w, code, map[string]interface{}{
			"status":      status,
			"queue_depth": api.scheduler.QueueDepth(),
			"timestamp":   time.Now(),
		})
		return
	}

	// cached=true serves the last result when there is one
	var health *monitoring.OverallHealth
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		health = api.health.LastHealth()
	}
	if health == nil {
		health = api.health.CheckHealth(r.Context())
	}
	code := http.StatusOK
	if health.Status == monitoring.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	api.writeJSONResponse(w, code, health)
}

func (api *RESTAPI) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	history := api.health.History()
	api.writeJSONResponse(w, http.StatusOK, HealthHistoryResponse{
		Data:      history,
		Total:     len(history),
		Timestamp: time.Now(),
	})
}

func (api *RESTAPI) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		api.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (api *RESTAPI) writeErrorResponse(r *http.Request, w http.ResponseWriter, status int, message string, err error) {
	errorResponse := ErrorResponse{
		Error: Error{
			Code:      status,
			Message:   message,
			Timestamp: time.Now(),
		},
	}
	if api.tracing != nil {
		errorResponse.Error.TraceID = monitoring.TraceID(r.Context())
	}

	if err != nil {
		errorResponse.Error.Details = err.Error()
		var ve *task.ValidationError
		if errors.As(err, &ve) {
			errorResponse.Error.Field = ve.Field
		}

		event := api.logger.Warn()
		if status >= http.StatusInternalServerError {
			event = api.logger.Error()
		}
		event.Err(err).
			Int("status", status).
			Str("path", r.URL.Path).
			Str("message", message).
			Msg("API error")
	}

	api.writeJSONResponse(w, status, errorResponse)
}

// writeSchedulerError maps the scheduler error taxonomy onto status codes
func (api *RESTAPI) writeSchedulerError(r *http.Request, w http.ResponseWriter, err error) {
	switch {
	case task.IsValidation(err):
		api.writeErrorResponse(r, w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, task.ErrNotFound):
		api.writeErrorResponse(r, w, http.StatusNotFound, "Task not found", err)
	case errors.Is(err, task.ErrQueueFull):
		api.writeErrorResponse(r, w, http.StatusServiceUnavailable, "Task queue is full", err)
	case errors.Is(err, task.ErrSchedulerStopped):
		api.writeErrorResponse(r, w, http.StatusServiceUnavailable, "Scheduler is not running", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		api.writeErrorResponse(r, w, http.StatusServiceUnavailable, "Request cancelled", err)
	default:
		api.writeErrorResponse(r, w, http.StatusInternalServerError, "Internal error", err)
	}
}
