package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gustycube/sslinspect/internal/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a health check for a component
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

// Response represents the overall health response
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler manages health and readiness checks
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	logger   *logging.Logger
	ready    bool
}

// NewHandler creates a new health handler
func NewHandler(logger *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		logger:   logger,
	}
}

// RegisterChecker adds a health checker
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// SetMetadata sets metadata for the health response
func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady marks the service as ready
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness status
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Evaluate runs every registered checker and folds the results into one
// response. Checks are ordered by name.
func (h *Handler) Evaluate(ctx context.Context) Response {
	h.mu.RLock()
	names := make([]string, 0, len(h.checkers))
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		names = append(names, k)
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	response := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    []Check{},
		Metadata:  metadata,
	}
	for _, name := range names {
		check := checkers[name].Check(ctx)
		check.Name = name
		response.Checks = append(response.Checks, check)

		if check.Status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if check.Status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}
	return response
}

// HealthHandler handles health check requests
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := h.Evaluate(ctx)

	// degraded still answers 200
	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
		if h.logger != nil {
			h.logger.Warnw("health check failed", "checks", response.Checks)
		}
	}
	writeJSON(w, statusCode, response)
}

// ReadinessHandler handles readiness check requests
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	h.mu.RUnlock()

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
		"metadata":  metadata,
	})
}

// LivenessHandler always answers OK while the process serves requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// PingChecker reports a backend (result store, target queue) reachable
// when its ping succeeds. A nil ping means the backend is not configured.
type PingChecker struct {
	what string
	ping func(context.Context) error
}

func NewPingChecker(what string, ping func(context.Context) error) *PingChecker {
	return &PingChecker{what: what, ping: ping}
}

func (c *PingChecker) Check(ctx context.Context) Check {
	start := time.Now()
	if c.ping == nil {
		return Check{Status: StatusHealthy, Message: c.what + " not configured", LastChecked: start}
	}
	err := c.ping(ctx)
	check := Check{
		Status:      StatusHealthy,
		Message:     c.what + " connection OK",
		LastChecked: time.Now(),
		DurationMS:  time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = c.what + " connection failed: " + err.Error()
	}
	return check
}

// WorkerPoolChecker checks worker pool status
type WorkerPoolChecker struct {
	getActiveWorkers func() int
	maxWorkers       int
}

// NewWorkerPoolChecker creates a new worker pool health checker
func NewWorkerPoolChecker(getActiveWorkers func() int, maxWorkers int) *WorkerPoolChecker {
	return &WorkerPoolChecker{
		getActiveWorkers: getActiveWorkers,
		maxWorkers:       maxWorkers,
	}
}

// Check reports degraded when the pool is above 90% busy. An idle pool is
// healthy: batch runs legitimately wait on their queue.
func (c *WorkerPoolChecker) Check(ctx context.Context) Check {
	start := time.Now()
	active := c.getActiveWorkers()

	check := Check{Status: StatusHealthy, Message: "Worker pool operating normally", LastChecked: start}
	if c.maxWorkers > 0 && float64(active)/float64(c.maxWorkers) > 0.9 {
		check.Status = StatusDegraded
		check.Message = "Worker pool near capacity"
	}
	check.DurationMS = time.Since(start).Milliseconds()
	return check
}
