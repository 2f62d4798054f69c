// Package health exposes liveness, readiness and component health endpoints.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports a component problem as a non-nil error.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// Config identifies the service in health responses
type Config struct {
	ServiceName    string
	ServiceVersion string
	Timeout        time.Duration
}

// Checker provides health check endpoints
type Checker struct {
	config  Config
	logger  zerolog.Logger
	started time.Time

	mu     sync.RWMutex
	checks []check
}

// NewChecker creates a new health checker
func NewChecker(config Config, logger zerolog.Logger) *Checker {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Checker{
		config:  config,
		logger:  logging.WithComponent(logger, "health-checker"),
		started: time.Now(),
	}
}

// AddCheck registers a component. A failing critical component makes the
// service unhealthy and not ready; any other failure only degrades it.
func (c *Checker) AddCheck(name string, fn CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check{name: name, fn: fn, critical: critical})
}

// ComponentStatus is the result of one check
type ComponentStatus struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string                     `json:"status"`
	Service       string                     `json:"service"`
	Version       string                     `json:"version"`
	Timestamp     string                     `json:"timestamp"`
	UptimeSeconds int64                      `json:"uptimeSeconds"`
	Components    map[string]ComponentStatus `json:"components"`
}

// Check runs every registered check concurrently.
func (c *Checker) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	c.mu.RLock()
	checks := append([]check(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]ComponentStatus, len(checks))
	var wg sync.WaitGroup
	for i, ch := range checks {
		wg.Add(1)
		go func(i int, ch check) {
			defer wg.Done()
			results[i] = ComponentStatus{Status: StatusHealthy, Critical: ch.critical}
			if err := ch.fn(ctx); err != nil {
				results[i].Status = StatusUnhealthy
				results[i].Error = err.Error()
			}
		}(i, ch)
	}
	wg.Wait()

	overall := StatusHealthy
	components := make(map[string]ComponentStatus, len(checks))
	for i, ch := range checks {
		components[ch.name] = results[i]
		if results[i].Status == StatusHealthy {
			continue
		}
		if ch.critical {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	return HealthResponse{
		Status:        overall,
		Service:       c.config.ServiceName,
		Version:       c.config.ServiceVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
		Components:    components,
	}
}

// HealthHandler returns the overall health status. Only an unhealthy
// service answers 503; a degraded one still answers 200.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	response := c.Check(r.Context())

	code := http.StatusOK
	if response.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
		c.logger.Warn().Strs("failing", failing(response)).Msg("Health check failed")
	}
	writeJSON(w, code, response)
}

// LiveHandler returns 200 if the process is running
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 when every critical component is healthy
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	response := c.Check(r.Context())

	if response.Status == StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "not_ready",
			"timestamp": response.Timestamp,
			"failing":   failing(response),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": response.Timestamp,
	})
}

func failing(response HealthResponse) []string {
	var names []string
	for name, status := range response.Components {
		if status.Status != StatusHealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
