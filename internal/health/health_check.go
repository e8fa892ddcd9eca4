package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/queue"
	"go.uber.org/zap"
)

const probeTimeout = 5 * time.Second

// Pinger is a dependency that can report its own reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// RegistryStatus exposes whether the node registry holds a usable snapshot
type RegistryStatus interface {
	Ready() bool
}

// ModeSource reports the currently enabled reconfig mode
type ModeSource interface {
	Highest() model.ReconfigMode
}

// QueueStatus summarizes the job substrate
type QueueStatus interface {
	Summary() queue.Summary
}

// HealthStatus is the JSON body of both probes
type HealthStatus struct {
	Status       string            `json:"status"`
	Timestamp    int64             `json:"timestamp"`
	ReconfigMode string            `json:"reconfig_mode,omitempty"`
	Checks       map[string]string `json:"checks,omitempty"`
	Queue        *queue.Summary    `json:"queue,omitempty"`
}

type namedCheck struct {
	name  string
	probe func(ctx context.Context) error
}

// HealthChecker serves the liveness and readiness probes
type HealthChecker struct {
	checks []namedCheck
	modes  ModeSource
	jobs   QueueStatus
	logger *zap.Logger
}

var errNoSnapshot = errors.New("no registry snapshot")

// NewHealthChecker wires the readiness checks. Nil dependencies are skipped.
func NewHealthChecker(
	clockStore Pinger,
	replicaSetStore Pinger,
	counterStore Pinger,
	registry RegistryStatus,
	modes ModeSource,
	logger *zap.Logger,
) *HealthChecker {
	h := &HealthChecker{modes: modes, logger: logger}

	for _, p := range []struct {
		name string
		dep  Pinger
	}{
		{"clock_store", clockStore},
		{"replica_set_store", replicaSetStore},
		{"counter_store", counterStore},
	} {
		if p.dep != nil {
			h.checks = append(h.checks, namedCheck{name: p.name, probe: p.dep.Ping})
		}
	}
	if registry != nil {
		h.checks = append(h.checks, namedCheck{name: "registry", probe: func(context.Context) error {
			if !registry.Ready() {
				return errNoSnapshot
			}
			return nil
		}})
	}
	return h
}

// WithQueue adds a job substrate summary to readiness reports. Dead
// letters are informational and never fail readiness.
func (h *HealthChecker) WithQueue(jobs QueueStatus) *HealthChecker {
	h.jobs = jobs
	return h
}

// LivenessHandler reports that the process is serving
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{Status: "alive", Timestamp: time.Now().Unix()})
}

// ReadinessHandler runs every check and reports 503 if any of them fails
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]string, len(h.checks)),
	}
	if h.modes != nil {
		status.ReconfigMode = h.modes.Highest().String()
	}
	if h.jobs != nil {
		summary := h.jobs.Summary()
		status.Queue = &summary
	}

	code := http.StatusOK
	for _, c := range h.checks {
		if err := c.probe(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("check", c.name), zap.Error(err))
			status.Checks[c.name] = "unhealthy: " + err.Error()
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		status.Checks[c.name] = "healthy"
	}

	writeStatus(w, code, status)
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
