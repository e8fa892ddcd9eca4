// Package handler provides HTTP request handlers for the operational API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/queue"
	"github.com/devrev/snapback/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	// maxRollingDays bounds the window of a success rate query
	maxRollingDays = 30
	// maxBatchClockWallets bounds a batch clock status request
	maxBatchClockWallets = 5000
)

// ClockReader reads this node's clocks
type ClockReader interface {
	GetCurrentClock(ctx context.Context, userID string) (int64, error)
	GetCurrentClocks(ctx context.Context, userIDs []string) (map[string]int64, error)
}

// SuccessRates computes sync success rates
type SuccessRates interface {
	ComputeRollingSuccessRates(ctx context.Context, usersToSecondaries map[string][]string, days int) (map[string]map[string]service.SuccessRate, error)
}

// Trigger enqueues on-demand monitoring for a user
type Trigger interface {
	TriggerUser(ctx context.Context, userID string) (queue.JobHandle, error)
}

// ReconfigModes reads and changes the reconfig mode
type ReconfigModes interface {
	Highest() model.ReconfigMode
	Configured() model.ReconfigMode
	EnabledModes() []model.ReconfigMode
	SetConfigured(mode model.ReconfigMode)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	clocks  ClockReader
	rates   SuccessRates
	trigger Trigger
	modes   ReconfigModes
	logger  *zap.Logger
	timeout time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	clocks ClockReader,
	rates SuccessRates,
	trigger Trigger,
	modes ReconfigModes,
	logger *zap.Logger,
	timeout time.Duration,
) *Handlers {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handlers{
		clocks:  clocks,
		rates:   rates,
		trigger: trigger,
		modes:   modes,
		logger:  logger,
		timeout: timeout,
	}
}

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// clockStatusResponse is the envelope peers decode when polling clocks
type clockStatusResponse struct {
	Data model.ClockStatus `json:"data"`
}

// GetClockStatus handles GET /users/clock_status/{wallet} requests.
func (h *Handlers) GetClockStatus(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	clock, err := h.clocks.GetCurrentClock(ctx, wallet)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, clockStatusResponse{
		Data: model.ClockStatus{ClockValue: clock},
	})
}

type batchClockStatusResponse struct {
	Data model.BatchClockStatus `json:"data"`
}

// GetBatchClockStatus handles POST /users/batch_clock_status requests.
func (h *Handlers) GetBatchClockStatus(w http.ResponseWriter, r *http.Request) {
	var req model.BatchClockStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, apperrors.InvalidArgument("invalid request body", err))
		return
	}
	if len(req.WalletPublicKeys) == 0 {
		h.handleError(w, r, apperrors.InvalidArgument("walletPublicKeys is required", nil))
		return
	}
	if len(req.WalletPublicKeys) > maxBatchClockWallets {
		h.handleError(w, r, apperrors.InvalidArgument("too many walletPublicKeys", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	clocks, err := h.clocks.GetCurrentClocks(ctx, req.WalletPublicKeys)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	users := make([]model.UserClock, 0, len(req.WalletPublicKeys))
	for _, wallet := range req.WalletPublicKeys {
		users = append(users, model.UserClock{WalletPublicKey: wallet, Clock: clocks[wallet]})
	}
	h.writeJSONResponse(w, http.StatusOK, batchClockStatusResponse{
		Data: model.BatchClockStatus{Users: users},
	})
}

// SuccessRatesRequest is the body of a success rate query
type SuccessRatesRequest struct {
	UsersToSecondaries map[string][]string `json:"users_to_secondaries"`
	Days               int                 `json:"days,omitempty"`
}

// SuccessRatesResponse maps user to secondary to success rate
type SuccessRatesResponse struct {
	Days  int                                       `json:"days"`
	Rates map[string]map[string]service.SuccessRate `json:"rates"`
}

// ComputeSuccessRates handles POST /v1/sync-health/success-rates requests.
func (h *Handlers) ComputeSuccessRates(w http.ResponseWriter, r *http.Request) {
	var req SuccessRatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, apperrors.InvalidArgument("invalid request body", err))
		return
	}
	if len(req.UsersToSecondaries) == 0 {
		h.handleError(w, r, apperrors.InvalidArgument("users_to_secondaries is required", nil))
		return
	}
	if req.Days <= 0 {
		req.Days = 1
	}
	if req.Days > maxRollingDays {
		h.handleError(w, r, apperrors.InvalidArgument("days must be at most 30", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rates, err := h.rates.ComputeRollingSuccessRates(ctx, req.UsersToSecondaries, req.Days)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, SuccessRatesResponse{Days: req.Days, Rates: rates})
}

// TriggerResponse reports the on-demand monitoring job
type TriggerResponse struct {
	JobID     string `json:"job_id"`
	Duplicate bool   `json:"duplicate"`
}

// TriggerReconcile handles POST /v1/users/{wallet}/reconcile requests.
func (h *Handlers) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	handle, err := h.trigger.TriggerUser(r.Context(), mux.Vars(r)["wallet"])
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusAccepted, TriggerResponse{JobID: handle.ID, Duplicate: handle.Duplicate})
}

// ReconfigModeResponse describes the reconfig mode state
type ReconfigModeResponse struct {
	Configured string   `json:"configured"`
	Highest    string   `json:"highest_enabled"`
	Enabled    []string `json:"enabled"`
}

// GetReconfigMode handles GET /v1/reconfig-mode requests.
func (h *Handlers) GetReconfigMode(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.reconfigState())
}

// SetReconfigModeRequest is the body of a reconfig mode change
type SetReconfigModeRequest struct {
	Mode string `json:"mode"`
}

// SetReconfigMode handles PUT /v1/reconfig-mode requests.
func (h *Handlers) SetReconfigMode(w http.ResponseWriter, r *http.Request) {
	var req SetReconfigModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, apperrors.InvalidArgument("invalid request body", err))
		return
	}
	mode, ok := model.ParseReconfigMode(req.Mode)
	if !ok {
		h.handleError(w, r, apperrors.InvalidArgument("unknown reconfig mode: "+req.Mode, nil))
		return
	}

	h.modes.SetConfigured(mode)
	h.writeJSONResponse(w, http.StatusOK, h.reconfigState())
}

func (h *Handlers) reconfigState() ReconfigModeResponse {
	enabled := h.modes.EnabledModes()
	resp := ReconfigModeResponse{
		Configured: h.modes.Configured().String(),
		Highest:    h.modes.Highest().String(),
		Enabled:    make([]string, 0, len(enabled)),
	}
	for _, m := range enabled {
		resp.Enabled = append(resp.Enabled, m.String())
	}
	return resp
}

// NotFound writes the error response for unknown routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeErrorResponse(w, r, http.StatusNotFound, apperrors.ErrCodeNotFound.String(), "endpoint not found")
}

// MethodNotAllowed writes the error response for unsupported methods.
func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeErrorResponse(w, r, http.StatusMethodNotAllowed, apperrors.ErrCodeInvalidArgument.String(), "method not allowed")
}

// handleError maps err to a status code and writes an error response.
func (h *Handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var re *apperrors.ReplicationError
	if errors.As(err, &re) {
		h.writeErrorResponse(w, r, re.HTTPStatus(), re.Code.String(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		h.writeErrorResponse(w, r, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
		return
	}
	h.writeErrorResponse(w, r, http.StatusInternalServerError, apperrors.ErrCodeInternal.String(), err.Error())
}

func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	requestID := r.Header.Get("X-Request-ID")
	h.logger.Warn("HTTP error response",
		zap.Int("status_code", statusCode),
		zap.String("error_code", errorCode),
		zap.String("message", message),
		zap.String("request_id", requestID),
	)

	h.writeJSONResponse(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: requestID,
	})
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}
