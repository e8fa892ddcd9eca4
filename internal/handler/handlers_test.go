package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/devrev/snapback/internal/errors"
	"github.com/devrev/snapback/internal/model"
	"github.com/devrev/snapback/internal/queue"
	"github.com/devrev/snapback/internal/service"
	"github.com/devrev/snapback/internal/store"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockRates struct {
	mock.Mock
}

func (m *mockRates) ComputeRollingSuccessRates(ctx context.Context, usersToSecondaries map[string][]string, days int) (map[string]map[string]service.SuccessRate, error) {
	args := m.Called(ctx, usersToSecondaries, days)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]map[string]service.SuccessRate), args.Error(1)
}

type mockTrigger struct {
	mock.Mock
}

func (m *mockTrigger) TriggerUser(ctx context.Context, userID string) (queue.JobHandle, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(queue.JobHandle), args.Error(1)
}

type fixture struct {
	router  *mux.Router
	clocks  *store.InMemoryClockStore
	rates   *mockRates
	trigger *mockTrigger
	modes   *service.ReconfigController
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clocks:  store.NewInMemoryClockStore(),
		rates:   new(mockRates),
		trigger: new(mockTrigger),
		modes:   service.NewReconfigController(model.ReconfigOneSecondary, nil, zap.NewNop()),
	}
	h := NewHandlers(f.clocks, f.rates, f.trigger, f.modes, zap.NewNop(), 0)

	f.router = mux.NewRouter()
	f.router.HandleFunc("/users/clock_status/{wallet}", h.GetClockStatus).Methods(http.MethodGet)
	f.router.HandleFunc("/users/batch_clock_status", h.GetBatchClockStatus).Methods(http.MethodPost)
	f.router.HandleFunc("/v1/sync-health/success-rates", h.ComputeSuccessRates).Methods(http.MethodPost)
	f.router.HandleFunc("/v1/users/{wallet}/reconcile", h.TriggerReconcile).Methods(http.MethodPost)
	f.router.HandleFunc("/v1/reconfig-mode", h.GetReconfigMode).Methods(http.MethodGet)
	f.router.HandleFunc("/v1/reconfig-mode", h.SetReconfigMode).Methods(http.MethodPut)
	f.router.NotFoundHandler = http.HandlerFunc(h.NotFound)
	return f
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestGetClockStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for c := int64(0); c <= 7; c++ {
		require.NoError(t, f.clocks.AppendRecord(ctx, "wallet1", c, "files"))
	}

	rec := f.do(http.MethodGet, "/users/clock_status/wallet1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"clockValue":7,"syncInProgress":false}}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/users/clock_status/unknown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"clockValue":-1,"syncInProgress":false}}`, rec.Body.String())
}

func TestGetBatchClockStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for c := int64(0); c <= 3; c++ {
		require.NoError(t, f.clocks.AppendRecord(ctx, "wallet1", c, "files"))
	}

	rec := f.do(http.MethodPost, "/users/batch_clock_status", model.BatchClockStatusRequest{
		WalletPublicKeys: []string{"wallet1", "unknown"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"users":[{"walletPublicKey":"wallet1","clock":3},{"walletPublicKey":"unknown","clock":-1}]}}`, rec.Body.String())

	rec = f.do(http.MethodPost, "/users/batch_clock_status", model.BatchClockStatusRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComputeSuccessRates(t *testing.T) {
	f := newFixture(t)
	query := map[string][]string{"wallet1": {"http://cn2.example.com"}}
	f.rates.On("ComputeRollingSuccessRates", mock.Anything, query, 1).Return(map[string]map[string]service.SuccessRate{
		"wallet1": {"http://cn2.example.com": {SuccessCount: 1, FailureCount: 1, SuccessRate: 0.5}},
	}, nil)

	rec := f.do(http.MethodPost, "/v1/sync-health/success-rates", SuccessRatesRequest{UsersToSecondaries: query})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SuccessRatesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Days)
	assert.Equal(t, 0.5, resp.Rates["wallet1"]["http://cn2.example.com"].SuccessRate)
}

func TestComputeSuccessRatesValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/v1/sync-health/success-rates", SuccessRatesRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/sync-health/success-rates", SuccessRatesRequest{
		UsersToSecondaries: map[string][]string{"wallet1": {"a"}},
		Days:               31,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_ARGUMENT", resp.ErrorCode)
	f.rates.AssertNotCalled(t, "ComputeRollingSuccessRates", mock.Anything, mock.Anything, mock.Anything)
}

func TestComputeSuccessRatesStoreError(t *testing.T) {
	f := newFixture(t)
	f.rates.On("ComputeRollingSuccessRates", mock.Anything, mock.Anything, 7).Return(nil, errors.New("redis down"))

	rec := f.do(http.MethodPost, "/v1/sync-health/success-rates", SuccessRatesRequest{
		UsersToSecondaries: map[string][]string{"wallet1": {"a"}},
		Days:               7,
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTriggerReconcile(t *testing.T) {
	f := newFixture(t)
	f.trigger.On("TriggerUser", mock.Anything, "wallet1").
		Return(queue.JobHandle{ID: "monitor-user:wallet1", Queue: model.QueueMonitorState}, nil)
	f.trigger.On("TriggerUser", mock.Anything, "wallet2").
		Return(queue.JobHandle{}, apperrors.QueueFull(string(model.QueueMonitorState)))

	rec := f.do(http.MethodPost, "/v1/users/wallet1/reconcile", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "monitor-user:wallet1", resp.JobID)
	assert.False(t, resp.Duplicate)

	rec = f.do(http.MethodPost, "/v1/users/wallet2/reconcile", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestReconfigMode(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/reconfig-mode", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ReconfigModeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ONE_SECONDARY", resp.Highest)
	assert.Equal(t, []string{"RECONFIG_DISABLED", "ONE_SECONDARY"}, resp.Enabled)

	rec = f.do(http.MethodPut, "/v1/reconfig-mode", SetReconfigModeRequest{Mode: "multiple_secondaries"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ReconfigMultipleSecondaries, f.modes.Highest())

	rec = f.do(http.MethodPut, "/v1/reconfig-mode", SetReconfigModeRequest{Mode: "EVERYTHING"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ReconfigMultipleSecondaries, f.modes.Configured())

	// A failed registry refresh overrides the configured mode
	f.modes.OnRegistryRefresh(errors.New("registry down"))
	rec = f.do(http.MethodGet, "/v1/reconfig-mode", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "MULTIPLE_SECONDARIES", resp.Configured)
	assert.Equal(t, "RECONFIG_DISABLED", resp.Highest)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
