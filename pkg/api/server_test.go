package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamusabshere/fuzzy-infer/pkg/datastore"
	"github.com/seamusabshere/fuzzy-infer/pkg/imputation"
	"github.com/seamusabshere/fuzzy-infer/pkg/inference"
	"github.com/seamusabshere/fuzzy-infer/pkg/models"
	"github.com/seamusabshere/fuzzy-infer/pkg/registry"
)

const (
	electricity = "electricity_per_room_night"
	naturalGas  = "natural_gas_per_room_night"
	hdd         = "heating_degree_days"
	rooms       = "lodging_rooms"
)

type fixture struct {
	server    *Server
	store     *datastore.MemoryStore
	scheduler *imputation.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	both, err := models.ProductCase([]string{hdd, rooms}, models.Product(0.8, hdd, rooms))
	require.NoError(t, err)
	hddOnly, err := models.ProductCase([]string{hdd}, models.Product(0.8, hdd))
	require.NoError(t, err)
	membership, err := models.NewPatternMembership(both, hddOnly)
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Register("hotel", &models.InferenceConfig{
		Targets:    []string{electricity, naturalGas},
		Basis:      []string{rooms, hdd},
		Sigma:      models.DefaultStddevDistance,
		Membership: membership,
	}))
	reg.Freeze()

	store := datastore.NewMemoryStore()
	for _, rec := range []models.Record{
		{hdd: 718.5, rooms: 5, electricity: 17.5, naturalGas: 1.0},
		{hdd: 4837.5, rooms: 5, electricity: 18.0, naturalGas: 1.2},
		{hdd: 718.5, rooms: 230, electricity: 30.0, naturalGas: 2.0},
		{hdd: 4837.5, rooms: 230, electricity: 40.0, naturalGas: 2.5},
		{hdd: 2778, rooms: 20},
	} {
		_, err := store.Insert(context.Background(), "hotel", rec)
		require.NoError(t, err)
	}

	engine := inference.NewEngine(reg, store, nil)
	scheduler := imputation.NewScheduler(imputation.NewRunner(engine, store, 2, nil), 0, nil)
	server := NewServer(engine, reg, store, Options{RequestTimeout: 5 * time.Second, Scheduler: scheduler})
	return &fixture{server: server, store: store, scheduler: scheduler}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = f.do(t, "GET", "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}

func TestListEntitiesAndConfigs(t *testing.T) {
	f := newFixture(t)

	var entities []string
	w := f.do(t, "GET", "/api/v1/entities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &entities)
	assert.Equal(t, []string{"hotel"}, entities)
	assert.Equal(t, "v1", w.Header().Get("X-API-Version"))

	var configs []ConfigView
	w = f.do(t, "GET", "/api/v1/entities/hotel/configs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &configs)
	require.Len(t, configs, 1)
	assert.Equal(t, []string{electricity, naturalGas}, configs[0].Targets)
	assert.Equal(t, "stddev/5 + |avg - value|/3", configs[0].Sigma)
	assert.Equal(t, []string{"heating_degree_days,lodging_rooms", "heating_degree_days"}, configs[0].Membership)

	w = f.do(t, "GET", "/api/v1/entities/office/configs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInferEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/v1/entities/hotel/infer", map[string]any{
		"record":  map[string]any{hdd: 2778, rooms: 20, "cooling_degree_days": nil},
		"targets": []string{electricity, naturalGas},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp InferResponse
	env := decode(t, w, &resp)
	assert.True(t, env.Success)
	assert.Equal(t, "hotel", resp.EntityType)
	assert.Equal(t, 4, resp.Rows)
	assert.InDelta(t, 411.9, resp.Sigma[hdd], 1e-9)
	assert.InDelta(t, 17.80198194953412, resp.Estimates[electricity].Value, 1e-9)
	assert.True(t, resp.Estimates[naturalGas].Defined)
	assert.Equal(t, []string{rooms, hdd}, resp.Basis.Names())
}

func TestInferEndpointErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"malformed", "/api/v1/entities/hotel/infer", "not an object", http.StatusBadRequest},
		{"no targets", "/api/v1/entities/hotel/infer", map[string]any{"record": map[string]any{hdd: 1}}, http.StatusBadRequest},
		{"duplicate targets", "/api/v1/entities/hotel/infer", map[string]any{"record": map[string]any{hdd: 1}, "targets": []string{electricity, electricity}}, http.StatusBadRequest},
		{"unknown entity", "/api/v1/entities/office/infer", map[string]any{"record": map[string]any{hdd: 1}, "targets": []string{electricity}}, http.StatusNotFound},
		{"unsupported target", "/api/v1/entities/hotel/infer", map[string]any{"record": map[string]any{hdd: 1}, "targets": []string{"steam"}}, http.StatusUnprocessableEntity},
		{"empty basis", "/api/v1/entities/hotel/infer", map[string]any{"record": map[string]any{"floors": 3}, "targets": []string{electricity}}, http.StatusUnprocessableEntity},
		{"unsupported combination", "/api/v1/entities/hotel/infer", map[string]any{"record": map[string]any{rooms: 3}, "targets": []string{electricity}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, "POST", tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			env := decode(t, w, nil)
			assert.NotEmpty(t, env.Error)
		})
	}
	assert.Equal(t, 0, f.store.Stats().Active)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, statusForError(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusForError(errors.New("disk I/O error")))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForError(models.ErrDegenerateWeights))
	assert.Equal(t, http.StatusBadRequest, statusForError(registry.ErrNoTargets))
}

func TestJobsAndImputations(t *testing.T) {
	f := newFixture(t)
	job, err := f.scheduler.Add("hotel energy", "hotel", []string{electricity, naturalGas}, "@daily")
	require.NoError(t, err)

	var jobs []imputation.Job
	w := f.do(t, "GET", "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	var summary imputation.Summary
	w = f.do(t, "POST", "/api/v1/jobs/"+job.ID+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &summary)
	assert.Equal(t, 1, summary.Candidates)
	assert.Equal(t, 2, summary.Imputed)

	var imps []datastore.Imputation
	w = f.do(t, "GET", "/api/v1/entities/hotel/imputations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &imps)
	assert.Len(t, imps, 2)

	w = f.do(t, "GET", "/api/v1/entities/hotel/imputations?limit=1", nil)
	decode(t, w, &imps)
	assert.Len(t, imps, 1)

	w = f.do(t, "POST", "/api/v1/jobs/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = f.do(t, "GET", "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/api/v1/entities/hotel/infer", map[string]any{
		"record":  map[string]any{hdd: 2778},
		"targets": []string{electricity},
	})

	w := f.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fuzzyinfer_invocations_total")
	assert.Contains(t, w.Body.String(), "fuzzyinfer_working_sets_total")
}

func TestParseLimit(t *testing.T) {
	req := httptest.NewRequest("GET", "/x?limit=5", nil)
	assert.Equal(t, 5, parseLimit(req, 10))
	req = httptest.NewRequest("GET", "/x?limit=-1", nil)
	assert.Equal(t, 10, parseLimit(req, 10))
	req = httptest.NewRequest("GET", "/x", nil)
	assert.Equal(t, 10, parseLimit(req, 10))
}
