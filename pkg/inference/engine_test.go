package inference

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamusabshere/fuzzy-infer/pkg/datastore"
	"github.com/seamusabshere/fuzzy-infer/pkg/logging"
	"github.com/seamusabshere/fuzzy-infer/pkg/models"
	"github.com/seamusabshere/fuzzy-infer/pkg/registry"
)

func newTestEngine(t *testing.T, logger *logging.Logger) (*Engine, *datastore.MemoryStore) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register("hotel", hotelConfig(t, "")))
	reg.Freeze()

	store := datastore.NewMemoryStore()
	load(t, store, hotelPopulation())
	return NewEngine(reg, store, logger), store
}

func TestEngineInfer(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()
	rec := models.Record{hdd: 2778, rooms: 20}

	result, err := engine.Infer(ctx, "hotel", rec, electricity, naturalGas)
	require.NoError(t, err)
	assert.Len(t, result.Estimates, 2)
	assert.InDelta(t, 17.80198194953412, result.Estimates[electricity].Value, 1e-9)
	assert.InDelta(t, 1.103465463302275, result.Estimates[naturalGas].Value, 1e-9)

	value, defined, err := engine.InferOne(ctx, "hotel", rec, electricity)
	require.NoError(t, err)
	assert.True(t, defined)
	assert.InDelta(t, result.Estimates[electricity].Value, value, 1e-12)

	assert.Equal(t, 2, store.Stats().Materialized)
	assert.Equal(t, 0, store.Stats().Active)
}

func TestEngineLookupErrors(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	ctx := context.Background()
	rec := models.Record{hdd: 2778, rooms: 20}

	_, err := engine.Infer(ctx, "office", rec, electricity)
	assert.ErrorIs(t, err, models.ErrUnregisteredType)

	_, _, err = engine.InferOne(ctx, "hotel", rec, "steam_per_room_night")
	assert.ErrorIs(t, err, models.ErrUnsupportedTarget)

	_, err = engine.Infer(ctx, "hotel", rec)
	assert.ErrorIs(t, err, registry.ErrNoTargets)

	assert.Equal(t, 0, store.Stats().Materialized)
}

func TestEngineInferOneUndefined(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("hotel", hotelConfig(t, "")))
	engine := NewEngine(reg, datastore.NewMemoryStore(), nil)

	value, defined, err := engine.InferOne(context.Background(), "hotel", models.Record{hdd: 2778}, electricity)
	require.NoError(t, err)
	assert.False(t, defined)
	assert.Zero(t, value)
}

func TestEngineLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)
	engine, _ := newTestEngine(t, logger)

	_, err = engine.Infer(context.Background(), "hotel", models.Record{rooms: 20}, electricity)
	assert.ErrorIs(t, err, models.ErrUnsupportedBasisCombination)
	assert.Contains(t, buf.String(), `"msg":"Inference failed"`)
	assert.Contains(t, buf.String(), `"component":"inference"`)

	buf.Reset()
	_, err = engine.Infer(context.Background(), "hotel", models.Record{hdd: 2778, rooms: 20}, electricity)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"msg":"Inference complete"`)
	assert.Contains(t, buf.String(), `"rows":4`)
}

func TestEngineConcurrentInvocations(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("hotel", hotelConfig(t, weighting)))
	reg.Freeze()
	store := newSQLiteStore(t)
	load(t, store, hotelPopulation())
	engine := NewEngine(reg, store, nil)

	want, err := engine.Infer(context.Background(), "hotel", models.Record{hdd: 2778, rooms: 20}, hotelTargets...)
	require.NoError(t, err)

	results := make(chan *Result, 8)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			r, err := engine.Infer(context.Background(), "hotel", models.Record{hdd: 2778, rooms: 20}, hotelTargets...)
			results <- r
			errs <- err
		}()
	}
	names := make(map[string]struct{})
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
		r := <-results
		names[r.WorkingSet] = struct{}{}
		for _, target := range hotelTargets {
			assert.InDelta(t, want.Estimates[target].Value, r.Estimates[target].Value, 1e-12)
		}
	}
	assert.Len(t, names, 8, "every invocation gets its own working set")
}
