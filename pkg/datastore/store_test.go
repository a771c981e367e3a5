package datastore

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

type populatedStore interface {
	Store
	Insert(ctx context.Context, entityType string, rec models.Record) (int64, error)
}

var hotelColumns = []string{"lodging_rooms", "heating_degree_days", "electricity_per_room_night", "weighting", "floors"}

func hotelRows() []models.Record {
	return []models.Record{
		{"lodging_rooms": 10, "heating_degree_days": 1000, "electricity_per_room_night": 12, "weighting": 1},
		{"lodging_rooms": 20, "heating_degree_days": 3000, "electricity_per_room_night": 18, "weighting": 2},
		{"lodging_rooms": 40, "heating_degree_days": 2000, "electricity_per_room_night": 25},
		{"lodging_rooms": 30, "electricity_per_room_night": 21, "weighting": 1},
	}
}

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateEntity(context.Background(), "hotel", hotelColumns))
	return store
}

// forEachStore runs fn against both store implementations loaded with hotelRows
func forEachStore(t *testing.T, fn func(t *testing.T, store populatedStore)) {
	stores := map[string]func(t *testing.T) populatedStore{
		"memory": func(*testing.T) populatedStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) populatedStore { return newSQLiteTestStore(t) },
	}
	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			store := build(t)
			for _, rec := range hotelRows() {
				_, err := store.Insert(context.Background(), "hotel", rec)
				require.NoError(t, err)
			}
			fn(t, store)
		})
	}
}

func TestStoreRowsFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, store populatedStore) {
		ctx := context.Background()

		all, err := store.Rows(ctx, "hotel", Filter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		rows, err := store.Rows(ctx, "hotel", NonNull("heating_degree_days", "weighting"))
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, 1000.0, rows[0].Fields["heating_degree_days"])
		assert.Equal(t, 3000.0, rows[1].Fields["heating_degree_days"])
		assert.Less(t, rows[0].ID, rows[1].ID)

		// nulls are absent keys, not zeros
		assert.False(t, all[2].Fields.Has("weighting"))
	})
}

func TestStoreAggregates(t *testing.T) {
	forEachStore(t, func(t *testing.T, store populatedStore) {
		ctx := context.Background()
		filter := NonNull("heating_degree_days")

		tests := []struct {
			fn     models.AggregateFunc
			column string
			want   float64
		}{
			{models.AggCount, "", 3},
			{models.AggCount, "weighting", 2},
			{models.AggSum, "lodging_rooms", 70},
			{models.AggAvg, "heating_degree_days", 2000},
			{models.AggMax, "electricity_per_room_night", 25},
			{models.AggMin, "lodging_rooms", 10},
			// population stddev of 1000, 3000, 2000
			{models.AggStddev, "heating_degree_days", math.Sqrt(2000000.0 / 3)},
		}
		for _, tt := range tests {
			got, ok, err := store.Aggregate(ctx, "hotel", filter, tt.fn, tt.column)
			require.NoError(t, err, tt.fn)
			assert.True(t, ok, tt.fn)
			assert.InDelta(t, tt.want, got, 1e-9, "%s(%s)", tt.fn, tt.column)
		}
	})
}

func TestStoreAggregateEmptyIsNull(t *testing.T) {
	forEachStore(t, func(t *testing.T, store populatedStore) {
		ctx := context.Background()
		// no row has floors
		filter := NonNull("heating_degree_days", "floors")

		n, ok, err := store.Aggregate(ctx, "hotel", filter, models.AggCount, "")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 0.0, n)

		for _, fn := range []models.AggregateFunc{models.AggSum, models.AggAvg, models.AggMax, models.AggStddev} {
			_, ok, err := store.Aggregate(ctx, "hotel", filter, fn, "lodging_rooms")
			require.NoError(t, err)
			assert.False(t, ok, fn)
		}

		ws, err := store.Materialize(ctx, "hotel", filter, []string{"fuzzy_membership"})
		require.NoError(t, err)
		defer ws.Drop(ctx)
		assert.Equal(t, 0, ws.Len())
	})
}

func TestWorkingSetLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store populatedStore) {
		ctx := context.Background()

		ws, err := store.Materialize(ctx, "hotel", NonNull("heating_degree_days"), []string{"fuzzy_w_heating_degree_days", "fuzzy_membership"})
		require.NoError(t, err)
		defer ws.Drop(ctx)

		assert.Equal(t, 3, ws.Len())
		assert.Regexp(t, `^fuzzy_infer_[0-9a-f]{32}$`, ws.Name())

		hdd, err := ws.Values(ctx, "heating_degree_days")
		require.NoError(t, err)
		assert.Equal(t, []float64{1000, 3000, 2000}, hdd)

		weights, err := ws.Values(ctx, "weighting")
		require.NoError(t, err)
		assert.Equal(t, 1.0, weights[0])
		assert.True(t, math.IsNaN(weights[2]))

		computed, err := ws.Values(ctx, "fuzzy_membership")
		require.NoError(t, err)
		for _, v := range computed {
			assert.True(t, math.IsNaN(v))
		}

		require.NoError(t, ws.SetValues(ctx, "fuzzy_membership", []float64{0.5, 1, math.NaN()}))
		got, err := ws.Values(ctx, "fuzzy_membership")
		require.NoError(t, err)
		assert.Equal(t, 0.5, got[0])
		assert.Equal(t, 1.0, got[1])
		assert.True(t, math.IsNaN(got[2]))

		sum, ok, err := ws.Aggregate(ctx, models.AggSum, "fuzzy_membership")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1.5, sum)

		maxW, ok, err := ws.Aggregate(ctx, models.AggMax, "fuzzy_membership")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1.0, maxW)

		assert.Error(t, ws.SetValues(ctx, "fuzzy_membership", []float64{1}))

		require.NoError(t, ws.Drop(ctx))
		require.NoError(t, ws.Drop(ctx))
	})
}

func TestWorkingSetsAreIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, store populatedStore) {
		ctx := context.Background()
		cols := []string{"fuzzy_membership"}

		a, err := store.Materialize(ctx, "hotel", Filter{}, cols)
		require.NoError(t, err)
		defer a.Drop(ctx)
		b, err := store.Materialize(ctx, "hotel", Filter{}, cols)
		require.NoError(t, err)
		defer b.Drop(ctx)

		assert.NotEqual(t, a.Name(), b.Name())

		require.NoError(t, a.SetValues(ctx, "fuzzy_membership", []float64{1, 1, 1, 1}))
		require.NoError(t, b.SetValues(ctx, "fuzzy_membership", []float64{2, 2, 2, 2}))

		sumA, _, err := a.Aggregate(ctx, models.AggSum, "fuzzy_membership")
		require.NoError(t, err)
		sumB, _, err := b.Aggregate(ctx, models.AggSum, "fuzzy_membership")
		require.NoError(t, err)
		assert.Equal(t, 4.0, sumA)
		assert.Equal(t, 8.0, sumB)
	})
}

func TestStoreRejectsUnsafeIdentifiers(t *testing.T) {
	forEachStore(t, func(t *testing.T, store populatedStore) {
		ctx := context.Background()
		_, err := store.Materialize(ctx, "hotel", Filter{}, []string{`x"; DROP TABLE hotel; --`})
		assert.Error(t, err)

		if _, isSQLite := store.(*SQLiteStore); isSQLite {
			_, _, err = store.Aggregate(ctx, "hotel", Filter{}, models.AggSum, "rooms; --")
			assert.Error(t, err)
			_, err = store.Rows(ctx, "hotel; --", Filter{})
			assert.Error(t, err)
		}
	})
}

func TestImputationsRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store populatedStore) {
		ctx := context.Background()
		sink, ok := store.(interface {
			SaveImputation(ctx context.Context, imp *Imputation) error
			ListImputations(ctx context.Context, entityType string) ([]*Imputation, error)
		})
		require.True(t, ok)

		require.NoError(t, sink.SaveImputation(ctx, &Imputation{EntityType: "hotel", RowID: 4, Target: "heating_degree_days", Value: 2100, Defined: true, Rows: 3}))
		require.NoError(t, sink.SaveImputation(ctx, &Imputation{EntityType: "hotel", RowID: 3, Target: "weighting", Rows: 0}))
		require.NoError(t, sink.SaveImputation(ctx, &Imputation{EntityType: "office", RowID: 1, Target: "x", Defined: true}))

		list, err := sink.ListImputations(ctx, "hotel")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, int64(3), list[0].RowID)
		assert.False(t, list[0].Defined)
		assert.Equal(t, int64(4), list[1].RowID)
		assert.Equal(t, 2100.0, list[1].Value)
		assert.True(t, list[1].Defined)
		assert.NotEmpty(t, list[1].ID)
		assert.False(t, list[1].ComputedAt.IsZero())

		// a rerun replaces the earlier estimate for the same row and target
		require.NoError(t, sink.SaveImputation(ctx, &Imputation{EntityType: "hotel", RowID: 4, Target: "heating_degree_days", Value: 2200, Defined: true, Rows: 4}))
		list, err = sink.ListImputations(ctx, "hotel")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 2200.0, list[1].Value)
		assert.Equal(t, 4, list[1].Rows)
	})
}
