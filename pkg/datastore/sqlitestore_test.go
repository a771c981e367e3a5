package datastore

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

func TestSQLiteImportCSV(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "import.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	data := `lodging_rooms, heating_degree_days, electricity_per_room_night
20,2778,17.5
35,,21
, 4100, 9.25
`
	n, err := store.ImportCSV(ctx, "hotel", strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	columns, err := store.Columns(ctx, "hotel")
	require.NoError(t, err)
	assert.Equal(t, []string{"lodging_rooms", "heating_degree_days", "electricity_per_room_night"}, columns)

	rows, err := store.Rows(ctx, "hotel", Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, models.Record{"lodging_rooms": 20, "heating_degree_days": 2778, "electricity_per_room_night": 17.5}, rows[0].Fields)
	assert.Equal(t, models.Record{"lodging_rooms": 35, "electricity_per_room_night": 21}, rows[1].Fields)
	assert.Equal(t, models.Record{"heating_degree_days": 4100, "electricity_per_room_night": 9.25}, rows[2].Fields)
}

func TestSQLiteImportCSVRejectsBadCells(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "import.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.ImportCSV(context.Background(), "hotel", strings.NewReader("lodging_rooms\ntwenty\n"))
	assert.Error(t, err)

	_, err = store.ImportCSV(context.Background(), "hotel", strings.NewReader("lodging rooms\n1\n"))
	assert.Error(t, err)
}

func TestSQLiteColumnsUnknownEntity(t *testing.T) {
	store := newSQLiteTestStore(t)
	_, err := store.Columns(context.Background(), "office")
	assert.Error(t, err)
}

func TestSQLiteConcurrentWorkingSets(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()
	for _, rec := range hotelRows() {
		_, err := store.Insert(ctx, "hotel", rec)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			ws, err := store.Materialize(ctx, "hotel", NonNull("heating_degree_days"), []string{"fuzzy_membership"})
			if err != nil {
				errs <- err
				return
			}
			defer ws.Drop(ctx)
			if err := ws.SetValues(ctx, "fuzzy_membership", []float64{v, v, v}); err != nil {
				errs <- err
				return
			}
			sum, _, err := ws.Aggregate(ctx, models.AggSum, "fuzzy_membership")
			if err != nil {
				errs <- err
				return
			}
			if sum != 3*v {
				errs <- assert.AnError
			}
		}(float64(i + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSQLiteDropReleasesTable(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	ws, err := store.Materialize(ctx, "hotel", Filter{}, []string{"fuzzy_membership"})
	require.NoError(t, err)
	require.NoError(t, ws.Drop(ctx))

	_, err = ws.Values(ctx, "fuzzy_membership")
	assert.Error(t, err)
}
