package datastore

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/seamusabshere/fuzzy-infer/pkg/models"
)

// SQLiteStore keeps populations in SQLite tables, one table per entity type.
// Working sets are TEMP tables pinned to a dedicated connection.
type SQLiteStore struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Conn
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each in-flight inference pins one connection for its working set
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to check journal mode: %w", err)
	}
	if journalMode != "wal" && journalMode != "delete" && journalMode != "memory" {
		db.Close()
		return nil, fmt.Errorf("unexpected journal mode: got %s", journalMode)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries a write that failed with SQLITE_BUSY, backing off
// 10ms, 20ms, 40ms...
func (s *SQLiteStore) retryOnBusy(operation func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "SQLITE_BUSY") {
			return err
		}
		time.Sleep(time.Duration(10*(1<<uint(i))) * time.Millisecond)
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fuzzy_imputations (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		row_id INTEGER NOT NULL,
		target TEXT NOT NULL,
		value REAL,
		defined INTEGER NOT NULL,
		rows INTEGER NOT NULL,
		computed_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_fuzzy_imputations_row_target ON fuzzy_imputations(entity_type, row_id, target);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateEntity creates the population table for entityType with REAL
// columns, if it does not exist yet.
func (s *SQLiteStore) CreateEntity(ctx context.Context, entityType string, columns []string) error {
	if err := checkIdentifiers(entityType); err != nil {
		return err
	}
	if err := checkIdentifiers(columns...); err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("entity %s needs at least one column", entityType)
	}
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = quoteIdent(c) + " REAL"
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(entityType), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create entity %s: %w", entityType, err)
	}
	return nil
}

// Columns lists the population table's columns in table order
func (s *SQLiteStore) Columns(ctx context.Context, entityType string) ([]string, error) {
	if err := checkIdentifiers(entityType); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT name FROM pragma_table_info(%s)", quoteLiteral(entityType)))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", entityType, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("entity %s not found", entityType)
	}
	return columns, nil
}

// Insert adds one record to the population and returns its row ID
func (s *SQLiteStore) Insert(ctx context.Context, entityType string, rec models.Record) (int64, error) {
	return insertRecord(ctx, s.db, entityType, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, db execer, entityType string, rec models.Record) (int64, error) {
	fields := rec.Fields()
	if err := checkIdentifiers(entityType); err != nil {
		return 0, err
	}
	if err := checkIdentifiers(fields...); err != nil {
		return 0, err
	}

	var query string
	args := make([]any, len(fields))
	if len(fields) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quoteIdent(entityType))
	} else {
		cols := make([]string, len(fields))
		marks := make([]string, len(fields))
		for i, f := range fields {
			cols[i] = quoteIdent(f)
			marks[i] = "?"
			args[i] = rec[f]
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(entityType), strings.Join(cols, ", "), strings.Join(marks, ", "))
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", entityType, err)
	}
	return res.LastInsertId()
}

// ImportCSV loads a CSV with a header row into entityType, creating the
// table from the header when needed. Empty cells are stored as null.
func (s *SQLiteStore) ImportCSV(ctx context.Context, entityType string, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if err := s.CreateEntity(ctx, entityType, header); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	count := 0
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read CSV line %d: %w", line, err)
		}
		rec := make(models.Record, len(header))
		for i, cell := range record {
			cell = strings.TrimSpace(cell)
			if i >= len(header) || cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return 0, fmt.Errorf("line %d column %s: %w", line, header[i], err)
			}
			rec[header[i]] = v
		}
		if _, err := insertRecord(ctx, tx, entityType, rec); err != nil {
			return 0, err
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}
	return count, nil
}

// Rows returns every row passing filter
func (s *SQLiteStore) Rows(ctx context.Context, entityType string, filter Filter) ([]Row, error) {
	if err := checkIdentifiers(entityType); err != nil {
		return nil, err
	}
	where, err := whereClause(filter)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT rowid, * FROM %s%s ORDER BY rowid", quoteIdent(entityType), where)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entityType, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		id, _ := toFloat(values[0])
		row := Row{ID: int64(id), Fields: make(models.Record, len(columns)-1)}
		for i := 1; i < len(columns); i++ {
			if v, ok := toFloat(values[i]); ok {
				row.Fields[columns[i]] = v
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Aggregate evaluates fn over the filtered population
func (s *SQLiteStore) Aggregate(ctx context.Context, entityType string, filter Filter, fn models.AggregateFunc, column string) (float64, bool, error) {
	if err := checkIdentifiers(entityType); err != nil {
		return 0, false, err
	}
	where, err := whereClause(filter)
	if err != nil {
		return 0, false, err
	}
	return aggregate(ctx, s.db, quoteIdent(entityType), where, fn, column)
}

// Materialize copies the filtered population into a TEMP table on a
// dedicated connection and adds the computed columns.
func (s *SQLiteStore) Materialize(ctx context.Context, entityType string, filter Filter, computed []string) (WorkingSet, error) {
	if err := checkIdentifiers(entityType); err != nil {
		return nil, err
	}
	if err := checkIdentifiers(computed...); err != nil {
		return nil, err
	}
	where, err := whereClause(filter)
	if err != nil {
		return nil, err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	ws := &sqliteWorkingSet{conn: conn, name: newWorkingSetName()}

	if err := ws.build(ctx, entityType, where, computed); err != nil {
		ws.Drop(context.WithoutCancel(ctx))
		return nil, err
	}
	return ws, nil
}

// SaveImputation records one batch estimate, replacing any earlier estimate
// for the same row and target
func (s *SQLiteStore) SaveImputation(ctx context.Context, imp *Imputation) error {
	if imp.ID == "" {
		imp.ID = uuid.New().String()
	}
	if imp.ComputedAt.IsZero() {
		imp.ComputedAt = time.Now().UTC()
	}
	var value any
	if imp.Defined {
		value = imp.Value
	}
	query := `
		INSERT OR REPLACE INTO fuzzy_imputations (id, entity_type, row_id, target, value, defined, rows, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query,
			imp.ID, imp.EntityType, imp.RowID, imp.Target, value, imp.Defined, imp.Rows, imp.ComputedAt)
		if err != nil {
			return fmt.Errorf("failed to save imputation: %w", err)
		}
		return nil
	}, 5)
}

// ListImputations returns the stored estimates for entityType
func (s *SQLiteStore) ListImputations(ctx context.Context, entityType string) ([]*Imputation, error) {
	query := `
		SELECT id, entity_type, row_id, target, value, defined, rows, computed_at
		FROM fuzzy_imputations WHERE entity_type = ? ORDER BY row_id, target
	`
	rows, err := s.db.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list imputations: %w", err)
	}
	defer rows.Close()

	var result []*Imputation
	for rows.Next() {
		imp := &Imputation{}
		var value sql.NullFloat64
		if err := rows.Scan(&imp.ID, &imp.EntityType, &imp.RowID, &imp.Target, &value, &imp.Defined, &imp.Rows, &imp.ComputedAt); err != nil {
			return nil, fmt.Errorf("failed to scan imputation: %w", err)
		}
		imp.Value = value.Float64
		result = append(result, imp)
	}
	return result, rows.Err()
}

type sqliteWorkingSet struct {
	conn    *sql.Conn
	name    string
	ids     []int64
	dropped bool
}

func (w *sqliteWorkingSet) build(ctx context.Context, entityType, where string, computed []string) error {
	create := fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT rowid AS fuzzy_row_id, * FROM %s%s",
		quoteIdent(w.name), quoteIdent(entityType), where)
	if _, err := w.conn.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create working set: %w", err)
	}
	for _, c := range computed {
		alter := fmt.Sprintf("ALTER TABLE temp.%s ADD COLUMN %s REAL DEFAULT NULL", quoteIdent(w.name), quoteIdent(c))
		if _, err := w.conn.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("failed to add working set column %s: %w", c, err)
		}
	}

	rows, err := w.conn.QueryContext(ctx, fmt.Sprintf("SELECT fuzzy_row_id FROM temp.%s ORDER BY fuzzy_row_id", quoteIdent(w.name)))
	if err != nil {
		return fmt.Errorf("failed to read working set: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		w.ids = append(w.ids, id)
	}
	return rows.Err()
}

func (w *sqliteWorkingSet) Name() string { return w.name }

func (w *sqliteWorkingSet) Len() int { return len(w.ids) }

func (w *sqliteWorkingSet) table() string {
	return "temp." + quoteIdent(w.name)
}

func (w *sqliteWorkingSet) Values(ctx context.Context, column string) ([]float64, error) {
	if err := checkIdentifiers(column); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY fuzzy_row_id", quoteIdent(column), w.table())
	rows, err := w.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from working set: %w", column, err)
	}
	defer rows.Close()

	values := make([]float64, 0, len(w.ids))
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, ok := toFloat(raw)
		if !ok {
			v = math.NaN()
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

func (w *sqliteWorkingSet) SetValues(ctx context.Context, column string, values []float64) error {
	if err := checkIdentifiers(column); err != nil {
		return err
	}
	if len(values) != len(w.ids) {
		return fmt.Errorf("working set has %d rows, got %d values for %s", len(w.ids), len(values), column)
	}

	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin working set update: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("UPDATE %s SET %s = ? WHERE fuzzy_row_id = ?", w.table(), quoteIdent(column)))
	if err != nil {
		return fmt.Errorf("failed to prepare working set update: %w", err)
	}
	defer stmt.Close()

	for i, id := range w.ids {
		var v any
		if !math.IsNaN(values[i]) {
			v = values[i]
		}
		if _, err := stmt.ExecContext(ctx, v, id); err != nil {
			return fmt.Errorf("failed to update %s: %w", column, err)
		}
	}
	return tx.Commit()
}

func (w *sqliteWorkingSet) Aggregate(ctx context.Context, fn models.AggregateFunc, column string) (float64, bool, error) {
	return aggregate(ctx, w.conn, w.table(), "", fn, column)
}

func (w *sqliteWorkingSet) Drop(ctx context.Context) error {
	if w.dropped {
		return nil
	}
	w.dropped = true
	_, err := w.conn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", w.table()))
	return errors.Join(err, w.conn.Close())
}

// aggregate evaluates fn over column of table. Population standard deviation
// takes a second pass over the rows.
func aggregate(ctx context.Context, q queryer, table, where string, fn models.AggregateFunc, column string) (float64, bool, error) {
	if !fn.Valid() {
		return 0, false, fmt.Errorf("unsupported aggregate %q", fn)
	}
	if fn == models.AggCount && column == "" {
		var n int64
		err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table, where)).Scan(&n)
		if err != nil {
			return 0, false, fmt.Errorf("failed to count %s: %w", table, err)
		}
		return float64(n), true, nil
	}
	if err := checkIdentifiers(column); err != nil {
		return 0, false, err
	}
	col := quoteIdent(column)

	var expr string
	switch fn {
	case models.AggCount:
		expr = "COUNT(" + col + ")"
	case models.AggSum:
		// TOTAL is never null, so check for an empty input via COUNT
		expr = "CASE WHEN COUNT(" + col + ") = 0 THEN NULL ELSE TOTAL(" + col + ") END"
	case models.AggAvg, models.AggStddev:
		expr = "AVG(" + col + ")"
	case models.AggMax:
		expr = "MAX(" + col + ")"
	case models.AggMin:
		expr = "MIN(" + col + ")"
	}

	var result sql.NullFloat64
	if err := q.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s%s", expr, table, where)).Scan(&result); err != nil {
		return 0, false, fmt.Errorf("failed to evaluate %s(%s): %w", fn, column, err)
	}
	if !result.Valid || fn != models.AggStddev {
		return result.Float64, result.Valid, nil
	}

	mean := result.Float64
	query := fmt.Sprintf("SELECT AVG((%s - ?) * (%s - ?)) FROM %s%s", col, col, table, where)
	var variance sql.NullFloat64
	if err := q.QueryRowContext(ctx, query, mean, mean).Scan(&variance); err != nil {
		return 0, false, fmt.Errorf("failed to evaluate stddev(%s): %w", column, err)
	}
	if !variance.Valid {
		return 0, false, nil
	}
	return math.Sqrt(variance.Float64), true, nil
}

func whereClause(filter Filter) (string, error) {
	if len(filter.NonNull) == 0 {
		return "", nil
	}
	if err := checkIdentifiers(filter.NonNull...); err != nil {
		return "", err
	}
	conds := make([]string, len(filter.NonNull))
	for i, f := range filter.NonNull {
		conds[i] = quoteIdent(f) + " IS NOT NULL"
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case []byte:
		f, err := strconv.ParseFloat(string(x), 64)
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}
