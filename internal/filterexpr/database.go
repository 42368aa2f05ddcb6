package filterexpr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrUnknownTable is returned when an expression names a table the database
// does not hold.
var ErrUnknownTable = errors.New("unknown table")

// ColumnType is the storage class of a column.
type ColumnType string

const (
	Text    ColumnType = "TEXT"
	Integer ColumnType = "INTEGER"
	Real    ColumnType = "REAL"
)

// Column describes one table column.
type Column struct {
	Name string
	Type ColumnType
}

// Row is one selected row. NULL values are returned as empty strings.
type Row []string

// Database holds tables in a private in-memory SQLite database.
type Database struct {
	mu     sync.Mutex
	db     *sql.DB
	tables map[string]string // lower-case name -> declared name
	logger zerolog.Logger
}

// Open creates an empty in-memory database.
func Open(logger zerolog.Logger) (*Database, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &Database{
		db:     db,
		tables: make(map[string]string),
		logger: logger.With().Str("component", "filter-database").Logger(),
	}, nil
}

// Close releases the database.
func (d *Database) Close() error {
	return d.db.Close()
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// CreateTable (re)creates a table and loads rows into it. Each row must have
// one value per column.
func (d *Database) CreateTable(ctx context.Context, name string, columns []Column, rows [][]any) error {
	if !isIdentifier(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	if len(columns) == 0 {
		return fmt.Errorf("table %s has no columns", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	defs := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		typ := c.Type
		if typ == "" {
			typ = Text
		}
		defs[i] = quoteIdentifier(c.Name) + " " + string(typ)
		placeholders[i] = "?"
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(name)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdentifier(name), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	if len(rows) > 0 {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)",
			quoteIdentifier(name), strings.Join(placeholders, ", ")))
		if err != nil {
			return fmt.Errorf("failed to prepare insert into %s: %w", name, err)
		}
		defer stmt.Close()

		for i, row := range rows {
			if len(row) != len(columns) {
				return fmt.Errorf("row %d of table %s has %d values, expected %d", i, name, len(row), len(columns))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("failed to insert row %d into %s: %w", i, name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit table %s: %w", name, err)
	}
	d.tables[strings.ToLower(name)] = name

	d.logger.Debug().
		Str("table", name).
		Int("rows", len(rows)).
		Msg("Loaded table")

	return nil
}

// HasTable reports whether a table exists (case-insensitive).
func (d *Database) HasTable(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tables[strings.ToLower(name)]
	return ok
}

// Select evaluates expr and returns the requested columns of every matching
// row. An unknown table yields ErrUnknownTable.
func (d *Database) Select(ctx context.Context, expr *Expression, columns ...string) ([]Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	table, ok := d.tables[strings.ToLower(expr.Table)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, expr.Table)
	}
	if strings.Contains(expr.Where, ";") || strings.Contains(expr.OrderBy, ";") {
		return nil, errors.New("filter expression must not contain ';'")
	}

	cols := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = quoteIdentifier(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", cols, quoteIdentifier(table))
	if expr.Where != "" {
		query += " WHERE " + expr.Where
	}
	if expr.OrderBy != "" {
		query += " ORDER BY " + expr.OrderBy
	}
	if expr.Top != NoLimit {
		query += fmt.Sprintf(" LIMIT %d", expr.Top)
	}

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %q: %w", expr.String(), err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []Row
	for rows.Next() {
		values := make([]sql.NullString, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(values))
		for i, v := range values {
			row[i] = v.String
		}
		result = append(result, row)
	}
	return result, rows.Err()
}
