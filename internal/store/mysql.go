package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/tidwall/gjson"
)

const mysqlDuplicateEntry = 1062

// MySQL keeps sheets in the sheet_rows table created by database.Migrate.
type MySQL struct {
	db *sql.DB
}

func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db}
}

// EnsureSheet creates the sheet and its header row when they do not exist
// yet. An existing header is left untouched.
func (m *MySQL) EnsureSheet(ctx context.Context, name string, header ...string) error {
	if _, err := m.db.ExecContext(ctx, `INSERT IGNORE INTO sheets (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	cells, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	const query = `INSERT IGNORE INTO sheet_rows (sheet_name, row_num, cells) VALUES (?, 1, ?)`
	if _, err := m.db.ExecContext(ctx, query, name, string(cells)); err != nil {
		return fmt.Errorf("create header %s: %w", name, err)
	}
	return nil
}

func (m *MySQL) Open(ctx context.Context, name string) (Sheet, error) {
	var found string
	err := m.db.QueryRowContext(ctx, `SELECT name FROM sheets WHERE name = ?`, name).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSheetNotFound, name)
		}
		return nil, fmt.Errorf("open sheet %s: %w", name, err)
	}
	return &mysqlSheet{db: m.db, name: name}, nil
}

type mysqlSheet struct {
	db   *sql.DB
	name string
}

func (s *mysqlSheet) Name() string { return s.name }

func (s *mysqlSheet) Values(ctx context.Context) ([][]string, error) {
	const query = `SELECT row_num, cells FROM sheet_rows WHERE sheet_name = ? ORDER BY row_num ASC`
	rows, err := s.db.QueryContext(ctx, query, s.name)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	var values [][]string
	for rows.Next() {
		var (
			rowNum int
			raw    string
		)
		if err := rows.Scan(&rowNum, &raw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		// Keep row positions stable if a row was ever removed by hand.
		for len(values) < rowNum-1 {
			values = append(values, nil)
		}
		values = append(values, decodeCells(raw))
	}
	return values, rows.Err()
}

func (s *mysqlSheet) AppendRow(ctx context.Context, values []string) error {
	cells, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}
	const query = `
INSERT INTO sheet_rows (sheet_name, row_num, cells)
SELECT ?, COALESCE(MAX(row_num), 0) + 1, ? FROM sheet_rows WHERE sheet_name = ?`
	for attempt := 0; attempt < 3; attempt++ {
		_, err = s.db.ExecContext(ctx, query, s.name, string(cells), s.name)
		if err == nil {
			return nil
		}
		var myErr *mysql.MySQLError
		if !errors.As(err, &myErr) || myErr.Number != mysqlDuplicateEntry {
			break
		}
	}
	return fmt.Errorf("append row: %w", err)
}

func (s *mysqlSheet) UpdateCell(ctx context.Context, row, col int, value string) error {
	_, err := s.swap(ctx, row, col, nil, value)
	return err
}

func (s *mysqlSheet) CompareAndSwapCell(ctx context.Context, row, col int, old, value string) (bool, error) {
	return s.swap(ctx, row, col, &old, value)
}

func (s *mysqlSheet) swap(ctx context.Context, row, col int, old *string, value string) (bool, error) {
	if col < 1 {
		return false, fmt.Errorf("invalid column %d", col)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	var raw string
	const selectQuery = `SELECT cells FROM sheet_rows WHERE sheet_name = ? AND row_num = ? FOR UPDATE`
	if err := tx.QueryRowContext(ctx, selectQuery, s.name, row).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %d", ErrRowOutOfRange, row)
		}
		return false, fmt.Errorf("lock row: %w", err)
	}

	cells := decodeCells(raw)
	for len(cells) < col {
		cells = append(cells, "")
	}
	if old != nil && cells[col-1] != *old {
		return false, nil
	}
	cells[col-1] = value

	encoded, err := json.Marshal(cells)
	if err != nil {
		return false, fmt.Errorf("marshal row: %w", err)
	}
	const updateQuery = `UPDATE sheet_rows SET cells = ? WHERE sheet_name = ? AND row_num = ?`
	if _, err := tx.ExecContext(ctx, updateQuery, string(encoded), s.name, row); err != nil {
		return false, fmt.Errorf("update cell: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update: %w", err)
	}
	return true, nil
}

// decodeCells reads a JSON array loosely: numbers and booleans written by
// other tools come back as their text form, null as "".
func decodeCells(raw string) []string {
	items := gjson.Parse(raw).Array()
	cells := make([]string, len(items))
	for i, item := range items {
		if item.Type == gjson.Null {
			continue
		}
		cells[i] = item.String()
	}
	return cells
}
