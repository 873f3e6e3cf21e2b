package tablestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLite keeps mirror rows in a local database, one JSON document per row.
type SQLite struct {
	db *sqlx.DB
}

type record struct {
	ID     string `db:"id"`
	Fields string `db:"fields"`
}

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations. ":memory:" gives a private in-memory store.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// each connection would see its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	current := 0
	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLite) ListRows(ctx context.Context, table string, fields []string) ([]Row, error) {
	var recs []record
	err := s.db.SelectContext(ctx, &recs, "SELECT id, fields FROM records WHERE tbl = ? ORDER BY rowid", table)
	if err != nil {
		return nil, &ServiceError{Op: "list", Table: table, Err: err}
	}
	rows := make([]Row, 0, len(recs))
	for _, rec := range recs {
		row, err := rec.row(table)
		if err != nil {
			return nil, err
		}
		row.Fields = project(row.Fields, fields)
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *SQLite) InsertRow(ctx context.Context, table string, fields map[string]any) (Row, error) {
	data, err := encodeFields(fields)
	if err != nil {
		return Row{}, &ServiceError{Op: "insert", Table: table, Err: err}
	}
	id := "rec" + uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records (id, tbl, fields) VALUES (?, ?, ?)",
		id, table, data,
	)
	if err != nil {
		return Row{}, &ServiceError{Op: "insert", Table: table, Err: err}
	}
	return record{ID: id, Fields: data}.row(table)
}

func (s *SQLite) UpdateRow(ctx context.Context, table, id string, fields map[string]any) (Row, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Row{}, &ServiceError{Op: "update", Table: table, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var rec record
	err = tx.GetContext(ctx, &rec, "SELECT id, fields FROM records WHERE tbl = ? AND id = ?", table, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, &ServiceError{Op: "update", Table: table, Status: http.StatusNotFound, Err: fmt.Errorf("row %s not found", id)}
	}
	if err != nil {
		return Row{}, &ServiceError{Op: "update", Table: table, Err: err}
	}
	row, err := rec.row(table)
	if err != nil {
		return Row{}, err
	}
	for k, v := range fields {
		row.Fields[k] = v
	}
	data, err := encodeFields(row.Fields)
	if err != nil {
		return Row{}, &ServiceError{Op: "update", Table: table, Err: err}
	}
	_, err = tx.ExecContext(ctx,
		"UPDATE records SET fields = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		data, id,
	)
	if err != nil {
		return Row{}, &ServiceError{Op: "update", Table: table, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return Row{}, &ServiceError{Op: "update", Table: table, Err: err}
	}
	return record{ID: id, Fields: data}.row(table)
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(data), nil
}

// row decodes the stored document. Values come back as JSON types, so link
// lists are []any.
func (r record) row(table string) (Row, error) {
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(r.Fields), &fields); err != nil {
		return Row{}, &ServiceError{Op: "decode", Table: table, Err: fmt.Errorf("row %s: %w", r.ID, err)}
	}
	return Row{ID: r.ID, Fields: fields}, nil
}
