// Package tablestore is the row-oriented store the mirror writes to. Rows are
// schemaless field maps addressed by table name and an opaque row id.
package tablestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/joshsymonds/gmailexport/internal/rate"
)

// Tables written by the mirror.
const (
	TableLabels      = "Labels"
	TableThreads     = "Threads"
	TableMessages    = "Messages"
	TableEmails      = "Emails"
	TableAttachments = "Attachments"
)

// Row is one record. Link fields hold lists of row ids.
type Row struct {
	ID     string
	Fields map[string]any
}

// Store lists, inserts and updates rows.
type Store interface {
	// ListRows returns every row of table. When fields is non-empty only
	// those fields are populated.
	ListRows(ctx context.Context, table string, fields []string) ([]Row, error)
	InsertRow(ctx context.Context, table string, fields map[string]any) (Row, error)
	// UpdateRow merges fields into the row; fields not named are kept.
	UpdateRow(ctx context.Context, table, id string, fields map[string]any) (Row, error)
}

// ServiceError is a failed store call.
type ServiceError struct {
	Op     string
	Table  string
	Status int
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tablestore %s %s: status %d: %v", e.Op, e.Table, e.Status, e.Err)
	}
	return fmt.Sprintf("tablestore %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsServiceError reports whether err came from a store call.
func IsServiceError(err error) bool {
	var target *ServiceError
	return errors.As(err, &target)
}

// Limited gates every call to Store through Limiter. It suits backends that
// serve a call in one round trip; Airtable takes WithLimiter instead.
type Limited struct {
	Store   Store
	Limiter rate.Limiter
}

func (l Limited) wait(ctx context.Context, op string) error {
	if l.Limiter == nil {
		return nil
	}
	if err := l.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %s: %w", op, err)
	}
	return nil
}

func (l Limited) ListRows(ctx context.Context, table string, fields []string) ([]Row, error) {
	if err := l.wait(ctx, "list"); err != nil {
		return nil, err
	}
	return l.Store.ListRows(ctx, table, fields)
}

func (l Limited) InsertRow(ctx context.Context, table string, fields map[string]any) (Row, error) {
	if err := l.wait(ctx, "insert"); err != nil {
		return Row{}, err
	}
	return l.Store.InsertRow(ctx, table, fields)
}

func (l Limited) UpdateRow(ctx context.Context, table, id string, fields map[string]any) (Row, error) {
	if err := l.wait(ctx, "update"); err != nil {
		return Row{}, err
	}
	return l.Store.UpdateRow(ctx, table, id, fields)
}

func project(fields map[string]any, names []string) map[string]any {
	if len(names) == 0 {
		return fields
	}
	out := make(map[string]any, len(names))
	for _, n := range names {
		if v, ok := fields[n]; ok {
			out[n] = v
		}
	}
	return out
}
