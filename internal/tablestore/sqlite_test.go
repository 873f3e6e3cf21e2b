package tablestore

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteInsertListUpdate(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	a, err := s.InsertRow(ctx, TableEmails, map[string]any{"Address": "a@example.com", "Name": ""})
	require.NoError(t, err)
	b, err := s.InsertRow(ctx, TableEmails, map[string]any{"Address": "b@example.com", "Name": "Bea"})
	require.NoError(t, err)
	_, err = s.InsertRow(ctx, TableLabels, map[string]any{"labelId": "INBOX"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	rows, err := s.ListRows(ctx, TableEmails, []string{"Address"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, a.ID, rows[0].ID)
	assert.Equal(t, map[string]any{"Address": "a@example.com"}, rows[0].Fields)

	updated, err := s.UpdateRow(ctx, TableEmails, a.ID, map[string]any{"Name": "Ann"})
	require.NoError(t, err)
	assert.Equal(t, "Ann", updated.Fields["Name"])
	assert.Equal(t, "a@example.com", updated.Fields["Address"])

	rows, err = s.ListRows(ctx, TableEmails, nil)
	require.NoError(t, err)
	assert.Equal(t, "Ann", rows[0].Fields["Name"])
}

func TestSQLiteLinkListsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	row, err := s.InsertRow(ctx, TableMessages, map[string]any{"messageId": "m1", "Labels": []string{"recA", "recB"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"recA", "recB"}, row.Fields["Labels"])
}

func TestSQLiteUpdateMissingRow(t *testing.T) {
	s := openMemory(t)
	_, err := s.UpdateRow(context.Background(), TableLabels, "recMissing", map[string]any{"Name": "x"})
	require.Error(t, err)
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, http.StatusNotFound, svcErr.Status)
}

func TestSQLiteReopenKeepsRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = s.InsertRow(ctx, TableThreads, map[string]any{"threadId": "t1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	rows, err := s.ListRows(ctx, TableThreads, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t1", rows[0].Fields["threadId"])
}

type countingLimiter struct{ waits int }

func (c *countingLimiter) Wait(ctx context.Context) error {
	_ = ctx
	c.waits++
	return nil
}

func TestLimitedWaitsPerCall(t *testing.T) {
	ctx := context.Background()
	lim := &countingLimiter{}
	store := Limited{Store: openMemory(t), Limiter: lim}

	row, err := store.InsertRow(ctx, TableLabels, map[string]any{"labelId": "INBOX"})
	require.NoError(t, err)
	_, err = store.UpdateRow(ctx, TableLabels, row.ID, map[string]any{"Name": "Inbox"})
	require.NoError(t, err)
	_, err = store.ListRows(ctx, TableLabels, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, lim.waits)
}
