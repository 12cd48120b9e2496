package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/crawlhub/crawlhub/internal/spider"
)

func TestItemStore_ExistingHashes_EmptyInput(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewItemStore(mock)

	out, err := store.ExistingHashes(context.Background(), "spider-1", nil)
	require.NoError(t, err)
	require.Empty(t, out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStore_ExistingHashes_ReturnsMatches(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewItemStore(mock)

	mock.ExpectQuery("SELECT DISTINCT dedup_hash FROM items").
		WithArgs("spider-1", []string{"h1", "h2"}).
		WillReturnRows(pgxmock.NewRows([]string{"dedup_hash"}).AddRow("h1"))

	out, err := store.ExistingHashes(context.Background(), "spider-1", []string{"h1", "h2"})
	require.NoError(t, err)
	require.True(t, out["h1"])
	require.False(t, out["h2"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestItemStore_InsertItems_InsertsEachRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewItemStore(mock)

	mock.ExpectExec("INSERT INTO items").
		WithArgs("spider-1", "task-1", "h1", []byte(`{"url":"u1"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO items").
		WithArgs("spider-1", "task-1", "h2", []byte(`{"url":"u2"}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.InsertItems(context.Background(), "spider-1", "task-1", []spider.StoredItem{
		{Hash: "h1", Payload: spider.Item{"url": "u1"}},
		{Hash: "h2", Payload: spider.Item{"url": "u2"}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
