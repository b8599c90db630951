package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "accounts", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"error_logs"}, []string{"a", "b"}).WillReturnResult(3)

	rows := [][]any{{1, "x"}, {2, "y"}, {3, "z"}}
	n, err := CopyFrom(context.Background(), mock, "error_logs", []string{"a", "b"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"error_logs"}, []string{"a"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "error_logs", []string{"a"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO error_logs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyInChunks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"run_items"}, []string{"run_id", "email_id"}).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"run_items"}, []string{"run_id", "email_id"}).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"run_items"}, []string{"run_id", "email_id"}).WillReturnResult(1)

	rows := [][]any{{"r", "1"}, {"r", "2"}, {"r", "3"}, {"r", "4"}, {"r", "5"}}
	n, err := CopyInChunks(context.Background(), mock, "run_items", []string{"run_id", "email_id"}, rows, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name  string
		items []int
		size  int
		want  [][]int
	}{
		{"empty", nil, 2, nil},
		{"even", []int{1, 2, 3, 4}, 2, [][]int{{1, 2}, {3, 4}}},
		{"remainder", []int{1, 2, 3, 4, 5}, 2, [][]int{{1, 2}, {3, 4}, {5}}},
		{"larger than input", []int{1, 2}, 10, [][]int{{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunk(tt.items, tt.size))
		})
	}
}

func TestChunk_DefaultSize(t *testing.T) {
	items := make([]int, DefaultChunkSize+1)
	chunks := Chunk(items, 0)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], DefaultChunkSize)
	assert.Len(t, chunks[1], 1)
}
