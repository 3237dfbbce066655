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
	n, err := CopyFrom(context.TODO(), nil, "staging_records", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"staging_records"}, []string{"source", "payload"}).WillReturnResult(2)

	rows := [][]any{{"bulk", "{}"}, {"bulk", "[]"}}
	n, err := CopyFrom(context.Background(), mock, "staging_records", []string{"source", "payload"}, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"contributor_rankings"}, []string{"a"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "contributor_rankings", []string{"a"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO contributor_rankings")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"UPDATE t SET note = 'why?' WHERE id = ?", "UPDATE t SET note = 'why?' WHERE id = $1"},
		{"VALUES (?, ?, ?)", "VALUES ($1, $2, $3)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Rebind(tt.in))
	}
}
