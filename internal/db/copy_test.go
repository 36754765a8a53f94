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
	n, err := CopyFrom(context.TODO(), nil, "billing_codes", []string{"code", "description"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"billing_codes"}, []string{"code", "description"}).WillReturnResult(3)

	rows := [][]any{{"81479", "unlisted molecular"}, {"0340U", "ctDNA MRD"}, {"0341U", "ctDNA monitoring"}}
	n, err := CopyFrom(context.Background(), mock, "billing_codes", []string{"code", "description"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"billing_codes"}, []string{"code"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"81479"}}
	_, err = CopyFrom(context.Background(), mock, "billing_codes", []string{"code"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO billing_codes")
	assert.NoError(t, mock.ExpectationsWereMet())
}
