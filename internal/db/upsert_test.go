package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:        "coverage_assertions",
		Columns:      []string{"payer_id", "test_id"},
		ConflictKeys: []string{"payer_id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:        "coverage_assertions",
		ConflictKeys: []string{"payer_id"},
	}, [][]any{{"aetna", "ctdna-mrd"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:   "coverage_assertions",
		Columns: []string{"payer_id", "test_id"},
	}, [][]any{{"aetna", "ctdna-mrd"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_AllColumnsAreKeys(t *testing.T) {
	_, err := BulkUpsert(nil, nil, UpsertConfig{
		Table:        "coverage_assertions",
		Columns:      []string{"payer_id", "test_id"},
		ConflictKeys: []string{"payer_id", "test_id"},
	}, [][]any{{"aetna", "ctdna-mrd"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no updatable columns")
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"coverage.assertions", `"coverage"."assertions"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"payer_id", "test_id", "status"})
	assert.Equal(t, `"payer_id", "test_id", "status"`, result)
}
