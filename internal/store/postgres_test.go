package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openonco/coverage-cli/internal/model"
)

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresWithPool(mock), mock
}

func TestPostgresUpsertAssertion(t *testing.T) {
	s, mock := newMockPostgres(t)

	a := testAssertion()
	now := time.Now().UTC()
	mock.ExpectQuery(`INSERT INTO coverage_assertions`).
		WithArgs(a.PayerID, a.TestID, string(a.Layer), string(a.Status), a.Confidence,
			a.SourcePolicyID, a.SourceURL, a.Snippet, a.ContentHash,
			a.LastFetched, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "last_changed", "created_at"}).
			AddRow(int64(7), a.LastFetched, now))

	got, err := s.UpsertAssertion(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)
	assert.True(t, got.LastChanged.Equal(a.LastFetched))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertAssertionValidatesBeforeSQL(t *testing.T) {
	s, mock := newMockPostgres(t)

	a := testAssertion()
	a.Layer = "press_release"
	_, err := s.UpsertAssertion(context.Background(), a)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetAssertions(t *testing.T) {
	s, mock := newMockPostgres(t)

	a := testAssertion()
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM coverage_assertions`).
		WithArgs("aetna", "ctdna-mrd").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "payer_id", "test_id", "layer", "status", "confidence",
			"source_policy_id", "source_url", "snippet", "content_hash",
			"last_fetched", "last_changed", "created_at",
		}).AddRow(int64(1), a.PayerID, a.TestID, string(a.Layer), string(a.Status),
			a.Confidence, a.SourcePolicyID, a.SourceURL, a.Snippet, a.ContentHash,
			a.LastFetched, a.LastFetched, now))

	got, err := s.GetAssertions(context.Background(), "aetna", "ctdna-mrd")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.LayerUMCriteria, got[0].Layer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordFailureIncrements(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO url_health`).
		WithArgs("https://example.com/p", "aetna", pgxmock.AnyArg(), "HTTP 503").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordFailure(context.Background(), "aetna", "https://example.com/p", "HTTP 503")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateDiscoveryStatusNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`UPDATE discoveries`).
		WithArgs("approved", "reviewer", "", pgxmock.AnyArg(), "missing-id").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateDiscoveryStatus(context.Background(), "missing-id", model.ReviewApproved, "reviewer", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetPendingDiscoveriesLimit(t *testing.T) {
	s, mock := newMockPostgres(t)

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM discoveries WHERE status = \$1 AND payer_id = \$2 ORDER BY discovered_at DESC LIMIT \$3`).
		WithArgs("pending", "aetna", 1).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "payer_id", "url", "link_text", "doc_type_guess", "confidence",
			"status", "reviewed_by", "notes", "discovered_at", "reviewed_at",
		}).AddRow("d-1", "aetna", "https://example.com/a.pdf", "Policy A", "policy_stance",
			0.7, "pending", "", "", now, (*time.Time)(nil)))

	got, err := s.GetPendingDiscoveries(context.Background(), "aetna", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d-1", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAssertionSourceURLKnown(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM coverage_assertions WHERE source_url = \$1\)`).
		WithArgs("https://example.com/mol-204").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	known, err := s.AssertionSourceURLKnown(context.Background(), "https://example.com/mol-204")
	require.NoError(t, err)
	assert.True(t, known)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertPolicyState(t *testing.T) {
	s, mock := newMockPostgres(t)

	st := model.PolicyState{
		PayerID:     "aetna",
		PolicyID:    "mol-204",
		Hashes:      model.HashSet{Content: "c1", Criteria: "q1", Codes: "k1", Metadata: "m1"},
		LastFetched: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	mock.ExpectExec(`INSERT INTO policy_state`).
		WithArgs(st.PayerID, st.PolicyID, st.SourceURL,
			"c1", "q1", "k1", "m1", st.LastArtifactID, st.LastFetched).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertPolicyState(context.Background(), st)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
