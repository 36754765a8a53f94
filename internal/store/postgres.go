package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/openonco/coverage-cli/internal/db"
	"github.com/openonco/coverage-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access, such as bulk billing-code imports.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS coverage_assertions (
	id               BIGSERIAL PRIMARY KEY,
	payer_id         TEXT NOT NULL,
	test_id          TEXT NOT NULL,
	layer            TEXT NOT NULL,
	status           TEXT NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_policy_id TEXT NOT NULL,
	source_url       TEXT NOT NULL DEFAULT '',
	snippet          TEXT NOT NULL DEFAULT '',
	content_hash     TEXT NOT NULL DEFAULT '',
	last_fetched     TIMESTAMPTZ NOT NULL,
	last_changed     TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (payer_id, test_id, layer, source_policy_id)
);

CREATE TABLE IF NOT EXISTS discoveries (
	id             TEXT PRIMARY KEY,
	payer_id       TEXT NOT NULL,
	url            TEXT NOT NULL UNIQUE,
	link_text      TEXT NOT NULL DEFAULT '',
	doc_type_guess TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	reviewed_by    TEXT NOT NULL DEFAULT '',
	notes          TEXT NOT NULL DEFAULT '',
	discovered_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	reviewed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS url_health (
	url                  TEXT PRIMARY KEY,
	payer_id             TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	total_successes      BIGINT NOT NULL DEFAULT 0,
	total_failures       BIGINT NOT NULL DEFAULT 0,
	last_success_at      TIMESTAMPTZ,
	last_failure_at      TIMESTAMPTZ,
	last_error           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS policy_state (
	payer_id         TEXT NOT NULL,
	policy_id        TEXT NOT NULL,
	source_url       TEXT NOT NULL DEFAULT '',
	content_hash     TEXT NOT NULL DEFAULT '',
	criteria_hash    TEXT NOT NULL DEFAULT '',
	codes_hash       TEXT NOT NULL DEFAULT '',
	metadata_hash    TEXT NOT NULL DEFAULT '',
	last_artifact_id TEXT NOT NULL DEFAULT '',
	last_fetched     TIMESTAMPTZ NOT NULL,
	last_changed     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (payer_id, policy_id)
);

CREATE TABLE IF NOT EXISTS billing_codes (
	code        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	imported_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_assertions_pair ON coverage_assertions(payer_id, test_id);
CREATE INDEX IF NOT EXISTS idx_assertions_policy ON coverage_assertions(payer_id, source_policy_id);
CREATE INDEX IF NOT EXISTS idx_assertions_changed ON coverage_assertions(last_changed);
CREATE INDEX IF NOT EXISTS idx_discoveries_status ON discoveries(status);
CREATE INDEX IF NOT EXISTS idx_discoveries_payer ON discoveries(payer_id);
CREATE INDEX IF NOT EXISTS idx_policy_state_changed ON policy_state(last_changed);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if a.LastFetched.IsZero() {
		a.LastFetched = now
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO coverage_assertions
		 (payer_id, test_id, layer, status, confidence, source_policy_id, source_url, snippet, content_hash, last_fetched, last_changed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $11)
		 ON CONFLICT (payer_id, test_id, layer, source_policy_id) DO UPDATE SET
		   status       = EXCLUDED.status,
		   confidence   = EXCLUDED.confidence,
		   source_url   = EXCLUDED.source_url,
		   snippet      = EXCLUDED.snippet,
		   last_fetched = EXCLUDED.last_fetched,
		   last_changed = CASE WHEN coverage_assertions.content_hash IS DISTINCT FROM EXCLUDED.content_hash
		                       THEN EXCLUDED.last_fetched
		                       ELSE coverage_assertions.last_changed END,
		   content_hash = EXCLUDED.content_hash
		 RETURNING id, last_changed, created_at`,
		a.PayerID, a.TestID, string(a.Layer), string(a.Status), a.Confidence,
		a.SourcePolicyID, a.SourceURL, a.Snippet, a.ContentHash,
		a.LastFetched, now,
	).Scan(&a.ID, &a.LastChanged, &a.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert assertion %s/%s", a.PayerID, a.TestID)
	}
	return &a, nil
}

func (s *PostgresStore) GetAssertions(ctx context.Context, payerID, testID string) ([]model.CoverageAssertion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions
		 WHERE payer_id = $1 AND test_id = $2
		 ORDER BY layer, source_policy_id`,
		payerID, testID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get assertions %s/%s", payerID, testID)
	}
	return collectPgxAssertions(rows)
}

func (s *PostgresStore) GetPolicyAssertions(ctx context.Context, payerID, policyID string) ([]model.CoverageAssertion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions
		 WHERE payer_id = $1 AND source_policy_id = $2
		 ORDER BY test_id, layer`,
		payerID, policyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get policy assertions %s/%s", payerID, policyID)
	}
	return collectPgxAssertions(rows)
}

func (s *PostgresStore) GetChangedSince(ctx context.Context, since time.Time) ([]model.CoverageAssertion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions
		 WHERE last_changed > $1
		 ORDER BY last_changed DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get changed assertions")
	}
	return collectPgxAssertions(rows)
}

func collectPgxAssertions(rows pgx.Rows) ([]model.CoverageAssertion, error) {
	defer rows.Close()

	var out []model.CoverageAssertion
	for rows.Next() {
		var a model.CoverageAssertion
		if err := rows.Scan(&a.ID, &a.PayerID, &a.TestID, &a.Layer, &a.Status,
			&a.Confidence, &a.SourcePolicyID, &a.SourceURL, &a.Snippet,
			&a.ContentHash, &a.LastFetched, &a.LastChanged, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assertion")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: assertions iterate")
}

func (s *PostgresStore) CreateDiscovery(ctx context.Context, d model.Discovery) (*model.Discovery, error) {
	if d.PayerID == "" || d.URL == "" {
		return nil, eris.Wrap(model.ErrInvalidInput, "postgres: discovery payer ID and URL required")
	}

	d.ID = uuid.New().String()
	d.Status = model.ReviewPending
	if d.DiscoveredAt.IsZero() {
		d.DiscoveredAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO discoveries (id, payer_id, url, link_text, doc_type_guess, confidence, status, discovered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (url) DO NOTHING`,
		d.ID, d.PayerID, d.URL, d.LinkText, d.DocTypeGuess, d.Confidence,
		string(d.Status), d.DiscoveredAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: create discovery %s", d.URL)
	}
	if tag.RowsAffected() == 0 {
		return s.getDiscoveryByURL(ctx, d.URL)
	}
	return &d, nil
}

func (s *PostgresStore) getDiscoveryByURL(ctx context.Context, url string) (*model.Discovery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+discoveryColumns+` FROM discoveries WHERE url = $1`, url)
	return scanPgxDiscovery(row)
}

func (s *PostgresStore) GetPendingDiscoveries(ctx context.Context, payerID string, limit int) ([]model.Discovery, error) {
	query := `SELECT ` + discoveryColumns + ` FROM discoveries WHERE status = $1`
	args := []any{string(model.ReviewPending)}
	if payerID != "" {
		args = append(args, payerID)
		query += fmt.Sprintf(` AND payer_id = $%d`, len(args))
	}
	query += ` ORDER BY discovered_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get pending discoveries")
	}
	defer rows.Close()

	var out []model.Discovery
	for rows.Next() {
		d, err := scanPgxDiscovery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: discoveries iterate")
}

func (s *PostgresStore) UpdateDiscoveryStatus(ctx context.Context, id string, status model.ReviewStatus, reviewedBy, notes string) error {
	if !status.Valid() {
		return eris.Wrapf(model.ErrInvalidInput, "postgres: unknown review status %q", status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE discoveries SET status = $1, reviewed_by = $2, notes = $3, reviewed_at = $4 WHERE id = $5`,
		string(status), reviewedBy, notes, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update discovery %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "discovery %s", id)
	}
	return nil
}

func (s *PostgresStore) DiscoveryURLKnown(ctx context.Context, url string) (bool, error) {
	var known bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM discoveries WHERE url = $1)`, url,
	).Scan(&known)
	return known, eris.Wrap(err, "postgres: discovery url known")
}

func (s *PostgresStore) AssertionSourceURLKnown(ctx context.Context, url string) (bool, error) {
	var known bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM coverage_assertions WHERE source_url = $1)`, url,
	).Scan(&known)
	return known, eris.Wrap(err, "postgres: assertion source url known")
}

func scanPgxDiscovery(row pgx.Row) (*model.Discovery, error) {
	var d model.Discovery
	var reviewedAt *time.Time
	err := row.Scan(&d.ID, &d.PayerID, &d.URL, &d.LinkText, &d.DocTypeGuess,
		&d.Confidence, &d.Status, &d.ReviewedBy, &d.Notes, &d.DiscoveredAt, &reviewedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "discovery")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan discovery")
	}
	d.ReviewedAt = reviewedAt
	return &d, nil
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, payerID, url string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO url_health (url, payer_id, consecutive_failures, total_successes, total_failures, last_success_at)
		 VALUES ($1, $2, 0, 1, 0, $3)
		 ON CONFLICT (url) DO UPDATE SET
		   consecutive_failures = 0,
		   total_successes      = url_health.total_successes + 1,
		   last_success_at      = EXCLUDED.last_success_at,
		   last_error           = ''`,
		url, payerID, now,
	)
	return eris.Wrapf(err, "postgres: record success %s", url)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, payerID, url, fetchErr string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO url_health (url, payer_id, consecutive_failures, total_successes, total_failures, last_failure_at, last_error)
		 VALUES ($1, $2, 1, 0, 1, $3, $4)
		 ON CONFLICT (url) DO UPDATE SET
		   consecutive_failures = url_health.consecutive_failures + 1,
		   total_failures       = url_health.total_failures + 1,
		   last_failure_at      = EXCLUDED.last_failure_at,
		   last_error           = EXCLUDED.last_error`,
		url, payerID, now, fetchErr,
	)
	return eris.Wrapf(err, "postgres: record failure %s", url)
}

func (s *PostgresStore) GetURLHealth(ctx context.Context, url string) (*model.URLHealth, error) {
	var h model.URLHealth
	var lastSuccess, lastFailure *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT url, payer_id, consecutive_failures, total_successes, total_failures, last_success_at, last_failure_at, last_error
		 FROM url_health WHERE url = $1`, url,
	).Scan(&h.URL, &h.PayerID, &h.ConsecutiveFailures, &h.TotalSuccesses,
		&h.TotalFailures, &lastSuccess, &lastFailure, &h.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "url health %s", url)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get url health %s", url)
	}
	h.LastSuccessAt = lastSuccess
	h.LastFailureAt = lastFailure
	return &h, nil
}

func (s *PostgresStore) GetPolicyState(ctx context.Context, payerID, policyID string) (*model.PolicyState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+policyStateColumns+` FROM policy_state
		 WHERE payer_id = $1 AND policy_id = $2`,
		payerID, policyID,
	)
	st, err := scanPgxPolicyState(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get policy state %s/%s", payerID, policyID)
	}
	return st, nil
}

func (s *PostgresStore) UpsertPolicyState(ctx context.Context, st model.PolicyState) error {
	if st.PayerID == "" || st.PolicyID == "" {
		return eris.Wrap(model.ErrInvalidInput, "postgres: policy state payer and policy ID required")
	}
	if st.LastFetched.IsZero() {
		st.LastFetched = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO policy_state
		 (payer_id, policy_id, source_url, content_hash, criteria_hash, codes_hash, metadata_hash, last_artifact_id, last_fetched, last_changed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (payer_id, policy_id) DO UPDATE SET
		   source_url       = EXCLUDED.source_url,
		   last_artifact_id = EXCLUDED.last_artifact_id,
		   last_fetched     = EXCLUDED.last_fetched,
		   last_changed     = CASE WHEN policy_state.content_hash  IS DISTINCT FROM EXCLUDED.content_hash
		                             OR policy_state.criteria_hash IS DISTINCT FROM EXCLUDED.criteria_hash
		                             OR policy_state.codes_hash    IS DISTINCT FROM EXCLUDED.codes_hash
		                             OR policy_state.metadata_hash IS DISTINCT FROM EXCLUDED.metadata_hash
		                           THEN EXCLUDED.last_fetched
		                           ELSE policy_state.last_changed END,
		   content_hash     = EXCLUDED.content_hash,
		   criteria_hash    = EXCLUDED.criteria_hash,
		   codes_hash       = EXCLUDED.codes_hash,
		   metadata_hash    = EXCLUDED.metadata_hash`,
		st.PayerID, st.PolicyID, st.SourceURL,
		st.Hashes.Content, st.Hashes.Criteria, st.Hashes.Codes, st.Hashes.Metadata,
		st.LastArtifactID, st.LastFetched,
	)
	return eris.Wrapf(err, "postgres: upsert policy state %s/%s", st.PayerID, st.PolicyID)
}

func (s *PostgresStore) GetChangedPolicies(ctx context.Context, since time.Time) ([]model.PolicyState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+policyStateColumns+` FROM policy_state
		 WHERE last_changed > $1
		 ORDER BY last_changed DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get changed policies")
	}
	return collectPgxPolicyStates(rows)
}

func (s *PostgresStore) ListPayerPolicies(ctx context.Context, payerID string) ([]model.PolicyState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+policyStateColumns+` FROM policy_state
		 WHERE payer_id = $1
		 ORDER BY policy_id`,
		payerID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list payer policies %s", payerID)
	}
	return collectPgxPolicyStates(rows)
}

func scanPgxPolicyState(row pgx.Row) (*model.PolicyState, error) {
	var st model.PolicyState
	err := row.Scan(&st.PayerID, &st.PolicyID, &st.SourceURL,
		&st.Hashes.Content, &st.Hashes.Criteria, &st.Hashes.Codes, &st.Hashes.Metadata,
		&st.LastArtifactID, &st.LastFetched, &st.LastChanged)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "policy state")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan policy state")
	}
	return &st, nil
}

func collectPgxPolicyStates(rows pgx.Rows) ([]model.PolicyState, error) {
	defer rows.Close()

	var out []model.PolicyState
	for rows.Next() {
		st, err := scanPgxPolicyState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "policy states iterate")
}
