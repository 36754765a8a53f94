package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/openonco/coverage-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS coverage_assertions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	payer_id         TEXT NOT NULL,
	test_id          TEXT NOT NULL,
	layer            TEXT NOT NULL,
	status           TEXT NOT NULL,
	confidence       REAL NOT NULL DEFAULT 0,
	source_policy_id TEXT NOT NULL,
	source_url       TEXT NOT NULL DEFAULT '',
	snippet          TEXT NOT NULL DEFAULT '',
	content_hash     TEXT NOT NULL DEFAULT '',
	last_fetched     DATETIME NOT NULL,
	last_changed     DATETIME NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (payer_id, test_id, layer, source_policy_id)
);

CREATE TABLE IF NOT EXISTS discoveries (
	id             TEXT PRIMARY KEY,
	payer_id       TEXT NOT NULL,
	url            TEXT NOT NULL UNIQUE,
	link_text      TEXT NOT NULL DEFAULT '',
	doc_type_guess TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	reviewed_by    TEXT NOT NULL DEFAULT '',
	notes          TEXT NOT NULL DEFAULT '',
	discovered_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	reviewed_at    DATETIME
);

CREATE TABLE IF NOT EXISTS url_health (
	url                  TEXT PRIMARY KEY,
	payer_id             TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	total_successes      INTEGER NOT NULL DEFAULT 0,
	total_failures       INTEGER NOT NULL DEFAULT 0,
	last_success_at      DATETIME,
	last_failure_at      DATETIME,
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
	last_fetched     DATETIME NOT NULL,
	last_changed     DATETIME NOT NULL,
	PRIMARY KEY (payer_id, policy_id)
);

CREATE INDEX IF NOT EXISTS idx_assertions_pair ON coverage_assertions(payer_id, test_id);
CREATE INDEX IF NOT EXISTS idx_assertions_policy ON coverage_assertions(payer_id, source_policy_id);
CREATE INDEX IF NOT EXISTS idx_assertions_changed ON coverage_assertions(last_changed);
CREATE INDEX IF NOT EXISTS idx_discoveries_status ON discoveries(status);
CREATE INDEX IF NOT EXISTS idx_discoveries_payer ON discoveries(payer_id);
CREATE INDEX IF NOT EXISTS idx_policy_state_changed ON policy_state(last_changed);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertAssertion inserts or replaces the live assertion for its
// (payer, test, layer, source policy) key. last_changed moves only when the
// content hash differs from the stored row; the CASE lives in SQL so the
// semantics hold no matter who calls.
func (s *SQLiteStore) UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if a.LastFetched.IsZero() {
		a.LastFetched = now
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO coverage_assertions
		 (payer_id, test_id, layer, status, confidence, source_policy_id, source_url, snippet, content_hash, last_fetched, last_changed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (payer_id, test_id, layer, source_policy_id) DO UPDATE SET
		   status       = excluded.status,
		   confidence   = excluded.confidence,
		   source_url   = excluded.source_url,
		   snippet      = excluded.snippet,
		   last_fetched = excluded.last_fetched,
		   last_changed = CASE WHEN coverage_assertions.content_hash IS NOT excluded.content_hash
		                       THEN excluded.last_fetched
		                       ELSE coverage_assertions.last_changed END,
		   content_hash = excluded.content_hash
		 RETURNING id, last_changed, created_at`,
		a.PayerID, a.TestID, string(a.Layer), string(a.Status), a.Confidence,
		a.SourcePolicyID, a.SourceURL, a.Snippet, a.ContentHash,
		a.LastFetched, a.LastFetched, now,
	)
	if err := row.Scan(&a.ID, &a.LastChanged, &a.CreatedAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert assertion %s/%s", a.PayerID, a.TestID)
	}
	return &a, nil
}

const assertionColumns = `id, payer_id, test_id, layer, status, confidence, source_policy_id, source_url, snippet, content_hash, last_fetched, last_changed, created_at`

func (s *SQLiteStore) GetAssertions(ctx context.Context, payerID, testID string) ([]model.CoverageAssertion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions
		 WHERE payer_id = ? AND test_id = ?
		 ORDER BY layer, source_policy_id`,
		payerID, testID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get assertions %s/%s", payerID, testID)
	}
	return collectAssertions(rows)
}

func (s *SQLiteStore) GetPolicyAssertions(ctx context.Context, payerID, policyID string) ([]model.CoverageAssertion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions
		 WHERE payer_id = ? AND source_policy_id = ?
		 ORDER BY test_id, layer`,
		payerID, policyID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get policy assertions %s/%s", payerID, policyID)
	}
	return collectAssertions(rows)
}

func (s *SQLiteStore) GetChangedSince(ctx context.Context, since time.Time) ([]model.CoverageAssertion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assertionColumns+` FROM coverage_assertions
		 WHERE last_changed > ?
		 ORDER BY last_changed DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get changed assertions")
	}
	return collectAssertions(rows)
}

func collectAssertions(rows *sql.Rows) ([]model.CoverageAssertion, error) {
	defer rows.Close()

	var out []model.CoverageAssertion
	for rows.Next() {
		var a model.CoverageAssertion
		if err := rows.Scan(&a.ID, &a.PayerID, &a.TestID, &a.Layer, &a.Status,
			&a.Confidence, &a.SourcePolicyID, &a.SourceURL, &a.Snippet,
			&a.ContentHash, &a.LastFetched, &a.LastChanged, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assertion")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: assertions iterate")
}

// CreateDiscovery stages a candidate URL. Duplicate URLs are a no-op: the
// existing row, whatever its review state, comes back untouched so a URL
// rejected once is not re-staged by the next crawl.
func (s *SQLiteStore) CreateDiscovery(ctx context.Context, d model.Discovery) (*model.Discovery, error) {
	if d.PayerID == "" || d.URL == "" {
		return nil, eris.Wrap(model.ErrInvalidInput, "sqlite: discovery payer ID and URL required")
	}

	d.ID = uuid.New().String()
	d.Status = model.ReviewPending
	if d.DiscoveredAt.IsZero() {
		d.DiscoveredAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO discoveries (id, payer_id, url, link_text, doc_type_guess, confidence, status, discovered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO NOTHING`,
		d.ID, d.PayerID, d.URL, d.LinkText, d.DocTypeGuess, d.Confidence,
		string(d.Status), d.DiscoveredAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: create discovery %s", d.URL)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.getDiscoveryByURL(ctx, d.URL)
	}
	return &d, nil
}

const discoveryColumns = `id, payer_id, url, link_text, doc_type_guess, confidence, status, reviewed_by, notes, discovered_at, reviewed_at`

func (s *SQLiteStore) getDiscoveryByURL(ctx context.Context, url string) (*model.Discovery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+discoveryColumns+` FROM discoveries WHERE url = ?`, url)
	return scanDiscovery(row)
}

func (s *SQLiteStore) GetPendingDiscoveries(ctx context.Context, payerID string, limit int) ([]model.Discovery, error) {
	query := `SELECT ` + discoveryColumns + ` FROM discoveries WHERE status = ?`
	args := []any{string(model.ReviewPending)}
	if payerID != "" {
		query += ` AND payer_id = ?`
		args = append(args, payerID)
	}
	query += ` ORDER BY discovered_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get pending discoveries")
	}
	defer rows.Close()

	var out []model.Discovery
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: discoveries iterate")
}

func (s *SQLiteStore) UpdateDiscoveryStatus(ctx context.Context, id string, status model.ReviewStatus, reviewedBy, notes string) error {
	if !status.Valid() {
		return eris.Wrapf(model.ErrInvalidInput, "sqlite: unknown review status %q", status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE discoveries SET status = ?, reviewed_by = ?, notes = ?, reviewed_at = ? WHERE id = ?`,
		string(status), reviewedBy, notes, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update discovery %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "discovery %s", id)
	}
	return nil
}

func (s *SQLiteStore) DiscoveryURLKnown(ctx context.Context, url string) (bool, error) {
	var known bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM discoveries WHERE url = ?)`, url,
	).Scan(&known)
	return known, eris.Wrap(err, "sqlite: discovery url known")
}

func (s *SQLiteStore) AssertionSourceURLKnown(ctx context.Context, url string) (bool, error) {
	var known bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM coverage_assertions WHERE source_url = ?)`, url,
	).Scan(&known)
	return known, eris.Wrap(err, "sqlite: assertion source url known")
}

func scanDiscovery(row scannable) (*model.Discovery, error) {
	var d model.Discovery
	var reviewedAt sql.NullTime
	err := row.Scan(&d.ID, &d.PayerID, &d.URL, &d.LinkText, &d.DocTypeGuess,
		&d.Confidence, &d.Status, &d.ReviewedBy, &d.Notes, &d.DiscoveredAt, &reviewedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "discovery")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan discovery")
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		d.ReviewedAt = &t
	}
	return &d, nil
}

// RecordSuccess resets the consecutive-failure counter and bumps the success
// total in one statement.
func (s *SQLiteStore) RecordSuccess(ctx context.Context, payerID, url string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO url_health (url, payer_id, consecutive_failures, total_successes, total_failures, last_success_at)
		 VALUES (?, ?, 0, 1, 0, ?)
		 ON CONFLICT (url) DO UPDATE SET
		   consecutive_failures = 0,
		   total_successes      = url_health.total_successes + 1,
		   last_success_at      = excluded.last_success_at,
		   last_error           = ''`,
		url, payerID, now,
	)
	return eris.Wrapf(err, "sqlite: record success %s", url)
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, payerID, url, fetchErr string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO url_health (url, payer_id, consecutive_failures, total_successes, total_failures, last_failure_at, last_error)
		 VALUES (?, ?, 1, 0, 1, ?, ?)
		 ON CONFLICT (url) DO UPDATE SET
		   consecutive_failures = url_health.consecutive_failures + 1,
		   total_failures       = url_health.total_failures + 1,
		   last_failure_at      = excluded.last_failure_at,
		   last_error           = excluded.last_error`,
		url, payerID, now, fetchErr,
	)
	return eris.Wrapf(err, "sqlite: record failure %s", url)
}

func (s *SQLiteStore) GetURLHealth(ctx context.Context, url string) (*model.URLHealth, error) {
	var h model.URLHealth
	var lastSuccess, lastFailure sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT url, payer_id, consecutive_failures, total_successes, total_failures, last_success_at, last_failure_at, last_error
		 FROM url_health WHERE url = ?`, url,
	).Scan(&h.URL, &h.PayerID, &h.ConsecutiveFailures, &h.TotalSuccesses,
		&h.TotalFailures, &lastSuccess, &lastFailure, &h.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "url health %s", url)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get url health %s", url)
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		h.LastSuccessAt = &t
	}
	if lastFailure.Valid {
		t := lastFailure.Time
		h.LastFailureAt = &t
	}
	return &h, nil
}

func (s *SQLiteStore) GetPolicyState(ctx context.Context, payerID, policyID string) (*model.PolicyState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyStateColumns+` FROM policy_state
		 WHERE payer_id = ? AND policy_id = ?`,
		payerID, policyID,
	)
	st, err := scanPolicyState(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get policy state %s/%s", payerID, policyID)
	}
	return st, nil
}

// UpsertPolicyState records the latest observed hash set. last_changed moves
// when any of the four digests differs from the stored baseline.
func (s *SQLiteStore) UpsertPolicyState(ctx context.Context, st model.PolicyState) error {
	if st.PayerID == "" || st.PolicyID == "" {
		return eris.Wrap(model.ErrInvalidInput, "sqlite: policy state payer and policy ID required")
	}
	if st.LastFetched.IsZero() {
		st.LastFetched = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_state
		 (payer_id, policy_id, source_url, content_hash, criteria_hash, codes_hash, metadata_hash, last_artifact_id, last_fetched, last_changed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (payer_id, policy_id) DO UPDATE SET
		   source_url       = excluded.source_url,
		   last_artifact_id = excluded.last_artifact_id,
		   last_fetched     = excluded.last_fetched,
		   last_changed     = CASE WHEN policy_state.content_hash  IS NOT excluded.content_hash
		                             OR policy_state.criteria_hash IS NOT excluded.criteria_hash
		                             OR policy_state.codes_hash    IS NOT excluded.codes_hash
		                             OR policy_state.metadata_hash IS NOT excluded.metadata_hash
		                           THEN excluded.last_fetched
		                           ELSE policy_state.last_changed END,
		   content_hash     = excluded.content_hash,
		   criteria_hash    = excluded.criteria_hash,
		   codes_hash       = excluded.codes_hash,
		   metadata_hash    = excluded.metadata_hash`,
		st.PayerID, st.PolicyID, st.SourceURL,
		st.Hashes.Content, st.Hashes.Criteria, st.Hashes.Codes, st.Hashes.Metadata,
		st.LastArtifactID, st.LastFetched, st.LastFetched,
	)
	return eris.Wrapf(err, "sqlite: upsert policy state %s/%s", st.PayerID, st.PolicyID)
}

func (s *SQLiteStore) GetChangedPolicies(ctx context.Context, since time.Time) ([]model.PolicyState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyStateColumns+` FROM policy_state
		 WHERE last_changed > ?
		 ORDER BY last_changed DESC`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get changed policies")
	}
	return collectPolicyStates(rows)
}

func (s *SQLiteStore) ListPayerPolicies(ctx context.Context, payerID string) ([]model.PolicyState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+policyStateColumns+` FROM policy_state
		 WHERE payer_id = ?
		 ORDER BY policy_id`,
		payerID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list payer policies %s", payerID)
	}
	return collectPolicyStates(rows)
}

// helpers

const policyStateColumns = `payer_id, policy_id, source_url, content_hash, criteria_hash, codes_hash, metadata_hash, last_artifact_id, last_fetched, last_changed`

type scannable interface {
	Scan(dest ...any) error
}

func scanPolicyState(row scannable) (*model.PolicyState, error) {
	var st model.PolicyState
	err := row.Scan(&st.PayerID, &st.PolicyID, &st.SourceURL,
		&st.Hashes.Content, &st.Hashes.Criteria, &st.Hashes.Codes, &st.Hashes.Metadata,
		&st.LastArtifactID, &st.LastFetched, &st.LastChanged)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(model.ErrNotFound, "policy state")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan policy state")
	}
	return &st, nil
}

func collectPolicyStates(rows *sql.Rows) ([]model.PolicyState, error) {
	defer rows.Close()

	var out []model.PolicyState
	for rows.Next() {
		st, err := scanPolicyState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "policy states iterate")
}
