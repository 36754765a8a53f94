package artifact

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openonco/coverage-cli/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func storeDoc(t *testing.T, s *Store, payer, policy, content string, at time.Time) *model.ArtifactMeta {
	t.Helper()
	meta, err := s.Store(StoreInput{
		PayerID:     payer,
		PolicyID:    policy,
		Content:     []byte(content),
		ContentType: model.ContentTypeHTML,
		SourceURL:   "https://example.com/" + policy,
		FetchedAt:   at,
	})
	require.NoError(t, err)
	return meta
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	body := "ctDNA MRD is covered when..."
	meta := storeDoc(t, s, "aetna", "mol-204", body, at)
	assert.True(t, strings.HasPrefix(meta.ID, "aetna_mol-204_2026-03-01_"+meta.ContentHash[:12]+"_"), meta.ID)
	assert.Equal(t, len(body), meta.ContentLength)

	got, err := s.Get(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("ctDNA MRD is covered when..."), got.Content)
	assert.Equal(t, meta.ContentHash, got.Meta.ContentHash)
}

func TestStoreRejectsMissingFields(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Store(StoreInput{PolicyID: "p", Content: []byte("x")})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = s.Store(StoreInput{PayerID: "a", Content: []byte("x")})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = s.Store(StoreInput{PayerID: "a", PolicyID: "p"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestStoreIdenticalContentSharesHash(t *testing.T) {
	s := newTestStore(t)
	m1 := storeDoc(t, s, "aetna", "mol-204", "same body", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m2 := storeDoc(t, s, "aetna", "mol-204", "same body", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, m1.ContentHash, m2.ContentHash)
	assert.NotEqual(t, m1.ID, m2.ID)
}

func TestStoreSameDayRefetchPreservesEarlierArtifact(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	body := "covered when Stage II-III CRC, post-surgery"

	first := storeDoc(t, s, "aetna", "mol-204", body, at)
	require.NoError(t, s.AddAnchor(first.ID, model.Anchor{Quote: "Stage II-III CRC"}))

	// Re-fetching identical bytes for the same policy on the same day must
	// create a second artifact, not overwrite the first one's sidecar.
	second := storeDoc(t, s, "aetna", "mol-204", body, at)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ContentHash, second.ContentHash)

	got, err := s.Get(first.ID)
	require.NoError(t, err)
	require.Len(t, got.Meta.Anchors, 1)
	assert.Equal(t, "Stage II-III CRC", got.Meta.Anchors[0].Quote)

	fresh, err := s.Get(second.ID)
	require.NoError(t, err)
	assert.Empty(t, fresh.Meta.Anchors)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetDetectsTamperedContent(t *testing.T) {
	s := newTestStore(t)
	meta := storeDoc(t, s, "aetna", "mol-204", "original body", time.Now())

	// Corrupt the raw file behind the store's back.
	require.NoError(t, os.WriteFile(s.path(meta.ID, rawExt), []byte("altered body"), 0o644))

	_, err := s.Get(meta.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestAddAnchorEnforcesSubstring(t *testing.T) {
	s := newTestStore(t)
	meta := storeDoc(t, s, "aetna", "mol-204", "covered when Stage II-III CRC, post-surgery", time.Now())

	err := s.AddAnchor(meta.ID, model.Anchor{Quote: "Stage II-III CRC", Section: "criteria"})
	require.NoError(t, err)

	err = s.AddAnchor(meta.ID, model.Anchor{Quote: "not in the document"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	err = s.AddAnchor(meta.ID, model.Anchor{Quote: "  "})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	got, err := s.Get(meta.ID)
	require.NoError(t, err)
	require.Len(t, got.Meta.Anchors, 1)
	assert.Equal(t, "Stage II-III CRC", got.Meta.Anchors[0].Quote)
	assert.False(t, got.Meta.Anchors[0].CreatedAt.IsZero())
}

func TestAddAnchorAppendsWithoutOverwriting(t *testing.T) {
	s := newTestStore(t)
	meta := storeDoc(t, s, "aetna", "mol-204", "alpha beta gamma", time.Now())

	require.NoError(t, s.AddAnchor(meta.ID, model.Anchor{Quote: "alpha"}))
	require.NoError(t, s.AddAnchor(meta.ID, model.Anchor{Quote: "gamma"}))

	got, err := s.Get(meta.ID)
	require.NoError(t, err)
	require.Len(t, got.Meta.Anchors, 2)
	assert.Equal(t, "alpha", got.Meta.Anchors[0].Quote)
	assert.Equal(t, "gamma", got.Meta.Anchors[1].Quote)
}

func TestListForPolicyNewestFirst(t *testing.T) {
	s := newTestStore(t)
	storeDoc(t, s, "aetna", "mol-204", "v1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	storeDoc(t, s, "aetna", "mol-204", "v2", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	storeDoc(t, s, "aetna", "other", "x", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	storeDoc(t, s, "uhc", "mol-204", "y", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	got, err := s.ListForPolicy("aetna", "mol-204")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].FetchedAt.After(got[1].FetchedAt))
}

func TestPruneKeepsNewestPerPolicy(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 4; i++ {
		storeDoc(t, s, "aetna", "mol-204", "v"+string(rune('0'+i)),
			time.Date(2026, time.Month(i), 1, 0, 0, 0, 0, time.UTC))
	}
	other := storeDoc(t, s, "aetna", "gen-7", "only one", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	foreign := storeDoc(t, s, "uhc", "mol-204", "untouched", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))

	deleted, err := s.Prune("aetna", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := s.ListForPolicy("aetna", "mol-204")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), remaining[0].FetchedAt)

	// Single-artifact policy and other payers are untouched.
	_, err = s.Get(other.ID)
	assert.NoError(t, err)
	_, err = s.Get(foreign.ID)
	assert.NoError(t, err)

	_, err = s.Prune("aetna", 0)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestArtifactIDSanitizesSeparators(t *testing.T) {
	s := newTestStore(t)
	meta := storeDoc(t, s, "blue cross", "mol/204", "body", time.Now())
	assert.NotContains(t, meta.ID, "/")
	assert.NotContains(t, meta.ID, " ")

	_, err := s.Get(meta.ID)
	assert.NoError(t, err)
}
