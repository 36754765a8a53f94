package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openonco/coverage-cli/internal/model"
	"github.com/openonco/coverage-cli/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(newRouter(st))
	t.Cleanup(srv.Close)
	return srv, st
}

func seedAssertion(t *testing.T, st store.Store, layer model.Layer, status model.Status, policyID string) {
	t.Helper()
	_, err := st.UpsertAssertion(context.Background(), model.CoverageAssertion{
		PayerID:        "aetna",
		TestID:         "ctdna-mrd",
		Layer:          layer,
		Status:         status,
		Confidence:     0.9,
		SourcePolicyID: policyID,
		ContentHash:    "hash-" + policyID,
		LastFetched:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAPIHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAPIResolvedCoverage(t *testing.T) {
	srv, st := newTestServer(t)
	seedAssertion(t, st, model.LayerUMCriteria, model.StatusConditional, "mol-204")

	var resolved model.ResolvedCoverage
	code := getJSON(t, srv.URL+"/coverage/aetna/ctdna-mrd", &resolved)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.StatusConditional, resolved.Status)
	assert.False(t, resolved.HasConflict)

	// No evidence reconciles to unknown, not 404.
	code = getJSON(t, srv.URL+"/coverage/aetna/never-seen", &resolved)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.StatusUnknown, resolved.Status)
}

func TestAPIPolicyCoverage(t *testing.T) {
	srv, st := newTestServer(t)
	seedAssertion(t, st, model.LayerUMCriteria, model.StatusConditional, "mol-204")
	seedAssertion(t, st, model.LayerPolicyStance, model.StatusSupports, "mp-11")

	var assertions []model.CoverageAssertion
	code := getJSON(t, srv.URL+"/policies/mol-204/coverage?payer=aetna", &assertions)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, assertions, 1)
	assert.Equal(t, "mol-204", assertions[0].SourcePolicyID)

	code = getJSON(t, srv.URL+"/policies/mol-204/coverage", nil)
	assert.Equal(t, http.StatusBadRequest, code, "payer query parameter is required")
}

func TestAPIChangedPolicies(t *testing.T) {
	srv, st := newTestServer(t)
	require.NoError(t, st.UpsertPolicyState(context.Background(), model.PolicyState{
		PayerID:     "aetna",
		PolicyID:    "mol-204",
		Hashes:      model.HashSet{Content: "c1", Criteria: "r1", Codes: "d1", Metadata: "m1"},
		LastFetched: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}))

	var states []model.PolicyState
	code := getJSON(t, srv.URL+"/policies/changed?since=2026-01-01T00:00:00Z", &states)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, states, 1)

	states = nil
	code = getJSON(t, srv.URL+"/policies/changed?since=2027-01-01T00:00:00Z", &states)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, states)

	code = getJSON(t, srv.URL+"/policies/changed?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = getJSON(t, srv.URL+"/policies/changed", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPIPayerPolicies(t *testing.T) {
	srv, st := newTestServer(t)
	require.NoError(t, st.UpsertPolicyState(context.Background(), model.PolicyState{
		PayerID:     "aetna",
		PolicyID:    "mol-204",
		Hashes:      model.HashSet{Content: "c1", Criteria: "r1", Codes: "d1", Metadata: "m1"},
		LastFetched: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}))

	var states []model.PolicyState
	code := getJSON(t, srv.URL+"/payers/aetna/policies", &states)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, states, 1)
	assert.Equal(t, "mol-204", states[0].PolicyID)
}

func TestAPIDiscoveryReview(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	created, err := st.CreateDiscovery(ctx, model.Discovery{
		PayerID:    "aetna",
		URL:        "https://example.com/new-policy.pdf",
		LinkText:   "New Molecular Policy",
		Confidence: 0.7,
	})
	require.NoError(t, err)

	_, err = st.CreateDiscovery(ctx, model.Discovery{
		PayerID:    "aetna",
		URL:        "https://example.com/lab-criteria.html",
		LinkText:   "Lab Criteria",
		Confidence: 0.6,
	})
	require.NoError(t, err)

	var pending []model.Discovery
	code := getJSON(t, srv.URL+"/discoveries?payer=aetna", &pending)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, pending, 2)

	pending = nil
	code = getJSON(t, srv.URL+"/discoveries?payer=aetna&limit=1", &pending)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, pending, 1)

	code = getJSON(t, srv.URL+"/discoveries?limit=oops", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = getJSON(t, srv.URL+"/discoveries?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	body := strings.NewReader(`{"status":"approved","reviewed_by":"ops","notes":"looks real"}`)
	resp, err := http.Post(srv.URL+"/discoveries/"+created.ID+"/status", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	pending = nil
	code = getJSON(t, srv.URL+"/discoveries?payer=aetna", &pending)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, pending, 1, "approved discoveries leave the pending queue")
	assert.Equal(t, "https://example.com/lab-criteria.html", pending[0].URL)
}

func TestAPIDiscoveryReviewErrors(t *testing.T) {
	srv, st := newTestServer(t)

	resp, err := http.Post(srv.URL+"/discoveries/no-such-id/status", "application/json",
		strings.NewReader(`{"status":"approved"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	created, cerr := st.CreateDiscovery(context.Background(), model.Discovery{
		PayerID: "aetna",
		URL:     "https://example.com/x.pdf",
	})
	require.NoError(t, cerr)

	resp, err = http.Post(srv.URL+"/discoveries/"+created.ID+"/status", "application/json",
		strings.NewReader(`{"status":"bogus"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/discoveries/"+created.ID+"/status", "application/json",
		strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
