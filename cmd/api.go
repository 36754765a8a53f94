package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/openonco/coverage-cli/internal/model"
	"github.com/openonco/coverage-cli/internal/reconcile"
	"github.com/openonco/coverage-cli/internal/store"
)

// newRouter builds the read-mostly review/reporting API. The only write is
// the discovery review transition; ingestion stays in the CLI pipeline.
func newRouter(st store.Store) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/coverage/{payerID}/{testID}", func(w http.ResponseWriter, req *http.Request) {
		payerID := chi.URLParam(req, "payerID")
		testID := chi.URLParam(req, "testID")

		assertions, err := st.GetAssertions(req.Context(), payerID, testID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reconcile.Resolve(assertions, payerID, testID))
	})

	r.Get("/policies/{policyID}/coverage", func(w http.ResponseWriter, req *http.Request) {
		payerID := req.URL.Query().Get("payer")
		if payerID == "" {
			writeError(w, http.StatusBadRequest, "payer query parameter is required")
			return
		}

		assertions, err := st.GetPolicyAssertions(req.Context(), payerID, chi.URLParam(req, "policyID"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, assertions)
	})

	r.Get("/policies/changed", func(w http.ResponseWriter, req *http.Request) {
		sinceRaw := req.URL.Query().Get("since")
		if sinceRaw == "" {
			writeError(w, http.StatusBadRequest, "since query parameter is required (RFC 3339)")
			return
		}
		since, err := time.Parse(time.RFC3339, sinceRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}

		states, err := st.GetChangedPolicies(req.Context(), since)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, states)
	})

	r.Get("/payers/{payerID}/policies", func(w http.ResponseWriter, req *http.Request) {
		states, err := st.ListPayerPolicies(req.Context(), chi.URLParam(req, "payerID"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, states)
	})

	r.Get("/discoveries", func(w http.ResponseWriter, req *http.Request) {
		limit := 0
		if raw := req.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}

		pending, err := st.GetPendingDiscoveries(req.Context(), req.URL.Query().Get("payer"), limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pending)
	})

	r.Post("/discoveries/{id}/status", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Status     string `json:"status"`
			ReviewedBy string `json:"reviewed_by"`
			Notes      string `json:"notes"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		id := chi.URLParam(req, "id")
		err := st.UpdateDiscoveryStatus(req.Context(), id, model.ReviewStatus(body.Status), body.ReviewedBy, body.Notes)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": body.Status})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("store query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
