// Package pipeline orchestrates the refresh cycle: fetch each registered
// policy, archive the raw document, detect change via the hash set, and
// persist re-extracted assertions only when something actually changed.
package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openonco/coverage-cli/internal/artifact"
	"github.com/openonco/coverage-cli/internal/fetcher"
	"github.com/openonco/coverage-cli/internal/model"
	"github.com/openonco/coverage-cli/internal/multihash"
	"github.com/openonco/coverage-cli/internal/reconcile"
	"github.com/openonco/coverage-cli/internal/store"
	"github.com/openonco/coverage-cli/pkg/claude"
)

// Options tunes the refresh run.
type Options struct {
	Concurrency      int // concurrent policy refreshes
	FailureThreshold int // consecutive failures before a URL is suppressed
	KeepArtifacts    int // artifacts retained per policy after pruning
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.KeepArtifacts <= 0 {
		o.KeepArtifacts = 10
	}
	return o
}

// Pipeline wires the stores, the fetcher, and the extractor together.
type Pipeline struct {
	opts      Options
	store     store.Store
	artifacts *artifact.Store
	fetch     fetcher.Fetcher
	extractor claude.Client

	// pairMu serializes assertion writes and reconciliation per
	// (payer, test) pair; different pairs proceed in parallel.
	mu     sync.Mutex
	pairMu map[string]*sync.Mutex
}

// New creates a Pipeline.
func New(opts Options, st store.Store, artifacts *artifact.Store, f fetcher.Fetcher, extractor claude.Client) *Pipeline {
	return &Pipeline{
		opts:      opts.withDefaults(),
		store:     st,
		artifacts: artifacts,
		fetch:     f,
		extractor: extractor,
		pairMu:    make(map[string]*sync.Mutex),
	}
}

// RefreshResult tallies one refresh run.
type RefreshResult struct {
	mu            sync.Mutex
	Fetched       int
	Unchanged     int
	Changed       int
	Failed        int
	Suppressed    int
	SystemChanges int
}

func (r *RefreshResult) add(fn func(*RefreshResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// Refresh fetches every target concurrently and returns the aggregate tally.
// Individual target failures are recorded in URL health and the tally; they
// never abort the run.
func (p *Pipeline) Refresh(ctx context.Context, targets []PolicyTarget) (*RefreshResult, error) {
	result := &RefreshResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, target := range targets {
		g.Go(func() error {
			p.refreshOne(gctx, target, result)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return result, eris.Wrap(err, "pipeline: refresh")
	}

	zap.L().Info("refresh complete",
		zap.Int("fetched", result.Fetched),
		zap.Int("changed", result.Changed),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("failed", result.Failed),
		zap.Int("suppressed", result.Suppressed),
		zap.Int("possible_system_changes", result.SystemChanges),
	)
	return result, nil
}

func (p *Pipeline) refreshOne(ctx context.Context, target PolicyTarget, result *RefreshResult) {
	log := zap.L().With(
		zap.String("payer_id", target.PayerID),
		zap.String("policy_id", target.PolicyID),
	)

	health, err := p.store.GetURLHealth(ctx, target.URL)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		log.Error("url health lookup failed", zap.Error(err))
		result.add(func(r *RefreshResult) { r.Failed++ })
		return
	}
	if health != nil && health.Suppressed(p.opts.FailureThreshold) {
		log.Warn("skipping suppressed url",
			zap.Int("consecutive_failures", health.ConsecutiveFailures))
		result.add(func(r *RefreshResult) { r.Suppressed++ })
		return
	}

	doc, err := p.fetch.Fetch(ctx, target.URL)
	if err != nil {
		log.Warn("fetch failed", zap.Error(err))
		if rerr := p.store.RecordFailure(ctx, target.PayerID, target.URL, err.Error()); rerr != nil {
			log.Error("record failure", zap.Error(rerr))
		}
		result.add(func(r *RefreshResult) { r.Failed++ })
		return
	}
	if err := p.store.RecordSuccess(ctx, target.PayerID, target.URL); err != nil {
		log.Error("record success", zap.Error(err))
	}
	result.add(func(r *RefreshResult) { r.Fetched++ })

	meta, err := p.artifacts.Store(artifact.StoreInput{
		PayerID:     target.PayerID,
		PolicyID:    target.PolicyID,
		Content:     doc.Content,
		ContentType: doc.ContentType,
		SourceURL:   target.URL,
		FetchedAt:   doc.FetchedAt,
	})
	if err != nil {
		log.Error("artifact store failed", zap.Error(err))
		result.add(func(r *RefreshResult) { r.Failed++ })
		return
	}

	// Extraction failure degrades to heuristic hashing, never loses the fetch.
	ext := p.extract(ctx, target, doc, log)

	hashes := multihash.Compute(string(doc.Content), multihash.Extracted{
		CriteriaSection: ext.CriteriaSection,
		Codes:           ext.Codes,
		EffectiveDate:   ext.EffectiveDate,
		PolicyNumber:    ext.PolicyNumber,
		DocumentTitle:   ext.DocumentTitle,
	})

	prev, err := p.store.GetPolicyState(ctx, target.PayerID, target.PolicyID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		log.Error("policy state lookup failed", zap.Error(err))
		result.add(func(r *RefreshResult) { r.Failed++ })
		return
	}

	changed := prev == nil
	if prev != nil {
		cmp := multihash.Compare(prev.Hashes, hashes)
		changed = cmp.Changed
		if cmp.PossibleSystemChange {
			log.Warn("possible system change: criteria hash drifted on identical content")
			result.add(func(r *RefreshResult) { r.SystemChanges++ })
		}
		if cmp.Changed {
			log.Info("policy changed",
				zap.Strings("changed_hashes", cmp.ChangedHashes),
				zap.String("priority", string(cmp.Priority)))
		}
	}

	if changed {
		p.persistAssertions(ctx, target, meta, hashes, ext, doc, log)
		result.add(func(r *RefreshResult) { r.Changed++ })
	} else {
		result.add(func(r *RefreshResult) { r.Unchanged++ })
	}

	if err := p.store.UpsertPolicyState(ctx, model.PolicyState{
		PayerID:        target.PayerID,
		PolicyID:       target.PolicyID,
		SourceURL:      target.URL,
		Hashes:         hashes,
		LastArtifactID: meta.ID,
		LastFetched:    doc.FetchedAt,
	}); err != nil {
		log.Error("policy state upsert failed", zap.Error(err))
	}

	if n, err := p.artifacts.Prune(target.PayerID, p.opts.KeepArtifacts); err != nil {
		log.Warn("artifact prune failed", zap.Error(err))
	} else if n > 0 {
		log.Debug("pruned artifacts", zap.Int("deleted", n))
	}
}

func (p *Pipeline) extract(ctx context.Context, target PolicyTarget, doc *fetcher.Document, log *zap.Logger) *claude.Extraction {
	if p.extractor == nil {
		return &claude.Extraction{}
	}
	ext, err := p.extractor.ExtractPolicy(ctx, claude.ExtractRequest{
		PayerID: target.PayerID,
		Content: string(doc.Content),
		DocType: target.DocType,
	})
	if err != nil {
		log.Warn("extraction failed, falling back to heuristic slicing", zap.Error(err))
		return &claude.Extraction{}
	}
	return ext
}

func (p *Pipeline) persistAssertions(ctx context.Context, target PolicyTarget, meta *model.ArtifactMeta, hashes model.HashSet, ext *claude.Extraction, doc *fetcher.Document, log *zap.Logger) {
	for _, cand := range ext.Assertions {
		a := model.CoverageAssertion{
			PayerID:        target.PayerID,
			TestID:         cand.TestID,
			Layer:          cand.Layer,
			Status:         cand.Status,
			Confidence:     cand.Confidence,
			SourcePolicyID: target.PolicyID,
			SourceURL:      target.URL,
			Snippet:        cand.Snippet,
			ContentHash:    hashes.Content,
			LastFetched:    doc.FetchedAt,
		}
		if err := a.Validate(); err != nil {
			log.Warn("dropping invalid candidate assertion",
				zap.String("test_id", cand.TestID), zap.Error(err))
			continue
		}

		unlock := p.lockPair(a.PayerID, a.TestID)
		stored, err := p.store.UpsertAssertion(ctx, a)
		if err != nil {
			unlock()
			log.Error("assertion upsert failed",
				zap.String("test_id", a.TestID), zap.Error(err))
			continue
		}

		// Recompute the resolved view under the pair lock so concurrent
		// refreshes of the same pair never interleave.
		current, err := p.store.GetAssertions(ctx, a.PayerID, a.TestID)
		unlock()
		if err != nil {
			log.Error("assertion read-back failed", zap.Error(err))
			continue
		}
		resolved := reconcile.Resolve(current, a.PayerID, a.TestID)
		if resolved.HasConflict {
			log.Warn("conflicting coverage evidence",
				zap.String("test_id", a.TestID),
				zap.String("resolved_status", string(resolved.Status)),
				zap.Int("conflicts", len(resolved.Conflicts)))
		}

		if cand.Snippet != "" {
			if err := p.artifacts.AddAnchor(meta.ID, model.Anchor{
				Section: string(cand.Layer),
				Quote:   cand.Snippet,
			}); err != nil {
				// The model paraphrased instead of quoting; the assertion
				// stands, just without a verifiable anchor.
				log.Warn("anchor rejected",
					zap.String("test_id", stored.TestID), zap.Error(err))
			}
		}
	}
}

func (p *Pipeline) lockPair(payerID, testID string) func() {
	key := payerID + "\x00" + testID

	p.mu.Lock()
	m, ok := p.pairMu[key]
	if !ok {
		m = &sync.Mutex{}
		p.pairMu[key] = m
	}
	p.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Resolve returns the reconciled coverage for one (payer, test) pair from the
// currently stored assertions.
func (p *Pipeline) Resolve(ctx context.Context, payerID, testID string) (*model.ResolvedCoverage, error) {
	assertions, err := p.store.GetAssertions(ctx, payerID, testID)
	if err != nil {
		return nil, err
	}
	resolved := reconcile.Resolve(assertions, payerID, testID)
	return &resolved, nil
}
