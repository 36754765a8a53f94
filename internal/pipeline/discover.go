package pipeline

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openonco/coverage-cli/internal/model"
)

var linkRegexp = regexp.MustCompile(`(?i)<a[^>]+href=["']([^"'#]+)["'][^>]*>(.*?)</a>`)

var tagStripRegexp = regexp.MustCompile(`<[^>]*>`)

// candidateKeywords mark a link as a plausible policy document when they
// appear in its URL or link text.
var candidateKeywords = []string{
	"policy", "coverage", "criteria", "guideline", "medical necessity",
	"prior authorization", "molecular", "genetic", "laboratory", "clinical",
}

// docTypeGuesses maps keywords to the evidence layer the document most likely
// feeds. Checked in order; first match wins.
var docTypeGuesses = []struct {
	keyword string
	layer   model.Layer
}{
	{"utilization", model.LayerUMCriteria},
	{"prior authorization", model.LayerUMCriteria},
	{"criteria", model.LayerUMCriteria},
	{"guideline", model.LayerLBMGuideline},
	{"delegat", model.LayerDelegation},
	{"policy", model.LayerPolicyStance},
}

// DiscoverResult tallies one discovery crawl.
type DiscoverResult struct {
	PagesCrawled int
	LinksSeen    int
	Staged       int
}

// Discover crawls the registry's index pages for the payer (all payers when
// payerID is empty) and stages unseen candidate policy URLs for review.
// Nothing is ingested here; a discovery only becomes a refresh target after a
// human approves it and promotes it into the registry.
func (p *Pipeline) Discover(ctx context.Context, reg *Registry, payerID string) (*DiscoverResult, error) {
	result := &DiscoverResult{}

	for payer, pages := range reg.IndexPages {
		if payerID != "" && payer != payerID {
			continue
		}
		for _, page := range pages {
			if err := ctx.Err(); err != nil {
				return result, eris.Wrap(err, "pipeline: discover")
			}
			p.discoverPage(ctx, reg, payer, page, result)
		}
	}

	zap.L().Info("discovery complete",
		zap.Int("pages_crawled", result.PagesCrawled),
		zap.Int("links_seen", result.LinksSeen),
		zap.Int("staged", result.Staged),
	)
	return result, nil
}

func (p *Pipeline) discoverPage(ctx context.Context, reg *Registry, payerID, pageURL string, result *DiscoverResult) {
	log := zap.L().With(zap.String("payer_id", payerID), zap.String("index_url", pageURL))

	doc, err := p.fetch.Fetch(ctx, pageURL)
	if err != nil {
		log.Warn("index page fetch failed", zap.Error(err))
		if rerr := p.store.RecordFailure(ctx, payerID, pageURL, err.Error()); rerr != nil {
			log.Error("record failure", zap.Error(rerr))
		}
		return
	}
	if err := p.store.RecordSuccess(ctx, payerID, pageURL); err != nil {
		log.Error("record success", zap.Error(err))
	}
	result.PagesCrawled++

	base, err := url.Parse(pageURL)
	if err != nil {
		log.Warn("unparseable index url", zap.Error(err))
		return
	}

	for _, match := range linkRegexp.FindAllStringSubmatch(string(doc.Content), -1) {
		result.LinksSeen++

		href, linkText := match[1], strings.TrimSpace(tagStripRegexp.ReplaceAllString(match[2], ""))
		resolved := resolveLink(base, href)
		if resolved == "" {
			continue
		}

		confidence, ok := scoreCandidate(resolved, linkText)
		if !ok {
			continue
		}
		if reg.KnownURL(resolved) {
			continue
		}
		// Dedupe against both the staging table and already-ingested sources.
		staged, err := p.store.DiscoveryURLKnown(ctx, resolved)
		if err != nil {
			log.Error("discovery lookup failed", zap.Error(err))
			continue
		}
		ingested, err := p.store.AssertionSourceURLKnown(ctx, resolved)
		if err != nil {
			log.Error("assertion source lookup failed", zap.Error(err))
			continue
		}
		if staged || ingested {
			continue
		}

		if _, err := p.store.CreateDiscovery(ctx, model.Discovery{
			PayerID:      payerID,
			URL:          resolved,
			LinkText:     linkText,
			DocTypeGuess: string(guessDocType(resolved, linkText)),
			Confidence:   confidence,
		}); err != nil {
			log.Error("stage discovery failed", zap.String("url", resolved), zap.Error(err))
			continue
		}
		result.Staged++
	}
}

func resolveLink(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}

// scoreCandidate decides whether a link looks like a policy document. PDFs
// matching a keyword score higher than HTML pages.
func scoreCandidate(link, text string) (float64, bool) {
	haystack := strings.ToLower(link + " " + text)

	matched := 0
	for _, kw := range candidateKeywords {
		if strings.Contains(haystack, kw) {
			matched++
		}
	}
	if matched == 0 {
		return 0, false
	}

	confidence := 0.4 + 0.1*float64(matched)
	if strings.HasSuffix(strings.ToLower(link), ".pdf") {
		confidence += 0.2
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	return confidence, true
}

func guessDocType(link, text string) model.Layer {
	haystack := strings.ToLower(link + " " + text)
	for _, g := range docTypeGuesses {
		if strings.Contains(haystack, g.keyword) {
			return g.layer
		}
	}
	return model.LayerPolicyStance
}
