// Package artifact provides durable, content-addressed storage of raw fetched
// policy documents with JSON sidecar metadata and evidentiary quote anchors.
package artifact

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openonco/coverage-cli/internal/model"
)

const (
	rawExt  = ".raw"
	metaExt = ".json"
)

// Store persists artifacts on the local filesystem: one raw content file and
// one JSON sidecar per artifact, both named by the artifact ID.
type Store struct {
	root string

	// mu serializes sidecar read-modify-write; anchors are appended to an
	// existing sidecar and concurrent appends must not lose entries.
	mu sync.Mutex
}

// NewStore opens (creating if needed) an artifact store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, eris.Wrap(model.ErrInvalidInput, "artifact: store dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create store dir %s", dir)
	}
	return &Store{root: dir}, nil
}

// StoreInput describes one fetched document to persist.
type StoreInput struct {
	PayerID     string
	PolicyID    string
	Content     []byte
	ContentType model.ContentType
	SourceURL   string
	FetchedAt   time.Time // zero means now
}

// Store writes the raw content and sidecar for one fetch. The content hash is
// computed here from the bytes being written; a caller-supplied hash is never
// accepted. Storing identical bytes again produces a new artifact with the
// same content hash, which downstream change detection treats as unchanged.
func (s *Store) Store(in StoreInput) (*model.ArtifactMeta, error) {
	switch {
	case in.PayerID == "":
		return nil, eris.Wrap(model.ErrInvalidInput, "artifact: payer ID required")
	case in.PolicyID == "":
		return nil, eris.Wrap(model.ErrInvalidInput, "artifact: policy ID required")
	case len(in.Content) == 0:
		return nil, eris.Wrap(model.ErrInvalidInput, "artifact: content required")
	}
	contentType := in.ContentType
	if contentType == "" {
		contentType = model.ContentTypeHTML
	}
	if !contentType.Valid() {
		return nil, eris.Wrapf(model.ErrInvalidInput, "artifact: unknown content type %q", contentType)
	}

	fetchedAt := in.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	sum := sha256.Sum256(in.Content)
	hash := hex.EncodeToString(sum[:])

	meta := model.ArtifactMeta{
		ID:            artifactID(in.PayerID, in.PolicyID, fetchedAt, hash),
		PayerID:       in.PayerID,
		PolicyID:      in.PolicyID,
		SourceURL:     in.SourceURL,
		ContentType:   contentType,
		ContentHash:   hash,
		ContentLength: len(in.Content),
		FetchedAt:     fetchedAt,
	}

	if err := os.WriteFile(s.path(meta.ID, rawExt), in.Content, 0o644); err != nil {
		return nil, eris.Wrapf(err, "artifact: write content %s", meta.ID)
	}
	if err := s.writeMeta(meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Get retrieves one artifact. The content hash in the returned metadata is
// recomputed from the stored bytes; a mismatch against the sidecar means the
// audit trail was tampered with and is surfaced as an error.
func (s *Store) Get(artifactID string) (*model.Artifact, error) {
	meta, err := s.readMeta(artifactID)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.path(artifactID, rawExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "artifact: content %s", artifactID)
		}
		return nil, eris.Wrapf(err, "artifact: read content %s", artifactID)
	}

	sum := sha256.Sum256(content)
	if got := hex.EncodeToString(sum[:]); got != meta.ContentHash {
		return nil, eris.Errorf("artifact: content hash mismatch for %s: stored bytes do not match sidecar", artifactID)
	}

	return &model.Artifact{Meta: *meta, Content: content}, nil
}

// AddAnchor appends an evidentiary anchor to an artifact's sidecar. The
// anchor's quote must be a literal substring of the stored content; this is a
// checked invariant, not a convention. Existing anchors are never overwritten.
func (s *Store) AddAnchor(artifactID string, anchor model.Anchor) error {
	if strings.TrimSpace(anchor.Quote) == "" {
		return eris.Wrap(model.ErrInvalidInput, "artifact: anchor quote required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(artifactID)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(s.path(artifactID, rawExt))
	if err != nil {
		return eris.Wrapf(err, "artifact: read content %s", artifactID)
	}
	if !strings.Contains(string(content), anchor.Quote) {
		return eris.Wrapf(model.ErrInvalidInput,
			"artifact: anchor quote is not a substring of artifact %s", artifactID)
	}

	if anchor.CreatedAt.IsZero() {
		anchor.CreatedAt = time.Now().UTC()
	}
	meta.Anchors = append(meta.Anchors, anchor)
	return s.writeMeta(*meta)
}

// ListForPolicy returns metadata for all artifacts of one (payer, policy),
// newest first.
func (s *Store) ListForPolicy(payerID, policyID string) ([]model.ArtifactMeta, error) {
	metas, err := s.scan()
	if err != nil {
		return nil, err
	}

	var out []model.ArtifactMeta
	for _, m := range metas {
		if m.PayerID == payerID && m.PolicyID == policyID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.After(out[j].FetchedAt) })
	return out, nil
}

// Prune keeps the keepCount most recent artifacts per policy for the payer
// and deletes the rest. A failure to delete one artifact is logged and
// skipped; pruning is not safety-critical and must not abort the batch.
func (s *Store) Prune(payerID string, keepCount int) (int, error) {
	if keepCount < 1 {
		return 0, eris.Wrap(model.ErrInvalidInput, "artifact: keep count must be positive")
	}

	metas, err := s.scan()
	if err != nil {
		return 0, err
	}

	byPolicy := make(map[string][]model.ArtifactMeta)
	for _, m := range metas {
		if m.PayerID == payerID {
			byPolicy[m.PolicyID] = append(byPolicy[m.PolicyID], m)
		}
	}

	deleted := 0
	for policyID, group := range byPolicy {
		sort.Slice(group, func(i, j int) bool { return group[i].FetchedAt.After(group[j].FetchedAt) })
		for _, m := range group[min(keepCount, len(group)):] {
			if err := s.remove(m.ID); err != nil {
				zap.L().Warn("artifact: prune skipping artifact",
					zap.String("artifact_id", m.ID),
					zap.String("policy_id", policyID),
					zap.Error(err),
				)
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}

// remove deletes content and sidecar together; the sidecar goes last so a
// partial delete never leaves metadata pointing at missing content unnoticed.
func (s *Store) remove(artifactID string) error {
	if err := os.Remove(s.path(artifactID, rawExt)); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "artifact: remove content %s", artifactID)
	}
	if err := os.Remove(s.path(artifactID, metaExt)); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "artifact: remove sidecar %s", artifactID)
	}
	return nil
}

func (s *Store) path(artifactID, ext string) string {
	return filepath.Join(s.root, artifactID+ext)
}

func (s *Store) writeMeta(meta model.ArtifactMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "artifact: marshal sidecar %s", meta.ID)
	}
	if err := os.WriteFile(s.path(meta.ID, metaExt), data, 0o644); err != nil {
		return eris.Wrapf(err, "artifact: write sidecar %s", meta.ID)
	}
	return nil
}

func (s *Store) readMeta(artifactID string) (*model.ArtifactMeta, error) {
	data, err := os.ReadFile(s.path(artifactID, metaExt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(model.ErrNotFound, "artifact: %s", artifactID)
		}
		return nil, eris.Wrapf(err, "artifact: read sidecar %s", artifactID)
	}
	var meta model.ArtifactMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, eris.Wrapf(err, "artifact: unmarshal sidecar %s", artifactID)
	}
	return &meta, nil
}

func (s *Store) scan() ([]model.ArtifactMeta, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: scan %s", s.root)
	}

	var metas []model.ArtifactMeta
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), metaExt) {
			continue
		}
		meta, err := s.readMeta(strings.TrimSuffix(e.Name(), metaExt))
		if err != nil {
			zap.L().Warn("artifact: skipping unreadable sidecar",
				zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		metas = append(metas, *meta)
	}
	return metas, nil
}

// artifactID builds the collision-avoiding, human-scannable identifier:
// payer, policy, fetch date, a short content hash prefix, and a per-fetch
// nonce. The nonce keeps IDs unique when identical bytes are re-fetched for
// the same policy on the same day; one artifact exists per fetch, and a
// colliding ID would overwrite the earlier sidecar and its anchors.
func artifactID(payerID, policyID string, fetchedAt time.Time, hash string) string {
	return strings.Join([]string{
		sanitize(payerID),
		sanitize(policyID),
		fetchedAt.UTC().Format("2006-01-02"),
		hash[:12],
		fetchNonce(),
	}, "_")
}

func fetchNonce() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

var idReplacer = strings.NewReplacer("/", "-", "\\", "-", " ", "-", "..", "-")

func sanitize(s string) string {
	return idReplacer.Replace(s)
}
