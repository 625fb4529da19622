// Package retrieval resolves free-text entity mentions to graph nodes by
// nearest-neighbour search over canonical address embeddings.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/agext/levenshtein"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/hybridqa/store"
)

const (
	// DefaultThreshold is the minimum cosine similarity for a confident match.
	DefaultThreshold = 0.80
	// DefaultK is the number of neighbours considered per mention.
	DefaultK = 5
	// tieEpsilon is the score difference below which candidates tie.
	tieEpsilon = 1e-9
	// maxParallel bounds concurrent resolutions inside ResolveAll.
	maxParallel = 4
)

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NeighborSearcher finds the listings closest to a vector, best first.
type NeighborSearcher interface {
	NearestNeighbors(ctx context.Context, vec []float32, k int) ([]store.Neighbor, error)
}

// Config holds resolver configuration.
type Config struct {
	Threshold float64
	K         int
}

// Resolution is the outcome of resolving one mention. When Resolved is
// false, NodeID and Canonical describe the best candidate for diagnostics
// only and must not be used as a constraint.
type Resolution struct {
	Mention    string           `json:"mention"`
	NodeID     string           `json:"node_id,omitempty"`
	Canonical  string           `json:"canonical,omitempty"`
	Similarity float64          `json:"similarity"`
	Resolved   bool             `json:"resolved"`
	Candidates []store.Neighbor `json:"candidates,omitempty"`
}

// Resolver maps mentions onto listing nodes. It only reads from the store.
type Resolver struct {
	embed  Embedder
	search NeighborSearcher
	cfg    Config
}

// New creates a resolver. Zero config values select the defaults.
func New(embed Embedder, search NeighborSearcher, cfg Config) *Resolver {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.K <= 0 {
		cfg.K = DefaultK
	}
	return &Resolver{embed: embed, search: search, cfg: cfg}
}

// Threshold returns the similarity threshold in use.
func (r *Resolver) Threshold() float64 { return r.cfg.Threshold }

// Resolve embeds mention, searches its k nearest listings and accepts the
// best one if its similarity reaches the threshold.
func (r *Resolver) Resolve(ctx context.Context, mention string) (Resolution, error) {
	start := time.Now()
	res := Resolution{Mention: mention}

	vecs, err := r.embed.Embed(ctx, []string{mention})
	if err != nil {
		return res, fmt.Errorf("retrieval: embedding mention: %w", err)
	}
	if len(vecs) != 1 {
		return res, fmt.Errorf("retrieval: embedder returned %d vectors for 1 mention", len(vecs))
	}

	candidates, err := r.search.NearestNeighbors(ctx, vecs[0], r.cfg.K)
	if err != nil {
		return res, fmt.Errorf("retrieval: neighbour search: %w", err)
	}
	res.Candidates = candidates

	best, ok := pickBest(mention, candidates)
	if ok {
		res.NodeID = best.NodeID
		res.Canonical = best.Label
		res.Similarity = best.Score
		res.Resolved = best.Score >= r.cfg.Threshold
	}

	slog.Debug("retrieval: mention resolved",
		"mention", mention, "node_id", res.NodeID, "similarity", fmt.Sprintf("%.4f", res.Similarity),
		"resolved", res.Resolved, "candidates", len(candidates),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// pickBest returns the highest-scoring candidate. Scores within
// tieEpsilon of each other tie; ties go to the smaller Levenshtein
// distance between the normalised mention and address, then to the
// smaller node id.
func pickBest(mention string, candidates []store.Neighbor) (store.Neighbor, bool) {
	if len(candidates) == 0 {
		return store.Neighbor{}, false
	}

	top := math.Inf(-1)
	for _, c := range candidates {
		if c.Score > top {
			top = c.Score
		}
	}

	norm := normalizeAddress(mention)
	var best store.Neighbor
	bestDist := -1
	for _, c := range candidates {
		if top-c.Score > tieEpsilon {
			continue
		}
		d := levenshtein.Distance(norm, normalizeAddress(c.Label), nil)
		if bestDist < 0 || d < bestDist || (d == bestDist && c.NodeID < best.NodeID) {
			best, bestDist = c, d
		}
	}
	return best, true
}

// ResolveAll resolves mentions concurrently and returns one Resolution per
// distinct mention, in first-occurrence order. Duplicate mentions, compared
// case-insensitively after whitespace collapsing, are resolved once.
func (r *Resolver) ResolveAll(ctx context.Context, mentions []string) ([]Resolution, error) {
	unique := dedupeMentions(mentions)
	out := make([]Resolution, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, m := range unique {
		g.Go(func() error {
			res, err := r.Resolve(gctx, m)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Unresolved returns the mentions that did not reach the threshold.
func Unresolved(rs []Resolution) []string {
	var out []string
	for _, r := range rs {
		if !r.Resolved {
			out = append(out, r.Mention)
		}
	}
	return out
}

// Describe renders resolved entities for prompts, one per line.
func Describe(rs []Resolution) string {
	var sb strings.Builder
	for _, r := range rs {
		if !r.Resolved {
			continue
		}
		fmt.Fprintf(&sb, "- %q refers to listing id %q at %q (similarity %.3f)\n",
			r.Mention, r.NodeID, r.Canonical, r.Similarity)
	}
	return sb.String()
}
