// SPDX-License-Identifier: MIT

package vod

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/nick4810/Dispatcharr/internal/catalog"
)

// Candidate is an upstream source joined with its active account.
type Candidate struct {
	Account  catalog.Account
	StreamID string
	RawURL   string
}

// ResolveOptions carry caller hints that bias candidate selection.
type ResolveOptions struct {
	// PreferredStreamID picks an exact stream variant when present.
	PreferredStreamID string
	// PreferredAccountID picks a provider account when present (0 = none).
	PreferredAccountID int
}

// Resolver maps a content reference onto the upstream candidate to stream.
type Resolver struct {
	catalog catalog.Catalog
	logger  zerolog.Logger
}

// NewResolver creates a resolver over the given catalog.
func NewResolver(cat catalog.Catalog, logger zerolog.Logger) *Resolver {
	return &Resolver{catalog: cat, logger: logger}
}

// Resolve looks up the content and selects one upstream candidate.
// Selection order: exact preferred stream id, then preferred account, then
// highest account priority with configuration order as the stable tie break.
// A series reference narrows to its first episode before selection.
func (r *Resolver) Resolve(kind catalog.ContentKind, contentID string, opts ResolveOptions) (catalog.Content, Candidate, error) {
	content, ok := r.lookup(kind, contentID)
	if !ok {
		return catalog.Content{}, Candidate{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, contentID)
	}

	candidates := r.activeCandidates(content)
	if len(candidates) == 0 {
		return content, Candidate{}, fmt.Errorf("%w: %s/%s", ErrNoSource, content.Kind, content.ID)
	}

	if opts.PreferredStreamID != "" {
		for _, c := range candidates {
			if c.StreamID == opts.PreferredStreamID {
				r.logger.Debug().
					Str("stream_id", c.StreamID).
					Str("account", c.Account.Name).
					Msg("using preferred stream")
				return content, c, nil
			}
		}
		r.logger.Warn().
			Str("stream_id", opts.PreferredStreamID).
			Msg("preferred stream not found, falling back to account/priority selection")
	}

	if opts.PreferredAccountID != 0 {
		for _, c := range candidates {
			if c.Account.ID == opts.PreferredAccountID {
				r.logger.Debug().
					Int("account_id", c.Account.ID).
					Str("account", c.Account.Name).
					Msg("using preferred account")
				return content, c, nil
			}
		}
		r.logger.Warn().
			Int("account_id", opts.PreferredAccountID).
			Msg("preferred account not found, using highest priority")
	}

	// Stable sort keeps configuration order as the secondary key, so equal
	// priorities resolve deterministically.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Account.Priority > candidates[j].Account.Priority
	})
	return content, candidates[0], nil
}

func (r *Resolver) lookup(kind catalog.ContentKind, contentID string) (catalog.Content, bool) {
	switch kind {
	case catalog.KindMovie:
		return r.catalog.Movie(contentID)
	case catalog.KindEpisode:
		return r.catalog.Episode(contentID)
	case catalog.KindSeries:
		return r.catalog.FirstEpisode(contentID)
	default:
		return catalog.Content{}, false
	}
}

func (r *Resolver) activeCandidates(content catalog.Content) []Candidate {
	var out []Candidate
	for _, src := range content.Sources {
		if src.URL == "" {
			continue
		}
		account, ok := r.catalog.Account(src.AccountID)
		if !ok || !account.Active {
			continue
		}
		out = append(out, Candidate{
			Account:  account,
			StreamID: src.StreamID,
			RawURL:   src.URL,
		})
	}
	return out
}
