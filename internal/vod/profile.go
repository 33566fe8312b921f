// SPDX-License-Identifier: MIT

package vod

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nick4810/Dispatcharr/internal/catalog"
	"github.com/nick4810/Dispatcharr/internal/store"
)

// Selection is the outcome of profile selection: the chosen profile and its
// live connection count at decision time (reporting only).
type Selection struct {
	Profile            catalog.Profile
	CurrentConnections int64
}

// Selector picks a delivery profile with spare capacity for an account. The
// capacity counters live in the shared store; the selector only reads them.
// Increment and decrement bracket the actual connection lifetime and belong
// to the streamer.
type Selector struct {
	catalog  catalog.Catalog
	store    *store.Store
	sessions *Registry
	logger   zerolog.Logger
}

// NewSelector creates a profile selector.
func NewSelector(cat catalog.Catalog, st *store.Store, sessions *Registry, logger zerolog.Logger) *Selector {
	return &Selector{catalog: cat, store: st, sessions: sessions, logger: logger}
}

// Select chooses a delivery profile for the account.
//
// Affinity wins first: when the session already names a profile that is still
// an active profile of this account, it is reused without a capacity check,
// so an in-progress stream is never evicted by its own follow-up request.
// A requested profile is honoured when it has spare capacity, otherwise
// selection falls through to the automatic order: the default profile first,
// then the remaining active profiles by priority. When nothing has capacity
// the request is rejected; admission control ends here, there is no retry.
func (s *Selector) Select(ctx context.Context, account catalog.Account, requestedProfileID int, existing *Session) (Selection, error) {
	if existing != nil && existing.ProfileID != 0 {
		if profile, ok := s.catalog.Profile(existing.ProfileID); ok && profile.Active && profile.AccountID == account.ID {
			count, err := s.store.GetInt(ctx, CounterKey(profile.ID))
			if err != nil {
				return Selection{}, err
			}
			s.logger.Debug().
				Str("session_id", existing.ID).
				Int("profile_id", profile.ID).
				Int64("connections", count).
				Int("max_concurrent", profile.MaxConcurrent).
				Msg("session reusing existing profile")
			return Selection{Profile: profile, CurrentConnections: count}, nil
		}
		s.logger.Warn().
			Str("session_id", existing.ID).
			Int("profile_id", existing.ProfileID).
			Msg("session profile no longer valid, selecting new profile")
	}

	if requestedProfileID != 0 {
		if sel, ok, err := s.tryProfile(ctx, account, requestedProfileID); err != nil {
			return Selection{}, err
		} else if ok {
			return s.persist(ctx, account, sel, existing)
		}
		s.logger.Warn().
			Int("profile_id", requestedProfileID).
			Msg("requested profile unavailable or at capacity, using automatic selection")
	}

	sel, err := s.selectAutomatic(ctx, account)
	if err != nil {
		return Selection{}, err
	}
	return s.persist(ctx, account, sel, existing)
}

// tryProfile checks one specific profile for validity and spare capacity.
func (s *Selector) tryProfile(ctx context.Context, account catalog.Account, profileID int) (Selection, bool, error) {
	profile, ok := s.catalog.Profile(profileID)
	if !ok || !profile.Active || profile.AccountID != account.ID {
		return Selection{}, false, nil
	}
	count, err := s.store.GetInt(ctx, CounterKey(profile.ID))
	if err != nil {
		return Selection{}, false, err
	}
	if profile.MaxConcurrent != 0 && count >= int64(profile.MaxConcurrent) {
		s.logger.Warn().
			Int("profile_id", profile.ID).
			Int64("connections", count).
			Int("max_concurrent", profile.MaxConcurrent).
			Msg("profile at capacity")
		return Selection{}, false, nil
	}
	return Selection{Profile: profile, CurrentConnections: count}, true, nil
}

// selectAutomatic walks the candidate order and returns the first profile
// with spare capacity. Unlimited profiles (max_concurrent 0) always qualify.
func (s *Selector) selectAutomatic(ctx context.Context, account catalog.Account) (Selection, error) {
	profiles := s.catalog.ProfilesFor(account.ID)

	var defaultProfile *catalog.Profile
	for i := range profiles {
		if profiles[i].IsDefault {
			defaultProfile = &profiles[i]
			break
		}
	}
	if defaultProfile == nil {
		return Selection{}, fmt.Errorf("%w: account %d has no default profile", ErrCapacityExhausted, account.ID)
	}

	ordered := make([]catalog.Profile, 0, len(profiles))
	ordered = append(ordered, *defaultProfile)
	for _, p := range profiles {
		if p.ID != defaultProfile.ID {
			ordered = append(ordered, p)
		}
	}

	for _, profile := range ordered {
		count, err := s.store.GetInt(ctx, CounterKey(profile.ID))
		if err != nil {
			return Selection{}, err
		}
		if profile.MaxConcurrent == 0 || count < int64(profile.MaxConcurrent) {
			s.logger.Debug().
				Int("profile_id", profile.ID).
				Str("profile", profile.Name).
				Int64("connections", count).
				Int("max_concurrent", profile.MaxConcurrent).
				Msg("selected profile")
			return Selection{Profile: profile, CurrentConnections: count}, nil
		}
	}

	return Selection{}, fmt.Errorf("%w: account %d", ErrCapacityExhausted, account.ID)
}

// persist records a newly chosen profile on the session so affinity holds
// for subsequent requests. Reused profiles are already recorded.
func (s *Selector) persist(ctx context.Context, account catalog.Account, sel Selection, existing *Session) (Selection, error) {
	if existing == nil || existing.ProfileID == sel.Profile.ID {
		return sel, nil
	}
	if err := s.sessions.SetProfile(ctx, existing.ID, sel.Profile.ID, account.Name); err != nil {
		return Selection{}, err
	}
	existing.ProfileID = sel.Profile.ID
	existing.AccountName = account.Name
	return sel, nil
}
