// SPDX-License-Identifier: MIT

package catalog

import (
	"sort"
	"sync"
)

// Catalog is the read-only lookup interface the streaming core depends on.
type Catalog interface {
	// Movie returns the movie with the given opaque id.
	Movie(id string) (Content, bool)
	// Episode returns the episode with the given opaque id.
	Episode(id string) (Content, bool)
	// FirstEpisode returns the first episode of the given series.
	FirstEpisode(seriesID string) (Content, bool)
	// Account returns the account with the given id.
	Account(id int) (Account, bool)
	// Profile returns the profile with the given id.
	Profile(id int) (Profile, bool)
	// ProfilesFor returns the active profiles of an account sorted by
	// descending priority. The default profile is not special-cased here;
	// selection ordering is the selector's concern.
	ProfilesFor(accountID int) []Profile
}

// Memory is an in-memory Catalog. It is the backing implementation for the
// file catalog and the fixture of choice in tests. All lookups are safe for
// concurrent use; Replace swaps the whole dataset atomically on reload.
type Memory struct {
	mu       sync.RWMutex
	movies   map[string]Content
	episodes map[string]Content
	series   map[string]Series
	accounts map[int]Account
	profiles map[int]Profile
}

// NewMemory builds an empty in-memory catalog.
func NewMemory() *Memory {
	m := &Memory{}
	m.Replace(Data{})
	return m
}

// Data is a full catalog dataset.
type Data struct {
	Accounts []Account `yaml:"accounts"`
	Profiles []Profile `yaml:"profiles"`
	Movies   []Content `yaml:"movies"`
	Series   []Series  `yaml:"series"`
}

// Replace atomically swaps the catalog contents.
func (m *Memory) Replace(data Data) {
	movies := make(map[string]Content, len(data.Movies))
	for _, c := range data.Movies {
		c.Kind = KindMovie
		movies[c.ID] = c
	}

	episodes := make(map[string]Content)
	series := make(map[string]Series, len(data.Series))
	for _, s := range data.Series {
		for i := range s.Episodes {
			s.Episodes[i].Kind = KindEpisode
			episodes[s.Episodes[i].ID] = s.Episodes[i]
		}
		series[s.ID] = s
	}

	accounts := make(map[int]Account, len(data.Accounts))
	for _, a := range data.Accounts {
		accounts[a.ID] = a
	}

	profiles := make(map[int]Profile, len(data.Profiles))
	for _, p := range data.Profiles {
		profiles[p.ID] = p
	}

	m.mu.Lock()
	m.movies = movies
	m.episodes = episodes
	m.series = series
	m.accounts = accounts
	m.profiles = profiles
	m.mu.Unlock()
}

func (m *Memory) Movie(id string) (Content, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.movies[id]
	return c, ok
}

func (m *Memory) Episode(id string) (Content, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.episodes[id]
	return c, ok
}

func (m *Memory) FirstEpisode(seriesID string) (Content, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[seriesID]
	if !ok || len(s.Episodes) == 0 {
		return Content{}, false
	}
	return s.Episodes[0], true
}

func (m *Memory) Account(id int) (Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	return a, ok
}

func (m *Memory) Profile(id int) (Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	return p, ok
}

func (m *Memory) ProfilesFor(accountID int) []Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Profile
	for _, p := range m.profiles {
		if p.AccountID == accountID && p.Active {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
