// SPDX-License-Identifier: MIT

// Package catalog provides read-only access to the content, account and
// delivery profile configuration owned by the management plane. The streaming
// core only ever reads from it.
package catalog

// ContentKind distinguishes the supported content variants.
type ContentKind string

const (
	KindMovie   ContentKind = "movie"
	KindEpisode ContentKind = "episode"
	KindSeries  ContentKind = "series"
)

// Valid reports whether k names a routable content kind.
func (k ContentKind) Valid() bool {
	switch k {
	case KindMovie, KindEpisode, KindSeries:
		return true
	}
	return false
}

// Account is an upstream provider account.
type Account struct {
	ID        int    `yaml:"id"`
	Name      string `yaml:"name"`
	Priority  int    `yaml:"priority"`
	Active    bool   `yaml:"active"`
	UserAgent string `yaml:"user_agent"`
}

// Profile is a delivery profile of an account: a concurrency cap plus an
// optional URL rewrite rule.
type Profile struct {
	ID             int    `yaml:"id"`
	AccountID      int    `yaml:"account_id"`
	Name           string `yaml:"name"`
	IsDefault      bool   `yaml:"is_default"`
	Active         bool   `yaml:"active"`
	MaxConcurrent  int    `yaml:"max_concurrent"` // 0 = unlimited
	SearchPattern  string `yaml:"search_pattern"`
	ReplacePattern string `yaml:"replace_pattern"`
	Priority       int    `yaml:"priority"`
}

// Source is one upstream URL for a piece of content from one account. A
// single account may publish several stream variants of the same content,
// distinguished by StreamID.
type Source struct {
	AccountID int    `yaml:"account_id"`
	StreamID  string `yaml:"stream_id"`
	URL       string `yaml:"url"`
}

// Content is a resolvable piece of content (a movie or an episode) together
// with its upstream sources in configuration order.
type Content struct {
	Kind    ContentKind `yaml:"-"`
	ID      string      `yaml:"id"`
	Name    string      `yaml:"name"`
	Sources []Source    `yaml:"sources"`
}

// Series groups episodes; resolution of a series plays its first episode.
type Series struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	Episodes []Content `yaml:"episodes"`
}
