// SPDX-License-Identifier: MIT

package vod

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nick4810/Dispatcharr/internal/catalog"
	"github.com/nick4810/Dispatcharr/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.NewWithClient(client, zerolog.Nop()), mr
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *miniredis.Miniredis) {
	t.Helper()
	st, mr := newTestStore(t)
	return NewRegistry(st, 30*time.Minute, zerolog.Nop()), st, mr
}

// newTestCatalog builds a small fixed dataset:
//
//	account 1 "Alpha"  priority 10, custom UA
//	account 2 "Beta"   priority 5
//	account 3 "Gamma"  inactive
//	profile 10: Alpha default, max 2
//	profile 11: Alpha "direct", max 1, rewrites /hls/ to /dash/
//	profile 12: Alpha, inactive
//	profile 20: Beta default, unlimited
func newTestCatalog() *catalog.Memory {
	m := catalog.NewMemory()
	m.Replace(catalog.Data{
		Accounts: []catalog.Account{
			{ID: 1, Name: "Alpha", Priority: 10, Active: true, UserAgent: "AlphaAgent/2.1"},
			{ID: 2, Name: "Beta", Priority: 5, Active: true},
			{ID: 3, Name: "Gamma", Priority: 99, Active: false},
		},
		Profiles: []catalog.Profile{
			{ID: 10, AccountID: 1, Name: "standard", IsDefault: true, Active: true, MaxConcurrent: 2},
			{ID: 11, AccountID: 1, Name: "direct", Active: true, MaxConcurrent: 1, Priority: 5,
				SearchPattern: `/hls/(.*)`, ReplacePattern: `/dash/$1`},
			{ID: 12, AccountID: 1, Name: "retired", Active: false, MaxConcurrent: 1},
			{ID: 20, AccountID: 2, Name: "beta-default", IsDefault: true, Active: true, MaxConcurrent: 0},
		},
		Movies: []catalog.Content{
			{ID: "m1", Name: "First Movie", Sources: []catalog.Source{
				{AccountID: 2, StreamID: "m1-beta", URL: "http://beta.example/vod/m1.mp4"},
				{AccountID: 1, StreamID: "m1-alpha", URL: "http://alpha.example/hls/m1.mp4"},
			}},
			{ID: "m2", Name: "Orphan Movie", Sources: []catalog.Source{
				{AccountID: 3, StreamID: "m2-gamma", URL: "http://gamma.example/vod/m2.mp4"},
				{AccountID: 1, StreamID: "m2-alpha", URL: ""},
			}},
		},
		Series: []catalog.Series{
			{ID: "sr1", Name: "A Series", Episodes: []catalog.Content{
				{ID: "e1", Name: "A Series S01E01", Sources: []catalog.Source{
					{AccountID: 1, StreamID: "e1-alpha", URL: "http://alpha.example/hls/e1.mp4"},
				}},
				{ID: "e2", Name: "A Series S01E02", Sources: []catalog.Source{
					{AccountID: 1, StreamID: "e2-alpha", URL: "http://alpha.example/hls/e2.mp4"},
				}},
			}},
		},
	})
	return m
}
