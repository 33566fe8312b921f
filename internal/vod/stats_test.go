// SPDX-License-Identifier: MIT

package vod

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotGroupsByContent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	cat := newTestCatalog()
	collector := NewCollector(reg, cat, zerolog.Nop())
	ctx := context.Background()

	// Two viewers on the movie, one on an episode.
	for i := 0; i < 2; i++ {
		require.NoError(t, reg.Create(ctx, Session{
			ID: NewSessionID(), ContentKind: "movie", ContentID: "m1", ContentName: "First Movie",
			ClientIP: "203.0.113.9",
		}))
	}
	require.NoError(t, reg.Create(ctx, Session{
		ID: NewSessionID(), ContentKind: "episode", ContentID: "e1", ContentName: "A Series S01E01",
	}))

	snap, err := collector.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.TotalConnections)
	require.Len(t, snap.Connections, 2)

	movie, ok := snap.Connections["movie:m1"]
	require.True(t, ok)
	assert.Equal(t, 2, movie.ConnectionCount)
	assert.Len(t, movie.Connections, 2)
	assert.Equal(t, "First Movie", movie.ContentName)

	episode, ok := snap.Connections["episode:e1"]
	require.True(t, ok)
	assert.Equal(t, 1, episode.ConnectionCount)

	assert.NotZero(t, snap.Timestamp)
}

func TestSnapshotEmpty(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	collector := NewCollector(reg, newTestCatalog(), zerolog.Nop())

	snap, err := collector.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.TotalConnections)
	assert.Empty(t, snap.Connections)
}

func TestSnapshotConnectionDetails(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	cat := newTestCatalog()
	collector := NewCollector(reg, cat, zerolog.Nop())
	ctx := context.Background()

	id := NewSessionID()
	require.NoError(t, reg.Create(ctx, Session{
		ID: id, ContentKind: "movie", ContentID: "m1", ContentName: "First Movie",
		ClientIP: "203.0.113.9", UserAgent: "VLC/3.0.20",
	}))
	require.NoError(t, reg.SetProfile(ctx, id, 10, "Alpha"))
	require.NoError(t, reg.RecordChunk(ctx, id, 4096, 4096))

	snap, err := collector.Snapshot(ctx)
	require.NoError(t, err)

	group := snap.Connections["movie:m1"]
	require.Len(t, group.Connections, 1)
	conn := group.Connections[0]
	assert.Equal(t, id, conn.ClientID)
	assert.Equal(t, "203.0.113.9", conn.ClientIP)
	assert.Equal(t, "VLC/3.0.20", conn.UserAgent)
	assert.Equal(t, 10, conn.ProfileID)
	assert.Equal(t, "standard", conn.ProfileName, "profile name resolved from the catalog")
	assert.Equal(t, "Alpha", conn.AccountName)
	assert.EqualValues(t, 4096, conn.BytesSent)
	assert.NotZero(t, conn.ConnectedAt)
}

func TestSnapshotJSONShape(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	collector := NewCollector(reg, newTestCatalog(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, Session{
		ID: NewSessionID(), ContentKind: "movie", ContentID: "m1", ContentName: "First Movie",
	}))

	snap, err := collector.Snapshot(ctx)
	require.NoError(t, err)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "vod_connections")
	assert.Contains(t, decoded, "total_connections")
	assert.Contains(t, decoded, "timestamp")
}

func TestSnapshotEstimatesPositionFromSeek(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	collector := NewCollector(reg, newTestCatalog(), zerolog.Nop())
	ctx := context.Background()

	id := NewSessionID()
	require.NoError(t, reg.Create(ctx, Session{
		ID: id, ContentKind: "movie", ContentID: "m1", ContentName: "First Movie",
	}))
	// Seek to the midpoint of a 2 GB file.
	require.NoError(t, reg.RecordSeek(ctx, id, 1_000_000_000, 2_000_000_000))

	snap, err := collector.Snapshot(ctx)
	require.NoError(t, err)

	conn := snap.Connections["movie:m1"].Connections[0]
	// Midpoint of the fallback movie duration, give a few seconds of
	// wall-clock progress since the seek.
	assert.GreaterOrEqual(t, conn.PositionSeconds, int64(3000))
	assert.Less(t, conn.PositionSeconds, int64(3030))
}

func TestEstimatePosition(t *testing.T) {
	now := time.Now()

	t.Run("seek anchored", func(t *testing.T) {
		sess := Session{LastSeekPct: 0.5, LastSeekAt: now.Add(-30 * time.Second)}
		assert.EqualValues(t, 3030, EstimatePosition(sess, 6000, now))
	})

	t.Run("progress from last position", func(t *testing.T) {
		sess := Session{PositionSeconds: 100, PositionUpdatedAt: now.Add(-60 * time.Second)}
		assert.EqualValues(t, 160, EstimatePosition(sess, 6000, now))
	})

	t.Run("clamped to duration", func(t *testing.T) {
		sess := Session{LastSeekPct: 0.99, LastSeekAt: now.Add(-10 * time.Minute)}
		assert.EqualValues(t, 2400, EstimatePosition(sess, 2400, now))
	})

	t.Run("no telemetry", func(t *testing.T) {
		assert.Zero(t, EstimatePosition(Session{}, 6000, now))
	})

	t.Run("unknown duration passes position through", func(t *testing.T) {
		sess := Session{PositionSeconds: 42}
		assert.EqualValues(t, 42, EstimatePosition(sess, 0, now))
	})
}

func TestDefaultDuration(t *testing.T) {
	assert.EqualValues(t, 6000, DefaultDuration("movie"))
	assert.EqualValues(t, 2400, DefaultDuration("episode"))
	assert.EqualValues(t, 6000, DefaultDuration(""))
}
