// SPDX-License-Identifier: MIT

package vod

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nick4810/Dispatcharr/internal/catalog"
)

// ConnectionInfo describes one active session in a stats snapshot.
type ConnectionInfo struct {
	ClientID        string  `json:"client_id"`
	ClientIP        string  `json:"client_ip"`
	UserAgent       string  `json:"user_agent"`
	ConnectedAt     int64   `json:"connected_at"`
	LastActivity    int64   `json:"last_activity"`
	DurationSeconds int64   `json:"duration"`
	ProfileID       int     `json:"profile_id,omitempty"`
	ProfileName     string  `json:"profile_name,omitempty"`
	AccountName     string  `json:"account_name,omitempty"`
	BytesSent       int64   `json:"bytes_sent"`
	LastSeekByte    int64   `json:"last_seek_byte,omitempty"`
	LastSeekPct     float64 `json:"last_seek_percentage,omitempty"`
	TotalSize       int64   `json:"total_content_size,omitempty"`
	PositionSeconds int64   `json:"position_seconds"`
}

// ContentGroup aggregates the sessions streaming one piece of content.
type ContentGroup struct {
	ContentKind     string           `json:"content_kind"`
	ContentID       string           `json:"content_id"`
	ContentName     string           `json:"content_name"`
	ConnectionCount int              `json:"connection_count"`
	Connections     []ConnectionInfo `json:"connections"`
}

// Snapshot is a point-in-time view of all active sessions across workers.
type Snapshot struct {
	Connections      map[string]ContentGroup `json:"vod_connections"`
	TotalConnections int                     `json:"total_connections"`
	Timestamp        int64                   `json:"timestamp"`
}

// Collector assembles stats snapshots from the shared session records.
type Collector struct {
	sessions *Registry
	catalog  catalog.Catalog
	logger   zerolog.Logger
}

// NewCollector creates a stats collector over the shared registry.
func NewCollector(sessions *Registry, cat catalog.Catalog, logger zerolog.Logger) *Collector {
	return &Collector{sessions: sessions, catalog: cat, logger: logger}
}

// Snapshot lists all live sessions and groups them by content. Playback
// positions are estimated from seek telemetry and wall-clock progress since
// exact positions are unknown without media introspection.
func (c *Collector) Snapshot(ctx context.Context) (Snapshot, error) {
	sessions, err := c.sessions.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	now := time.Now()
	groups := make(map[string]ContentGroup)
	for _, sess := range sessions {
		key := sess.ContentKind + ":" + sess.ContentID
		group, ok := groups[key]
		if !ok {
			group = ContentGroup{
				ContentKind: sess.ContentKind,
				ContentID:   sess.ContentID,
				ContentName: sess.ContentName,
			}
		}
		group.Connections = append(group.Connections, c.connectionInfo(sess, now))
		group.ConnectionCount = len(group.Connections)
		groups[key] = group
	}

	total := 0
	for key, group := range groups {
		sort.Slice(group.Connections, func(i, j int) bool {
			return group.Connections[i].ConnectedAt < group.Connections[j].ConnectedAt
		})
		groups[key] = group
		total += group.ConnectionCount
	}

	return Snapshot{
		Connections:      groups,
		TotalConnections: total,
		Timestamp:        now.Unix(),
	}, nil
}

func (c *Collector) connectionInfo(sess Session, now time.Time) ConnectionInfo {
	info := ConnectionInfo{
		ClientID:     sess.ID,
		ClientIP:     sess.ClientIP,
		UserAgent:    sess.UserAgent,
		BytesSent:    sess.BytesSent,
		LastSeekByte: sess.LastSeekByte,
		LastSeekPct:  sess.LastSeekPct,
		TotalSize:    sess.TotalSize,
		ProfileID:    sess.ProfileID,
		AccountName:  sess.AccountName,
	}
	if !sess.CreatedAt.IsZero() {
		info.ConnectedAt = sess.CreatedAt.Unix()
		info.DurationSeconds = int64(now.Sub(sess.CreatedAt).Seconds())
	}
	if !sess.LastActivity.IsZero() {
		info.LastActivity = sess.LastActivity.Unix()
	}
	if sess.ProfileID != 0 {
		if profile, ok := c.catalog.Profile(sess.ProfileID); ok {
			info.ProfileName = profile.Name
		}
	}

	duration := DefaultDuration(sess.ContentKind)
	info.PositionSeconds = EstimatePosition(sess, duration, now)
	return info
}
