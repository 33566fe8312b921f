// SPDX-License-Identifier: MIT

package vod

import (
	"time"

	"github.com/nick4810/Dispatcharr/internal/catalog"
)

// Fallback durations used when the catalog carries no authoritative runtime.
// These are documented approximations, not measurements; exact durations
// would have to come from pre-populated metadata upstream of this core.
const (
	defaultMovieDurationSecs   = 6000 // 100 minutes
	defaultEpisodeDurationSecs = 2400 // 40 minutes
)

// DefaultDuration returns the per-kind fallback runtime in seconds.
func DefaultDuration(kind string) int64 {
	if kind == string(catalog.KindEpisode) {
		return defaultEpisodeDurationSecs
	}
	return defaultMovieDurationSecs
}

// EstimatePosition projects the current playback position in seconds. It is
// reported via stats only and never controls streaming.
//
// A recent seek anchors the estimate: position = seek fraction x duration
// plus elapsed wall time since the seek. Without a seek the last recorded
// position plus elapsed time is used. Both are clamped to the duration.
func EstimatePosition(sess Session, durationSecs int64, now time.Time) int64 {
	if durationSecs <= 0 {
		return sess.PositionSeconds
	}

	if sess.LastSeekPct > 0 && !sess.LastSeekAt.IsZero() {
		pos := int64(sess.LastSeekPct*float64(durationSecs)) + int64(now.Sub(sess.LastSeekAt).Seconds())
		return clamp(pos, durationSecs)
	}

	if !sess.PositionUpdatedAt.IsZero() {
		pos := sess.PositionSeconds + int64(now.Sub(sess.PositionUpdatedAt).Seconds())
		return clamp(pos, durationSecs)
	}

	return clamp(sess.PositionSeconds, durationSecs)
}

func clamp(pos, max int64) int64 {
	if pos < 0 {
		return 0
	}
	if pos > max {
		return max
	}
	return pos
}
