// SPDX-License-Identifier: MIT

// Package vod implements the streaming core of the VOD reverse proxy:
// source resolution, profile selection with shared capacity accounting,
// session tracking and the upstream byte relay. All cross-worker state lives
// in the shared Redis store; nothing here survives in process memory.
package vod

import "strconv"

// Redis key layout. Every worker derives the same keys, so the shapes here
// are part of the cross-worker contract.
const (
	sessionKeyPrefix = "vod:session:"
	counterKeyPrefix = "vod:profile_connections:"
	stopKeyPrefix    = "vod:stop:"
)

// SessionKey returns the hash key of a session record.
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// CounterKey returns the capacity counter key of a delivery profile.
func CounterKey(profileID int) string {
	return counterKeyPrefix + strconv.Itoa(profileID)
}

// StopKey returns the stop signal key of a session.
func StopKey(sessionID string) string {
	return stopKeyPrefix + sessionID
}
