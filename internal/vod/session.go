// SPDX-License-Identifier: MIT

package vod

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/nick4810/Dispatcharr/internal/store"
)

// Session is the cross-request playback context of one client, stored as a
// Redis hash so any worker can serve any request of the session.
type Session struct {
	ID          string
	ContentKind string
	ContentID   string
	ContentName string
	ProfileID   int
	AccountName string
	ClientIP    string
	UserAgent   string

	CreatedAt    time.Time
	LastActivity time.Time

	BytesSent   int64
	LastEndByte int64

	LastSeekByte int64
	LastSeekPct  float64 // fraction of total content size, 0..1
	LastSeekAt   time.Time

	PositionSeconds   int64
	PositionUpdatedAt time.Time

	TotalSize   int64
	ContentType string
	// RangeSupported mirrors the probe's finding; absent means unknown and
	// parses as true.
	RangeSupported bool

	// ConnToken identifies the streaming loop that currently owns the
	// session's upstream connection. A newer request overwrites it and the
	// superseded loop backs off, keeping at most one live upstream
	// connection per session.
	ConnToken string
}

// Hash field names of the session record.
const (
	fieldContentKind  = "content_kind"
	fieldContentID    = "content_id"
	fieldContentName  = "content_name"
	fieldProfileID    = "profile_id"
	fieldAccountName  = "account_name"
	fieldClientIP     = "client_ip"
	fieldUserAgent    = "client_user_agent"
	fieldCreatedAt    = "created_at"
	fieldLastActivity = "last_activity"
	fieldBytesSent    = "bytes_sent"
	fieldLastEndByte  = "last_end_byte"
	fieldSeekByte     = "last_seek_byte"
	fieldSeekPct      = "last_seek_percentage"
	fieldSeekAt       = "last_seek_at"
	fieldPosition     = "position_seconds"
	fieldPositionAt   = "position_updated_at"
	fieldTotalSize    = "total_content_size"
	fieldContentType  = "content_type"
	fieldRangeSupport = "range_supported"
	fieldConnToken    = "conn_token"
)

var sessionIDPattern = regexp.MustCompile(`^vod_\d+_[0-9a-f]+$`)

// NewSessionID mints a session identifier from a millisecond timestamp and a
// random suffix. The time component keeps ids sortable and lets the stats
// view estimate connection age; the random suffix makes collisions across
// independent workers negligible without a central allocator.
func NewSessionID() string {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		// crypto/rand failing is effectively fatal elsewhere; fall back to
		// the nanosecond clock rather than panicking in the request path.
		return fmt.Sprintf("vod_%d_%x", time.Now().UnixMilli(), time.Now().UnixNano()&0xffffff)
	}
	return fmt.Sprintf("vod_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}

// ValidSessionID reports whether id has the minted session id shape. Used at
// the routing boundary so arbitrary path segments never reach the store.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Registry persists sessions in the shared state store.
type Registry struct {
	store  *store.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRegistry creates a session registry. ttl bounds how long an idle
// session record survives; every touch refreshes it.
func NewRegistry(st *store.Store, ttl time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{store: st, ttl: ttl, logger: logger}
}

// TTL returns the configured idle session lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Create writes a fresh session record.
func (r *Registry) Create(ctx context.Context, sess Session) error {
	now := time.Now()
	fields := map[string]any{
		fieldContentKind:  sess.ContentKind,
		fieldContentID:    sess.ContentID,
		fieldContentName:  sess.ContentName,
		fieldClientIP:     sess.ClientIP,
		fieldUserAgent:    sess.UserAgent,
		fieldCreatedAt:    now.Unix(),
		fieldLastActivity: now.Unix(),
	}
	if sess.ProfileID != 0 {
		fields[fieldProfileID] = sess.ProfileID
	}
	if sess.AccountName != "" {
		fields[fieldAccountName] = sess.AccountName
	}
	return r.store.HSet(ctx, SessionKey(sess.ID), fields, r.ttl)
}

// Get loads a session record. Returns (nil, nil) when the session does not
// exist or has expired.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	record, err := r.store.HGetAll(ctx, SessionKey(id))
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	sess := parseSession(id, record)
	return &sess, nil
}

// Update merges fields into the session record and refreshes its TTL.
// Field-level merges keep concurrent workers from clobbering each other.
func (r *Registry) Update(ctx context.Context, id string, fields map[string]any) error {
	return r.store.HSet(ctx, SessionKey(id), fields, r.ttl)
}

// Touch refreshes last_activity and the record TTL.
func (r *Registry) Touch(ctx context.Context, id string) error {
	return r.store.HSet(ctx, SessionKey(id), map[string]any{
		fieldLastActivity: time.Now().Unix(),
	}, r.ttl)
}

// Delete removes the session record.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.Del(ctx, SessionKey(id))
}

// SetProfile persists the chosen delivery profile for the session. Once set
// it is authoritative for all subsequent requests of the session.
func (r *Registry) SetProfile(ctx context.Context, id string, profileID int, accountName string) error {
	return r.store.HSet(ctx, SessionKey(id), map[string]any{
		fieldProfileID:   profileID,
		fieldAccountName: accountName,
	}, r.ttl)
}

// SetProbeResult caches probe output so the real stream does not re-probe.
func (r *Registry) SetProbeResult(ctx context.Context, id string, totalSize int64, contentType string, rangeSupported bool) error {
	rs := "0"
	if rangeSupported {
		rs = "1"
	}
	fields := map[string]any{fieldRangeSupport: rs}
	if totalSize > 0 {
		fields[fieldTotalSize] = totalSize
	}
	if contentType != "" {
		fields[fieldContentType] = contentType
	}
	return r.store.HSet(ctx, SessionKey(id), fields, r.ttl)
}

// RecordSeek stores seek telemetry for the session.
func (r *Registry) RecordSeek(ctx context.Context, id string, startByte, totalSize int64) error {
	fields := map[string]any{
		fieldSeekByte: startByte,
		fieldSeekAt:   time.Now().Unix(),
	}
	if totalSize > 0 {
		fields[fieldSeekPct] = strconv.FormatFloat(float64(startByte)/float64(totalSize), 'f', -1, 64)
	}
	return r.store.HSet(ctx, SessionKey(id), fields, r.ttl)
}

// SetPosition records a best-effort playback position in seconds.
func (r *Registry) SetPosition(ctx context.Context, id string, seconds int64) error {
	return r.store.HSet(ctx, SessionKey(id), map[string]any{
		fieldPosition:   seconds,
		fieldPositionAt: time.Now().Unix(),
	}, r.ttl)
}

// ClaimConnection stamps token as the owner of the session's upstream
// connection, superseding any prior streaming loop.
func (r *Registry) ClaimConnection(ctx context.Context, id, token string) error {
	return r.store.HSet(ctx, SessionKey(id), map[string]any{
		fieldConnToken: token,
	}, r.ttl)
}

// ConnectionOwner returns the current connection token of the session.
func (r *Registry) ConnectionOwner(ctx context.Context, id string) (string, error) {
	return r.store.HGet(ctx, SessionKey(id), fieldConnToken)
}

// RecordChunk accumulates per-chunk telemetry in a single round trip:
// bytes_sent, the served end position, last_activity and the TTL refresh.
func (r *Registry) RecordChunk(ctx context.Context, id string, n int, endByte int64) error {
	key := SessionKey(id)
	pipe := r.store.Pipeline()
	pipe.HIncrBy(ctx, key, fieldBytesSent, int64(n))
	pipe.HSet(ctx, key,
		fieldLastEndByte, endByte,
		fieldLastActivity, time.Now().Unix(),
	)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record chunk for %s: %w", id, err)
	}
	return nil
}

// List returns all live session records.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	keys, err := r.store.Scan(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(keys))
	for _, key := range keys {
		record, err := r.store.HGetAll(ctx, key)
		if err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to read session record")
			continue
		}
		if len(record) == 0 {
			continue
		}
		sessions = append(sessions, parseSession(key[len(sessionKeyPrefix):], record))
	}
	return sessions, nil
}

func parseSession(id string, record map[string]string) Session {
	return Session{
		ID:                id,
		ContentKind:       record[fieldContentKind],
		ContentID:         record[fieldContentID],
		ContentName:       record[fieldContentName],
		ProfileID:         int(parseInt(record[fieldProfileID])),
		AccountName:       record[fieldAccountName],
		ClientIP:          record[fieldClientIP],
		UserAgent:         record[fieldUserAgent],
		CreatedAt:         parseUnix(record[fieldCreatedAt]),
		LastActivity:      parseUnix(record[fieldLastActivity]),
		BytesSent:         parseInt(record[fieldBytesSent]),
		LastEndByte:       parseInt(record[fieldLastEndByte]),
		LastSeekByte:      parseInt(record[fieldSeekByte]),
		LastSeekPct:       parseFloat(record[fieldSeekPct]),
		LastSeekAt:        parseUnix(record[fieldSeekAt]),
		PositionSeconds:   parseInt(record[fieldPosition]),
		PositionUpdatedAt: parseUnix(record[fieldPositionAt]),
		TotalSize:         parseInt(record[fieldTotalSize]),
		ContentType:       record[fieldContentType],
		RangeSupported:    record[fieldRangeSupport] != "0",
		ConnToken:         record[fieldConnToken],
	}
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseUnix(s string) time.Time {
	n := parseInt(s)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
