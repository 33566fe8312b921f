// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nick4810/Dispatcharr/internal/catalog"
	"github.com/nick4810/Dispatcharr/internal/log"
	"github.com/nick4810/Dispatcharr/internal/vod"
)

// Custom headers exposing the session-scoped URL to HEAD callers, so the
// follow-up GET can skip the redirect round trip.
const (
	HeaderSessionURL = "X-Session-URL"
	HeaderSessionID  = "X-Dispatcharr-Session"
)

// handleInitiate mints a session and redirects the client onto the
// session-scoped path, preserving query parameters. A requested profile
// moves from the query into the path.
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), s.logger)

	kind := catalog.ContentKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		http.Error(w, "content not found", http.StatusNotFound)
		return
	}
	contentID := chi.URLParam(r, "contentID")
	sessionID := vod.NewSessionID()

	q := r.URL.Query()
	profileSeg := ""
	if p := q.Get("profile"); p != "" {
		if id, err := strconv.Atoi(p); err == nil && id > 0 {
			profileSeg = "/" + p
		} else {
			logger.Warn().Str("profile", p).Msg("ignoring invalid profile parameter")
		}
		q.Del("profile")
	}
	// A stale session identifier in the query must not survive into the
	// session-scoped URL.
	q.Del("session")
	q.Del("session_id")

	loc := streamPath(string(kind), contentID, sessionID) + profileSeg
	if enc := q.Encode(); enc != "" {
		loc += "?" + enc
	}

	logger.Debug().
		Str(log.FieldSessionID, sessionID).
		Str(log.FieldContentKind, string(kind)).
		Str(log.FieldContentID, contentID).
		Str("location", loc).
		Msg("redirecting to session-scoped URL")

	http.Redirect(w, r, loc, http.StatusMovedPermanently)
}

// handleStream serves the session-scoped GET: the actual byte relay.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), s.logger)

	req, ok := s.streamRequest(w, r)
	if !ok {
		return
	}

	if err := s.streamer.Stream(r.Context(), w, req); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldSessionID, req.SessionID).
			Str(log.FieldContentID, req.ContentID).
			Msg("stream request rejected")
		writeStreamError(w, err)
	}
}

// handleHead answers a session-scoped HEAD by probing upstream with a minimal
// ranged GET. Probe failures degrade to a default content type without a
// length rather than failing the request.
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	req, ok := s.streamRequest(w, r)
	if !ok {
		return
	}

	sessionURL := streamPath(string(req.Kind), req.ContentID, req.SessionID)
	if raw := r.URL.RawQuery; raw != "" {
		sessionURL += "?" + raw
	}
	s.writeHeadResponse(w, r, req, sessionURL)
}

// handleHeadInitiate answers a sessionless HEAD. Unlike the GET flow there is
// no redirect round trip: the session is minted inline, the probe runs
// immediately and the session-scoped URL comes back in the response headers.
func (s *Server) handleHeadInitiate(w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), s.logger)

	kind := catalog.ContentKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		http.Error(w, "content not found", http.StatusNotFound)
		return
	}
	contentID := chi.URLParam(r, "contentID")
	sessionID := vod.NewSessionID()

	q := r.URL.Query()
	profileSeg := ""
	profileID := 0
	if p := q.Get("profile"); p != "" {
		if id, err := strconv.Atoi(p); err == nil && id > 0 {
			profileID = id
			profileSeg = "/" + p
		} else {
			logger.Warn().Str("profile", p).Msg("ignoring invalid profile parameter")
		}
		q.Del("profile")
	}
	q.Del("session")
	q.Del("session_id")

	sessionURL := streamPath(string(kind), contentID, sessionID) + profileSeg
	if enc := q.Encode(); enc != "" {
		sessionURL += "?" + enc
	}

	s.writeHeadResponse(w, r, vod.StreamRequest{
		Kind:               kind,
		ContentID:          contentID,
		SessionID:          sessionID,
		RequestedProfileID: profileID,
		ClientIP:           s.trust.clientIP(r),
		UserAgent:          r.UserAgent(),
		PositionHint:       timeOffsetSeconds(q),
	}, sessionURL)
}

func (s *Server) writeHeadResponse(w http.ResponseWriter, r *http.Request, req vod.StreamRequest, sessionURL string) {
	logger := log.WithContext(r.Context(), s.logger)

	plan, err := s.streamer.Prepare(r.Context(), req)
	if err != nil {
		writeStreamError(w, err)
		return
	}

	totalSize := plan.Session.TotalSize
	contentType := plan.Session.ContentType
	rangeSupported := plan.Session.RangeSupported
	if totalSize == 0 || contentType == "" {
		ua := plan.Candidate.Account.UserAgent
		if ua == "" {
			ua = req.UserAgent
		}
		result, err := s.prober.Probe(r.Context(), plan.FinalURL, ua)
		if err != nil {
			logger.Warn().Err(err).
				Str(log.FieldSessionID, req.SessionID).
				Msg("probe failed, degrading to defaults")
			contentType = vod.InferContentType(plan.FinalURL)
		} else {
			totalSize = result.TotalSize
			contentType = result.ContentType
			rangeSupported = result.RangeSupported
			if err := s.sessions.SetProbeResult(r.Context(), req.SessionID, totalSize, contentType, rangeSupported); err != nil {
				logger.Warn().Err(err).Msg("failed to cache probe result")
			}
		}
	}

	if contentType == "" {
		contentType = vod.DefaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	if totalSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(totalSize, 10))
	}
	if rangeSupported {
		w.Header().Set("Accept-Ranges", "bytes")
	}
	w.Header().Set(HeaderSessionURL, sessionURL)
	w.Header().Set(HeaderSessionID, req.SessionID)
	w.WriteHeader(http.StatusOK)
}

// handleStop sets the stop signal for a session. The owning worker notices
// at its next chunk boundary.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), s.logger)

	var body struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_id is required"})
		return
	}
	if !vod.ValidSessionID(body.ClientID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	sess, err := s.sessions.Get(r.Context(), body.ClientID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	if err := s.store.SetFlag(r.Context(), vod.StopKey(body.ClientID), s.cfg.StopTTL); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
		return
	}

	logger.Info().
		Str(log.FieldSessionID, body.ClientID).
		Str(log.FieldContentID, sess.ContentID).
		Msg("stop signal set for session")

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "stopping",
		"client_id": body.ClientID,
	})
}

// handlePosition records a client-reported playback position for a session,
// so the stats view can show where playback actually is rather than
// estimating from bytes served.
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), s.logger)

	var body struct {
		ClientID string  `json:"client_id"`
		Position float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ClientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "client_id is required"})
		return
	}
	if body.Position < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "position must be non-negative"})
		return
	}
	if !vod.ValidSessionID(body.ClientID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	sess, err := s.sessions.Get(r.Context(), body.ClientID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
		return
	}
	if sess == nil || sess.ContentID != chi.URLParam(r, "contentID") {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}

	if err := s.sessions.SetPosition(r.Context(), body.ClientID, int64(body.Position)); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
		return
	}

	logger.Debug().
		Str(log.FieldSessionID, body.ClientID).
		Int64("position", int64(body.Position)).
		Msg("playback position recorded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats returns the cross-worker view of all active sessions.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	logger := log.WithContext(r.Context(), s.logger)

	snap, err := s.stats.Snapshot(r.Context())
	if err != nil {
		logger.Error().Err(err).Msg("failed to collect stats")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "state store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Exists(r.Context(), "healthz:probe"); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// streamRequest validates routing parameters and assembles the core request.
// On failure it has already written the response and returns ok=false.
func (s *Server) streamRequest(w http.ResponseWriter, r *http.Request) (vod.StreamRequest, bool) {
	logger := log.WithContext(r.Context(), s.logger)

	kind := catalog.ContentKind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		http.Error(w, "content not found", http.StatusNotFound)
		return vod.StreamRequest{}, false
	}

	sessionID := chi.URLParam(r, "sessionID")
	if !vod.ValidSessionID(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return vod.StreamRequest{}, false
	}

	profileID := 0
	if seg := chi.URLParam(r, "profileID"); seg != "" {
		id, err := strconv.Atoi(seg)
		if err != nil || id <= 0 {
			logger.Warn().Str("profile", seg).Msg("ignoring invalid profile path segment")
		} else {
			profileID = id
		}
	}

	q := r.URL.Query()
	accountID := 0
	if v := q.Get("m3u_account_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id <= 0 {
			logger.Warn().Str("m3u_account_id", v).Msg("ignoring invalid account parameter")
		} else {
			accountID = id
		}
	}

	return vod.StreamRequest{
		Kind:               kind,
		ContentID:          chi.URLParam(r, "contentID"),
		SessionID:          sessionID,
		RequestedProfileID: profileID,
		PreferredAccountID: accountID,
		PreferredStreamID:  q.Get("stream_id"),
		RangeHeader:        r.Header.Get("Range"),
		ClientIP:           s.trust.clientIP(r),
		UserAgent:          r.UserAgent(),
		PositionHint:       timeOffsetSeconds(q),
	}, true
}

func streamPath(kind, contentID, sessionID string) string {
	return "/stream/" + kind + "/" + url.PathEscape(contentID) + "/" + sessionID
}

// timeOffsetSeconds extracts a relative playback offset from the accepted
// time-shift aliases. Absolute window parameters (utc_start and friends) are
// accepted on the wire but carry no relative offset to record.
func timeOffsetSeconds(q url.Values) int64 {
	for _, key := range []string{"offset", "seek", "t", "timestamp", "time"} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			continue
		}
		return int64(f)
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
