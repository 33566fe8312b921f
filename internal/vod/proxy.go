// SPDX-License-Identifier: MIT

package vod

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nick4810/Dispatcharr/internal/catalog"
	"github.com/nick4810/Dispatcharr/internal/log"
	"github.com/nick4810/Dispatcharr/internal/metrics"
	"github.com/nick4810/Dispatcharr/internal/store"
)

// fallbackUserAgent is sent upstream when neither the account nor the client
// provides one.
const fallbackUserAgent = "Dispatcharr/1.0"

// counterRefreshInterval bounds how often a live stream refreshes the TTL of
// its profile capacity counter.
const counterRefreshInterval = 30 * time.Second

// StreamerConfig holds tunables of the streaming relay.
type StreamerConfig struct {
	// ChunkSize is the relay buffer size; the stop signal is polled once
	// per chunk, so it also bounds cancellation latency.
	ChunkSize int
	// SeekTolerance is the byte distance from the previously served end
	// position beyond which a new Range start counts as a seek.
	SeekTolerance int64
	// CounterTTL bounds capacity counter lifetime.
	CounterTTL time.Duration
	// ConnectTimeout applies to upstream dial and response headers.
	ConnectTimeout time.Duration
	// ReadTimeout is the upstream idle-read deadline during streaming.
	ReadTimeout time.Duration
}

// StreamRequest describes one client streaming request after routing.
type StreamRequest struct {
	Kind      catalog.ContentKind
	ContentID string
	SessionID string

	RequestedProfileID int
	PreferredAccountID int
	PreferredStreamID  string

	RangeHeader string
	ClientIP    string
	UserAgent   string

	// PositionHint is a client-reported playback offset in seconds, taken
	// from time-shift query parameters. Recorded for the stats view only,
	// after the session record exists.
	PositionHint int64
}

// Plan is the outcome of the selection phase: everything needed to open the
// upstream connection. No upstream connection exists yet and no capacity has
// been claimed when a Plan is returned.
type Plan struct {
	Content   catalog.Content
	Candidate Candidate
	Selection Selection
	FinalURL  string
	Session   *Session
}

// Streamer owns the upstream connection lifecycle: selection, capacity
// bracketing, the chunked relay loop, seek handling and cooperative stop.
type Streamer struct {
	store    *store.Store
	sessions *Registry
	resolver *Resolver
	selector *Selector
	client   *http.Client
	cfg      StreamerConfig
	logger   zerolog.Logger
}

// NewStreamer wires the streaming core over the shared store and catalog.
func NewStreamer(cat catalog.Catalog, st *store.Store, sessions *Registry, cfg StreamerConfig, logger zerolog.Logger) *Streamer {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   4,
	}
	return &Streamer{
		store:    st,
		sessions: sessions,
		resolver: NewResolver(cat, logger.With().Str(log.FieldComponent, "resolver").Logger()),
		selector: NewSelector(cat, st, sessions, logger.With().Str(log.FieldComponent, "selector").Logger()),
		client:   &http.Client{Transport: transport},
		cfg:      cfg,
		logger:   logger,
	}
}

// Sessions exposes the registry backing this streamer.
func (s *Streamer) Sessions() *Registry {
	return s.sessions
}

// Prepare runs the selection phase: session lookup/creation, source
// resolution, profile selection and URL transformation.
func (s *Streamer) Prepare(ctx context.Context, req StreamRequest) (Plan, error) {
	content, candidate, err := s.resolver.Resolve(req.Kind, req.ContentID, ResolveOptions{
		PreferredStreamID:  req.PreferredStreamID,
		PreferredAccountID: req.PreferredAccountID,
	})
	if err != nil {
		return Plan{}, err
	}

	sess, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return Plan{}, err
	}
	if sess == nil {
		fresh := Session{
			ID:          req.SessionID,
			ContentKind: string(content.Kind),
			ContentID:   content.ID,
			ContentName: content.Name,
			ClientIP:    req.ClientIP,
			UserAgent:   req.UserAgent,
		}
		if err := s.sessions.Create(ctx, fresh); err != nil {
			return Plan{}, err
		}
		fresh.CreatedAt = time.Now()
		sess = &fresh
	}

	if req.PositionHint > 0 {
		if err := s.sessions.SetPosition(ctx, sess.ID, req.PositionHint); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldSessionID, sess.ID).Msg("failed to record time-shift position")
		}
	}

	selection, err := s.selector.Select(ctx, candidate.Account, req.RequestedProfileID, sess)
	if err != nil {
		return Plan{}, err
	}

	finalURL := TransformURL(candidate.RawURL, selection.Profile, s.logger)
	if !strings.HasPrefix(finalURL, "http://") && !strings.HasPrefix(finalURL, "https://") {
		return Plan{}, fmt.Errorf("invalid stream URL %q after transform", finalURL)
	}

	return Plan{
		Content:   content,
		Candidate: candidate,
		Selection: selection,
		FinalURL:  finalURL,
		Session:   sess,
	}, nil
}

// Stream serves one client request end to end. A non-nil error means no
// response has been written yet and the caller maps the error to a status;
// once bytes are flowing all failures are resolved internally.
func (s *Streamer) Stream(ctx context.Context, w http.ResponseWriter, req StreamRequest) error {
	logger := log.WithContext(ctx, s.logger).With().
		Str(log.FieldSessionID, req.SessionID).
		Str(log.FieldContentKind, string(req.Kind)).
		Str(log.FieldContentID, req.ContentID).
		Logger()

	plan, err := s.Prepare(ctx, req)
	if err != nil {
		metrics.IncStreamStart(false, failureReason(err))
		return err
	}
	sess := plan.Session
	profile := plan.Selection.Profile

	rangeStart, hasRange := parseRangeStart(req.RangeHeader)
	if hasRange && sess.LastEndByte > 0 {
		delta := rangeStart - sess.LastEndByte
		if delta < 0 {
			delta = -delta
		}
		if delta > s.cfg.SeekTolerance {
			metrics.IncSeek()
			logger.Info().
				Int64("from", sess.LastEndByte).
				Int64("to", rangeStart).
				Msg("seek detected, reopening upstream at new offset")
			if err := s.sessions.RecordSeek(ctx, sess.ID, rangeStart, sess.TotalSize); err != nil {
				logger.Warn().Err(err).Msg("failed to record seek telemetry")
			}
		}
	}

	// Claim the session's upstream connection slot; a prior streaming loop
	// observing a foreign token backs off on its next chunk boundary.
	token := newConnToken()
	if err := s.sessions.ClaimConnection(ctx, sess.ID, token); err != nil {
		return err
	}

	// OPENING: capacity is claimed before the dial and released on every
	// exit path exactly once.
	counterKey := CounterKey(profile.ID)
	count, err := s.store.Incr(ctx, counterKey, s.cfg.CounterTTL)
	if err != nil {
		metrics.IncStreamStart(false, "store")
		return err
	}
	metrics.IncActiveStreams(profile.ID)
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		metrics.DecActiveStreams(profile.ID)
		// The stream may end because the client vanished; don't let a dead
		// request context leak the capacity slot.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := s.store.Decr(dctx, counterKey); err != nil {
			s.logger.Error().Err(err).Str("key", counterKey).Msg("failed to release capacity counter")
		}
	}
	defer release()

	logger.Debug().
		Int(log.FieldProfileID, profile.ID).
		Int64("connections", count).
		Int("max_concurrent", profile.MaxConcurrent).
		Str(log.FieldUpstream, plan.FinalURL).
		Msg("opening upstream connection")

	// The upstream request gets its own cancelable context so the idle-read
	// watchdog can cut a stalled source without touching the client side.
	upCtx, cancelUp := context.WithCancel(ctx)
	resp, err := s.openUpstream(upCtx, plan, req)
	if err != nil {
		cancelUp()
		metrics.IncStreamStart(false, failureReason(err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	watchdog := newReadWatchdog(cancelUp, s.cfg.ReadTimeout)
	defer watchdog.Stop()

	s.writeResponseHeaders(w, resp, plan)
	metrics.IncStreamStart(true, "ok")

	s.relay(ctx, w, resp.Body, relayState{
		sessionID: sess.ID,
		token:     token,
		start:     rangeStart,
		counter:   counterKey,
		watchdog:  watchdog,
		logger:    logger,
	})
	return nil
}

// readWatchdog cancels the upstream request when no read progress happens
// within the configured idle timeout.
type readWatchdog struct {
	timer   *time.Timer
	timeout time.Duration
	fired   atomic.Bool
	cancel  context.CancelFunc
}

func newReadWatchdog(cancel context.CancelFunc, timeout time.Duration) *readWatchdog {
	w := &readWatchdog{timeout: timeout, cancel: cancel}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			w.fired.Store(true)
			cancel()
		})
	}
	return w
}

func (w *readWatchdog) Reset() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *readWatchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cancel()
}

// openUpstream dials the upstream source, forwarding a client Range header
// verbatim when present.
func (s *Streamer) openUpstream(ctx context.Context, plan Plan, req StreamRequest) (*http.Response, error) {
	upReq, err := http.NewRequestWithContext(ctx, http.MethodGet, plan.FinalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	upReq.Header.Set("User-Agent", upstreamUserAgent(plan.Candidate.Account, req.UserAgent))
	upReq.Header.Set("Accept", "*/*")
	if req.RangeHeader != "" {
		upReq.Header.Set("Range", req.RangeHeader)
	}

	resp, err := s.client.Do(upReq)
	if err != nil {
		return nil, classifyUpstreamErr(err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: upstream status %d", ErrUpstreamConnect, resp.StatusCode)
	}
	return resp, nil
}

// writeResponseHeaders mirrors the upstream partial/full status and headers.
func (s *Streamer) writeResponseHeaders(w http.ResponseWriter, resp *http.Response, plan Plan) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = plan.Session.ContentType
	}
	if contentType == "" {
		contentType = InferContentType(plan.FinalURL)
	}
	w.Header().Set("Content-Type", contentType)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		w.Header().Set("Content-Range", cr)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(resp.StatusCode)
}

type relayState struct {
	sessionID string
	token     string
	start     int64
	counter   string
	watchdog  *readWatchdog
	logger    zerolog.Logger
}

// relay is the STREAMING loop: fixed-size chunks from upstream to client,
// telemetry after every chunk, cooperative checkpoints before every chunk.
func (s *Streamer) relay(ctx context.Context, w http.ResponseWriter, body io.Reader, st relayState) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, s.cfg.ChunkSize)
	served := st.start
	lastCounterRefresh := time.Now()

	for {
		stop, owner, err := s.checkpoint(ctx, st.sessionID)
		if err != nil {
			// A store hiccup must not kill a healthy stream; the next
			// chunk boundary retries.
			st.logger.Warn().Err(err).Msg("checkpoint read failed")
		} else {
			if stop {
				metrics.IncStopSignal()
				st.logger.Info().Msg("stop signal received, terminating stream")
				// Explicit stop removes the session; normal closes retain
				// it for a possible resume.
				cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				if err := s.sessions.Delete(cleanupCtx, st.sessionID); err != nil {
					st.logger.Warn().Err(err).Msg("failed to delete stopped session")
				}
				cancel()
				return
			}
			if owner != "" && owner != st.token {
				st.logger.Debug().Msg("superseded by newer connection for session, backing off")
				return
			}
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			st.watchdog.Reset()
			if _, werr := w.Write(buf[:n]); werr != nil {
				st.logger.Debug().Err(werr).Msg("client write failed, closing stream")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			served += int64(n)
			metrics.AddBytesSent(n)
			if err := s.sessions.RecordChunk(ctx, st.sessionID, n, served); err != nil {
				st.logger.Warn().Err(err).Msg("failed to record chunk telemetry")
			}
			if time.Since(lastCounterRefresh) >= counterRefreshInterval {
				lastCounterRefresh = time.Now()
				if err := s.store.Expire(ctx, st.counter, s.cfg.CounterTTL); err != nil {
					st.logger.Warn().Err(err).Msg("failed to refresh counter TTL")
				}
			}
		}
		if rerr != nil {
			switch {
			case errors.Is(rerr, io.EOF):
				st.logger.Debug().Int64("bytes", served-st.start).Msg("upstream stream complete")
			case st.watchdog.fired.Load():
				st.logger.Error().Err(ErrUpstreamTimeout).Msg("upstream stalled, closing stream")
			case ctx.Err() != nil:
				st.logger.Debug().Msg("client disconnected")
			default:
				st.logger.Error().Err(classifyUpstreamErr(rerr)).Msg("upstream read failed mid-stream")
			}
			return
		}
	}
}

// checkpoint reads the stop flag and connection owner in one round trip.
func (s *Streamer) checkpoint(ctx context.Context, sessionID string) (stop bool, owner string, err error) {
	pipe := s.store.Pipeline()
	existsCmd := pipe.Exists(ctx, StopKey(sessionID))
	ownerCmd := pipe.HGet(ctx, SessionKey(sessionID), fieldConnToken)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, "", err
	}
	return existsCmd.Val() > 0, ownerCmd.Val(), nil
}

func upstreamUserAgent(account catalog.Account, clientUA string) string {
	if account.UserAgent != "" {
		return account.UserAgent
	}
	if clientUA != "" {
		return clientUA
	}
	return fallbackUserAgent
}

// parseRangeStart extracts the start byte of the first range in a Range
// header ("bytes=START-..."). Open-start suffixes ("bytes=-N") report false.
func parseRangeStart(header string) (int64, bool) {
	if header == "" {
		return 0, false
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, false
	}
	if idx := strings.IndexByte(spec, ','); idx >= 0 {
		spec = spec[:idx]
	}
	startStr, _, ok := strings.Cut(spec, "-")
	if !ok || startStr == "" {
		return 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

func newConnToken() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}
