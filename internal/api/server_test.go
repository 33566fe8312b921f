// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nick4810/Dispatcharr/internal/catalog"
	"github.com/nick4810/Dispatcharr/internal/config"
	"github.com/nick4810/Dispatcharr/internal/store"
	"github.com/nick4810/Dispatcharr/internal/vod"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:             ":0",
		RedisAddr:              "unused",
		ChunkSize:              8192,
		SeekTolerance:          262144,
		SessionTTL:             30 * time.Minute,
		StopTTL:                time.Minute,
		CounterTTL:             time.Hour,
		UpstreamConnectTimeout: 2 * time.Second,
		UpstreamReadTimeout:    2 * time.Second,
		ProbeTimeout:           2 * time.Second,
	}
}

// newTestServer builds a server over miniredis and a one-movie catalog whose
// source points at upstreamURL.
func newTestServer(t *testing.T, upstreamURL string) (*Server, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewWithClient(client, zerolog.Nop())

	m := catalog.NewMemory()
	m.Replace(catalog.Data{
		Accounts: []catalog.Account{
			{ID: 1, Name: "Alpha", Priority: 10, Active: true},
		},
		Profiles: []catalog.Profile{
			{ID: 10, AccountID: 1, Name: "standard", IsDefault: true, Active: true, MaxConcurrent: 2},
		},
		Movies: []catalog.Content{
			{ID: "abc", Name: "First Movie", Sources: []catalog.Source{
				{AccountID: 1, StreamID: "abc-alpha", URL: upstreamURL + "/vod/abc.mp4"},
			}},
		},
	})

	return New(testConfig(), m, st, zerolog.Nop()), st
}

func contentUpstream(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "abc.mp4", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func TestRedirectMintsSessionAndPreservesQuery(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/stream/movie/abc?t=30", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	parts := strings.Split(strings.Trim(loc.Path, "/"), "/")
	require.Len(t, parts, 4) // stream/movie/abc/<session>
	assert.Equal(t, []string{"stream", "movie", "abc"}, parts[:3])
	assert.True(t, vod.ValidSessionID(parts[3]), "minted id %q", parts[3])
	assert.Equal(t, "30", loc.Query().Get("t"), "query must survive the redirect")
}

func TestRedirectMovesProfileIntoPath(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/stream/movie/abc?profile=11&t=30", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	parts := strings.Split(strings.Trim(loc.Path, "/"), "/")
	require.Len(t, parts, 5)
	assert.Equal(t, "11", parts[4])
	assert.Empty(t, loc.Query().Get("profile"), "profile moved out of the query")
	assert.Equal(t, "30", loc.Query().Get("t"))
}

func TestRedirectInvalidProfileIgnored(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/stream/movie/abc?profile=bogus", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	parts := strings.Split(strings.Trim(loc.Path, "/"), "/")
	assert.Len(t, parts, 4, "invalid profile must not add a path segment")
}

func TestRedirectUnknownKind(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/stream/channel/abc", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEndToEndAfterRedirect(t *testing.T) {
	payload := bytes.Repeat([]byte("vodbytes"), 2048)
	upstream := contentUpstream(t, payload)
	srv, _ := newTestServer(t, upstream.URL)

	// Step 1: initial request without a session.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream/movie/abc", nil))
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	loc := rec.Header().Get("Location")

	// Step 2: follow the redirect with a range request.
	req := httptest.NewRequest(http.MethodGet, loc, nil)
	req.Header.Set("Range", "bytes=8192-")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, payload[8192:], rec.Body.Bytes())
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
}

func TestStreamTimeShiftOnFirstRequest(t *testing.T) {
	payload := bytes.Repeat([]byte("vodbytes"), 2048)
	upstream := contentUpstream(t, payload)
	srv, _ := newTestServer(t, upstream.URL)

	// The very first session-scoped request carries a time-shift parameter;
	// the session record must still come out fully populated.
	id := vod.NewSessionID()
	req := httptest.NewRequest(http.MethodGet, "/stream/movie/abc/"+id+"?t=30", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := srv.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "movie", sess.ContentKind)
	assert.Equal(t, "abc", sess.ContentID)
	assert.Equal(t, "First Movie", sess.ContentName)
	assert.False(t, sess.CreatedAt.IsZero())
	assert.EqualValues(t, 30, sess.PositionSeconds)
}

func TestStreamInvalidSessionID(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/stream/movie/abc/not-a-session", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamUnknownContent(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodGet, "/stream/movie/missing/"+vod.NewSessionID(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamCapacityExhaustedIs503(t *testing.T) {
	upstream := contentUpstream(t, []byte("x"))
	srv, st := newTestServer(t, upstream.URL)

	for i := 0; i < 2; i++ {
		_, err := st.Incr(context.Background(), vod.CounterKey(10), time.Hour)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stream/movie/abc/"+vod.NewSessionID(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHeadEmulation(t *testing.T) {
	payload := bytes.Repeat([]byte{5}, 100000)
	upstream := contentUpstream(t, payload)
	srv, _ := newTestServer(t, upstream.URL)

	id := vod.NewSessionID()
	req := httptest.NewRequest(http.MethodHead, "/stream/movie/abc/"+id+"?t=30", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100000", rec.Header().Get("Content-Length"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, id, rec.Header().Get(HeaderSessionID))
	assert.Equal(t, "/stream/movie/abc/"+id+"?t=30", rec.Header().Get(HeaderSessionURL))
}

func TestHeadWithoutSessionMintsInline(t *testing.T) {
	payload := bytes.Repeat([]byte{5}, 100000)
	upstream := contentUpstream(t, payload)
	srv, _ := newTestServer(t, upstream.URL)

	req := httptest.NewRequest(http.MethodHead, "/stream/movie/abc?t=30", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "sessionless HEAD must answer directly, not redirect")
	id := rec.Header().Get(HeaderSessionID)
	require.True(t, vod.ValidSessionID(id), "minted id %q", id)
	assert.Equal(t, "/stream/movie/abc/"+id+"?t=30", rec.Header().Get(HeaderSessionURL))
	assert.Equal(t, "100000", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))

	sess, err := srv.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess, "inline HEAD must create the session")
}

func TestHeadNoRangeSupportOmitsAcceptRanges(t *testing.T) {
	body := make([]byte, 5000)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Ignores the Range header entirely: a full 200 response.
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Length", "5000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()
	srv, _ := newTestServer(t, upstream.URL)

	req := httptest.NewRequest(http.MethodHead, "/stream/movie/abc/"+vod.NewSessionID(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5000", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Header().Get("Accept-Ranges"), "no range support upstream")
}

func TestHeadProbeFailureDegrades(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()
	srv, _ := newTestServer(t, upstream.URL)

	req := httptest.NewRequest(http.MethodHead, "/stream/movie/abc/"+vod.NewSessionID(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "probe failure must not fail the request")
	assert.Empty(t, rec.Header().Get("Content-Length"), "length omitted when unknown")
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
}

func TestStopUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	body := strings.NewReader(`{"client_id":"vod_1_deadbeef"}`)
	req := httptest.NewRequest(http.MethodPost, "/stop", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopMissingBody(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	req := httptest.NewRequest(http.MethodPost, "/stop", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopSetsSignal(t *testing.T) {
	srv, st := newTestServer(t, "http://unused.example")
	ctx := context.Background()

	id := vod.NewSessionID()
	require.NoError(t, srv.sessions.Create(ctx, vod.Session{
		ID: id, ContentKind: "movie", ContentID: "abc", ContentName: "First Movie",
	}))

	body := strings.NewReader(`{"client_id":"` + id + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/stop", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	exists, err := st.Exists(ctx, vod.StopKey(id))
	require.NoError(t, err)
	assert.True(t, exists, "stop flag must be set")

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "stopping", resp["status"])
	assert.Equal(t, id, resp["client_id"])
}

func TestPositionRecordsPlayback(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")
	ctx := context.Background()

	id := vod.NewSessionID()
	require.NoError(t, srv.sessions.Create(ctx, vod.Session{
		ID: id, ContentKind: "movie", ContentID: "abc", ContentName: "First Movie",
	}))

	body := strings.NewReader(`{"client_id":"` + id + `","position":120.7}`)
	req := httptest.NewRequest(http.MethodPost, "/position/abc", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := srv.sessions.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.EqualValues(t, 120, sess.PositionSeconds)
	assert.False(t, sess.PositionUpdatedAt.IsZero())
}

func TestPositionUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	body := strings.NewReader(`{"client_id":"vod_1_deadbeef","position":10}`)
	req := httptest.NewRequest(http.MethodPost, "/position/abc", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPositionContentMismatch(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")
	ctx := context.Background()

	id := vod.NewSessionID()
	require.NoError(t, srv.sessions.Create(ctx, vod.Session{
		ID: id, ContentKind: "movie", ContentID: "abc",
	}))

	body := strings.NewReader(`{"client_id":"` + id + `","position":10}`)
	req := httptest.NewRequest(http.MethodPost, "/position/other", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsGroupsConcurrentSessions(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, srv.sessions.Create(ctx, vod.Session{
			ID: vod.NewSessionID(), ContentKind: "movie", ContentID: "abc", ContentName: "First Movie",
		}))
	}

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Connections map[string]struct {
			ConnectionCount int `json:"connection_count"`
		} `json:"vod_connections"`
		TotalConnections int   `json:"total_connections"`
		Timestamp        int64 `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, 2, snap.TotalConnections)
	require.Contains(t, snap.Connections, "movie:abc")
	assert.Equal(t, 2, snap.Connections["movie:abc"].ConnectionCount)
	assert.NotZero(t, snap.Timestamp)
}

func TestStatsStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewWithClient(client, zerolog.Nop())
	srv := New(testConfig(), catalog.NewMemory(), st, zerolog.Nop())

	mr.Close()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dispatcharr_")
}

func TestServerStartShutdownNoGoroutineLeak(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.example")

	// Snapshot after miniredis is up so only server goroutines count.
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	time.Sleep(50 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() didn't return after Shutdown()")
	}
}
