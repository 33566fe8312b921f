// SPDX-License-Identifier: MIT

package vod

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nick4810/Dispatcharr/internal/metrics"
)

// DefaultContentType is used when neither the upstream nor the URL extension
// yields a content type.
const DefaultContentType = "video/mp4"

// ProbeResult carries what a minimal ranged GET learned about the upstream.
type ProbeResult struct {
	TotalSize   int64
	ContentType string
	// RangeSupported is false when the upstream answered the ranged request
	// with a full body, meaning the source cannot serve partial content.
	RangeSupported bool
}

// Prober emulates HEAD against upstreams that cannot answer it, by issuing a
// GET for the first two bytes and reading only the headers.
type Prober struct {
	client *http.Client
	logger zerolog.Logger
}

// NewProber creates a prober with its own short-timeout client. The probe
// connection is never reused as the streaming connection.
func NewProber(timeout time.Duration, logger zerolog.Logger) *Prober {
	return &Prober{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Probe issues the ranged GET and parses size and type from the response
// headers. The body is closed immediately.
func (p *Prober) Probe(ctx context.Context, rawURL, userAgent string) (ProbeResult, error) {
	start := time.Now()
	result, err := p.probe(ctx, rawURL, userAgent)
	metrics.ObserveProbeDuration(err == nil, time.Since(start))
	return result, err
}

func (p *Prober) probe(ctx context.Context, rawURL, userAgent string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Range", "bytes=0-1")

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	result := ProbeResult{ContentType: resp.Header.Get("Content-Type")}
	if result.ContentType == "" {
		result.ContentType = InferContentType(rawURL)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.RangeSupported = true
		result.TotalSize = totalFromContentRange(resp.Header.Get("Content-Range"))
		if result.TotalSize == 0 {
			p.logger.Warn().Str("url", rawURL).Msg("206 response without usable Content-Range")
			result.TotalSize = parseInt(resp.Header.Get("Content-Length"))
		}
	case http.StatusOK:
		// Upstream ignored the range request; it cannot serve partial
		// content and Content-Length covers the whole body.
		result.TotalSize = parseInt(resp.Header.Get("Content-Length"))
		p.logger.Debug().Str("url", rawURL).Msg("upstream does not support range requests")
	default:
		return ProbeResult{}, fmt.Errorf("%w: upstream status %d", ErrProbeFailed, resp.StatusCode)
	}

	return result, nil
}

// totalFromContentRange parses the total size out of a header shaped like
// "bytes 0-1/1234567890". Returns 0 when the total is absent or "*".
func totalFromContentRange(header string) int64 {
	idx := strings.LastIndexByte(header, '/')
	if idx < 0 {
		return 0
	}
	total, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil || total < 0 {
		return 0
	}
	return total
}

// InferContentType guesses a media type from the URL's file extension,
// defaulting to DefaultContentType.
func InferContentType(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DefaultContentType
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".avi":
		return "video/x-msvideo"
	case ".ts":
		return "video/mp2t"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".flv":
		return "video/x-flv"
	case ".wmv":
		return "video/x-ms-wmv"
	case ".mpg", ".mpeg":
		return "video/mpeg"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	default:
		return DefaultContentType
	}
}
