// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"

	"github.com/nick4810/Dispatcharr/internal/vod"
)

// statusFor maps streaming-core failures onto response codes. Short plain
// bodies, never stack traces.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, vod.ErrNotFound):
		return http.StatusNotFound, "content not found"
	case errors.Is(err, vod.ErrNoSource):
		return http.StatusServiceUnavailable, "no upstream source available"
	case errors.Is(err, vod.ErrCapacityExhausted):
		return http.StatusServiceUnavailable, "all profiles at capacity"
	case errors.Is(err, vod.ErrUpstreamTimeout):
		return http.StatusServiceUnavailable, "upstream timed out"
	case errors.Is(err, vod.ErrUpstreamConnect):
		return http.StatusInternalServerError, "upstream connection failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeStreamError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	http.Error(w, msg, status)
}
