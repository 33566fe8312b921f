// SPDX-License-Identifier: MIT

package vod

import (
	"context"
	"errors"
	"net"
)

// Sentinel errors for the failure taxonomy. Handlers map these onto plain
// status-coded responses; nothing below this layer writes HTTP statuses.
var (
	// ErrNotFound means the content or session does not exist.
	ErrNotFound = errors.New("content not found")

	// ErrNoSource means the content exists but has no active upstream
	// candidate.
	ErrNoSource = errors.New("no stream URL available")

	// ErrCapacityExhausted means every delivery profile of the selected
	// account is at its concurrency cap. Deliberately not retried
	// server-side; this is the admission-control boundary.
	ErrCapacityExhausted = errors.New("all profiles at capacity")

	// ErrUpstreamConnect means the upstream connection could not be
	// established or answered with an error status.
	ErrUpstreamConnect = errors.New("upstream connect failed")

	// ErrUpstreamTimeout means the upstream connect or read deadline passed.
	ErrUpstreamTimeout = errors.New("upstream timed out")

	// ErrProbeFailed means HEAD emulation could not determine size or type.
	ErrProbeFailed = errors.New("probe failed")
)

// classifyUpstreamErr maps a transport error onto the taxonomy, keeping the
// original error in the chain.
func classifyUpstreamErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrUpstreamTimeout, err)
	}
	return errors.Join(ErrUpstreamConnect, err)
}

// failureReason returns a short metric label for a classified error.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNoSource):
		return "no_source"
	case errors.Is(err, ErrCapacityExhausted):
		return "capacity"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream_timeout"
	case errors.Is(err, ErrUpstreamConnect):
		return "upstream_connect"
	case errors.Is(err, ErrProbeFailed):
		return "probe_failed"
	default:
		return "internal"
	}
}
