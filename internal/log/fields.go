// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldClientIP  = "client_ip"

	// Content fields
	FieldContentKind = "content_kind"
	FieldContentID   = "content_id"
	FieldStreamID    = "stream_id"

	// Delivery fields
	FieldAccountID = "account_id"
	FieldProfileID = "profile_id"
	FieldUpstream  = "upstream"

	// Process fields
	FieldComponent = "component"
	FieldEvent     = "event"

	// Path / URL fields
	FieldPath = "path"
)
