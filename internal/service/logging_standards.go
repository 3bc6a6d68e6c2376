package service

// Logging Standards for chatrelay
//
// This file defines standard field names used by the service layer so
// entries from the messenger and the call coordinator can be correlated.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldLocalID        = "local_id"
	LogFieldMessageID      = "message_id"
	LogFieldConversationID = "conversation_id"
	LogFieldActionID       = "action_id"
	LogFieldCallID         = "call_id"
	LogFieldSessionID      = "session_id"
	LogFieldPeer           = "peer"

	// HTTP and tracing fields
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldEndpoint   = "endpoint"
	LogFieldMethod     = "method"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldSize       = "response_size"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"

	// Message and signal fields
	LogFieldContent    = "content"
	LogFieldSignalType = "signal_type"
	LogFieldCallState  = "call_state"
	LogFieldQuality    = "link_quality"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	// File and media
	LogFieldFilePath  = "file_path"
	LogFieldMediaType = "media_type"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: per-attempt and per-envelope detail.
// INFO: lifecycle (messenger started, call active, call ended).
// WARN: retryable failures and dropped envelopes.
// ERROR: terminal failures surfaced to the user.
