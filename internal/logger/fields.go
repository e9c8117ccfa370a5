package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldRecordID is the project record ID a generation job is working on
	FieldRecordID = "record_id"

	// FieldJobID is the background generation job ID
	FieldJobID = "job_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldPrompt is the (trimmed) user prompt being processed
	FieldPrompt = "prompt"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields record aggregatable measurements
// ============================================

const (
	// FieldDurationMs is elapsed time in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count metric
	FieldCount = "count"

	// FieldSize is a payload size in bytes
	FieldSize = "size"

	// FieldStatus is an HTTP status code or job status string
	FieldStatus = "status"

	// FieldAttempt is the retry attempt number (1-based)
	FieldAttempt = "attempt"
)
