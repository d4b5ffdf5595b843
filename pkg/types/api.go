package types

// HealthResponse is returned by GET /healthz (liveness). It succeeds as long
// as the process is responsive, independent of model state.
type HealthResponse struct {
	Status        string  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ModelStatus summarizes one registry entry for readiness and status
// reporting.
type ModelStatus struct {
	ModelID   string `json:"model_id"`
	ModelName string `json:"model_name"`
	// Lifecycle state: starting, loading, warming, ready, failed, draining,
	// stopped.
	State string `json:"state"`
	Ready bool   `json:"ready"`
	// Backend kind once known ("native" or "onnx").
	Backend string `json:"backend,omitempty"`
	Device  string `json:"device,omitempty"`
	// Embedding dimension once loaded.
	EmbeddingDim int `json:"embedding_dim,omitempty"`
	// Unix seconds of the last successful load; zero before first load.
	LoadedAtUnix int64 `json:"loaded_at_unix,omitempty"`
	// Error message when state is failed.
	Error string `json:"error,omitempty"`
}

// ReadyResponse is returned by GET /readyz. Ready is the AND over all
// configured models.
type ReadyResponse struct {
	Ready     bool          `json:"ready"`
	Models    []ModelStatus `json:"models"`
	Timestamp string        `json:"timestamp"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall service state (starting, loading, warming, ready, failed,
	// draining, stopped).
	State string `json:"state"`
	// Service version string.
	Version string `json:"version"`
	// Uptime of the server in seconds.
	UptimeSeconds float64 `json:"uptime_seconds"`
	// True once every configured model is ready.
	ModelsReady bool `json:"models_ready"`
	// Number of configured models.
	ModelCount int `json:"model_count"`
	// Per-model detail.
	Models []ModelStatus `json:"models"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// ModelsResponse wraps the list returned by GET /v1/models.
type ModelsResponse struct {
	Models []ModelStatus `json:"models"`
	Count  int           `json:"count"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message. Internal failures are reported as "internal_error"
	// without detail.
	Error string `json:"error"`
	// HTTP status code.
	Code int `json:"code"`
	// Request-correlating identifier, echoed from X-Request-ID.
	RequestID string `json:"request_id,omitempty"`
}
