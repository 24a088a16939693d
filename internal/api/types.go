package api

import (
	"github.com/vauntico/vaultgate/internal/audit"
	"github.com/vauntico/vaultgate/internal/db"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Integrations  int    `json:"integrations"`
}

// DBHealthResponse is returned by GET /health/db.
type DBHealthResponse struct {
	Status string       `json:"status"`
	Pool   db.PoolStats `json:"pool"`
	Error  string       `json:"error,omitempty"`
}

// AuditListResponse is returned by GET /audit.
type AuditListResponse struct {
	Outcomes []audit.Outcome `json:"outcomes"`
	Count    int             `json:"count"`
}

// Integration describes a mounted webhook endpoint for the OpenAPI document.
type Integration struct {
	Name            string
	Path            string
	SignatureHeader string
	TimestampHeader string
	IDHeader        string
}
