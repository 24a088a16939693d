package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/vauntico/vaultgate/internal/audit"
	"github.com/vauntico/vaultgate/internal/signature"
)

// Config holds webhook server configuration.
type Config struct {
	Listen       string
	Integrations []IntegrationConfig
}

// IntegrationConfig is one verified endpoint.
type IntegrationConfig struct {
	// Name labels audit records, metrics and the nonce namespace.
	Name string

	// Path is the URL path for this webhook (e.g. "/webhooks/paystack").
	Path string

	Scheme signature.Scheme

	// Secret is the HMAC key. Empty means misconfigured: every request gets 500.
	Secret string

	// Window is the freshness window for the timestamp header.
	Window time.Duration

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB).
	MaxBodySize int64

	// Handler receives verified requests. Nil means Ack.
	Handler http.Handler
}

// ErrorResponse is the JSON body for gateway errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Rejection is a terminal refusal of a webhook. It never escapes the gateway
// as an error; it is turned into an audit outcome and an HTTP response.
type Rejection struct {
	Status  int
	Result  audit.Result
	Message string
	Detail  string
}

func (r *Rejection) Error() string { return r.Message }

// Delivery describes a verified webhook for downstream handlers.
type Delivery struct {
	Integration string
	EventType   string
	ID          string
	Timestamp   int64
	ReceivedAt  time.Time
}

type deliveryKey struct{}

// WithDelivery returns a context carrying d.
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the delivery stored by the gateway.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

// Default values
const (
	DefaultMaxBodySize = 1048576 // 1 MB
	UnknownEventType   = "unknown"
)
