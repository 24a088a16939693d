package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/vauntico/vaultgate/internal/audit"
	"github.com/vauntico/vaultgate/internal/metrics"
	"github.com/vauntico/vaultgate/internal/replay"
	"github.com/vauntico/vaultgate/internal/signature"
)

// Client-facing rejection messages.
const (
	MsgMissingSignature = "Missing webhook signature"
	MsgMissingTimestamp = "Missing webhook timestamp"
	MsgMissingID        = "Missing webhook id"
	MsgStale            = "Stale webhook timestamp"
	MsgInvalidSignature = "Invalid webhook signature"
	MsgReplayed         = "Replayed webhook delivery"
	MsgTooLarge         = "Webhook payload too large"
	MsgNotConfigured    = "Webhook verification not configured"
)

// DetailAborted marks a verified delivery whose client left before forwarding.
const DetailAborted = "aborted before forwarding"

func unauthorized(result audit.Result, msg string) *Rejection {
	return &Rejection{Status: http.StatusUnauthorized, Result: result, Message: msg}
}

// Gateway verifies deliveries for one integration and records exactly one
// audit outcome per request.
type Gateway struct {
	integration IntegrationConfig
	guard       *replay.Guard
	sink        audit.Sink
	logger      *slog.Logger
	now         func() time.Time
}

// NewGateway builds the gateway for ic. nonces may be nil to disable
// delivery-id de-duplication.
func NewGateway(ic IntegrationConfig, nonces replay.NonceStore, sink audit.Sink, logger *slog.Logger) *Gateway {
	if ic.MaxBodySize <= 0 {
		ic.MaxBodySize = DefaultMaxBodySize
	}
	return &Gateway{
		integration: ic,
		guard:       replay.NewGuard(ic.Window, nonces),
		sink:        sink,
		logger:      logger.With("integration", ic.Name),
		now:         time.Now,
	}
}

// Name returns the integration name.
func (g *Gateway) Name() string { return g.integration.Name }

// Middleware runs verification before next. next only sees requests whose
// outcome was recorded as passed, with the body restored.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.now()
		name := g.integration.Name

		if g.integration.Secret == "" {
			g.logger.Error("webhook misconfigured: no secret for integration", "path", r.URL.Path)
			metrics.WebhookMisconfigured.WithLabelValues(name).Inc()
			respondJSON(w, http.StatusInternalServerError, ErrorResponse{
				Error:   "Server Configuration Error",
				Message: MsgNotConfigured,
			})
			return
		}

		outcome := audit.Outcome{
			Integration: name,
			EventType:   UnknownEventType,
			Timestamp:   start.Unix(),
			RequestID:   cleanText(middleware.GetReqID(r.Context())),
		}

		body, rej := g.readBody(r)
		if rej == nil {
			outcome.EventType = g.eventType(r.Header, body)
			var ts int64
			var id string
			ts, id, rej = g.verify(r.Context(), r.Header, body)
			if ts != 0 {
				outcome.Timestamp = ts
			}
			if rej == nil {
				g.forward(w, r, next, outcome, body, id, start)
				return
			}
		}

		outcome.Result = rej.Result
		outcome.Detail = rej.Detail
		if outcome.Detail == "" {
			outcome.Detail = rej.Message
		}
		g.record(r.Context(), outcome, start)
		g.logger.Warn("webhook rejected",
			"result", string(rej.Result),
			"reason", rej.Message,
			"event_type", outcome.EventType,
			"request_id", outcome.RequestID,
		)

		errText := "Unauthorized"
		if rej.Status == http.StatusRequestEntityTooLarge {
			errText = "Payload Too Large"
		}
		respondJSON(w, rej.Status, ErrorResponse{Error: errText, Message: rej.Message})
	})
}

func (g *Gateway) readBody(r *http.Request) ([]byte, *Rejection) {
	limit := g.integration.MaxBodySize
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, &Rejection{
			Status:  http.StatusBadRequest,
			Result:  audit.FailedSignature,
			Message: "Failed to read webhook body",
			Detail:  "body read error",
		}
	}
	if int64(len(body)) > limit {
		return nil, &Rejection{
			Status:  http.StatusRequestEntityTooLarge,
			Result:  audit.FailedSignature,
			Message: MsgTooLarge,
			Detail:  "payload too large",
		}
	}
	return body, nil
}

// verify walks headers, freshness, signature and delivery id in that order.
// It returns the parsed timestamp (0 when absent) and the delivery id.
func (g *Gateway) verify(ctx context.Context, h http.Header, body []byte) (int64, string, *Rejection) {
	s := g.integration.Scheme

	sig := h.Get(s.SignatureHeader)
	if sig == "" {
		return 0, "", unauthorized(audit.FailedMissingHeaders, MsgMissingSignature)
	}

	var tsHeader string
	if s.TimestampHeader != "" {
		tsHeader = h.Get(s.TimestampHeader)
		if tsHeader == "" {
			return 0, "", unauthorized(audit.FailedMissingHeaders, MsgMissingTimestamp)
		}
	}

	var id string
	if s.IDHeader != "" {
		id = h.Get(s.IDHeader)
		if id == "" && s.Composer.NeedsID() {
			return 0, "", unauthorized(audit.FailedMissingHeaders, MsgMissingID)
		}
	}

	var ts int64
	if s.TimestampHeader != "" {
		var fresh bool
		ts, fresh = g.guard.Fresh(tsHeader)
		if !fresh {
			return ts, id, unauthorized(audit.FailedStale, MsgStale)
		}
	}

	parts := signature.Parts{ID: id, Timestamp: tsHeader, Body: body}
	if !s.VerifyHeader(g.integration.Secret, parts, sig) {
		return ts, id, unauthorized(audit.FailedSignature, MsgInvalidSignature)
	}

	first, err := g.guard.FirstDelivery(ctx, g.integration.Name, id)
	if err != nil {
		g.logger.Warn("nonce store unavailable, skipping duplicate check", "error", err)
	}
	if !first {
		return ts, id, unauthorized(audit.FailedStale, MsgReplayed)
	}
	return ts, id, nil
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, next http.Handler, o audit.Outcome, body []byte, id string, start time.Time) {
	o.Result = audit.Passed
	if r.Context().Err() != nil {
		o.Detail = DetailAborted
		g.record(r.Context(), o, start)
		g.logger.Info("webhook verified but client went away", "request_id", o.RequestID)
		return
	}
	g.record(r.Context(), o, start)

	ctx := WithDelivery(r.Context(), Delivery{
		Integration: o.Integration,
		EventType:   o.EventType,
		ID:          cleanText(id),
		Timestamp:   o.Timestamp,
		ReceivedAt:  start,
	})
	r = r.WithContext(ctx)
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	next.ServeHTTP(w, r)
}

// record writes the outcome and updates metrics. Sink errors are logged;
// they never change the response.
func (g *Gateway) record(ctx context.Context, o audit.Outcome, start time.Time) {
	name := g.integration.Name
	metrics.WebhookVerifications.WithLabelValues(name, string(o.Result)).Inc()
	metrics.WebhookVerificationDuration.WithLabelValues(name).Observe(g.now().Sub(start).Seconds())

	if err := g.sink.Record(context.WithoutCancel(ctx), o); err != nil {
		g.logger.Error("failed to record verification outcome", "result", string(o.Result), "error", err)
	}
}

// eventType reads the scheme's event header, then its JSON body field.
func (g *Gateway) eventType(h http.Header, body []byte) string {
	s := g.integration.Scheme
	if s.EventHeader != "" {
		if v := cleanText(h.Get(s.EventHeader)); v != "" {
			return v
		}
	}
	if s.EventField != "" && len(body) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err == nil {
			var v string
			if raw, ok := fields[s.EventField]; ok && json.Unmarshal(raw, &v) == nil {
				if v = cleanText(v); v != "" {
					return v
				}
			}
		}
	}
	return UnknownEventType
}

// MaxTextLen caps sender-supplied strings (event type, delivery id, request
// id) before they reach the audit trail.
const MaxTextLen = 128

// cleanText trims v, replaces invalid UTF-8 and cuts it to MaxTextLen bytes
// on a rune boundary.
func cleanText(v string) string {
	v = strings.ToValidUTF8(strings.TrimSpace(v), "\uFFFD")
	if len(v) <= MaxTextLen {
		return v
	}
	i := MaxTextLen
	for i > 0 && !utf8.RuneStart(v[i]) {
		i--
	}
	return v[:i]
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
