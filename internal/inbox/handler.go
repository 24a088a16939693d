package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vauntico/vaultgate/internal/config"
	"github.com/vauntico/vaultgate/internal/db"
	"github.com/vauntico/vaultgate/internal/metrics"
	"github.com/vauntico/vaultgate/internal/webhook"
)

// Options configures one integration's downstream handler.
type Options struct {
	// Kind is config.HandlerAck or config.HandlerInbox.
	Kind    string
	Store   *Store
	Alerter *Alerter
	Logger  *slog.Logger
}

type handler struct {
	store   *Store
	alerter *Alerter
	logger  *slog.Logger
}

// NewHandler builds the handler mounted behind a gateway.
func NewHandler(opts Options) (http.Handler, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &handler{alerter: opts.Alerter, logger: opts.Logger}

	switch opts.Kind {
	case config.HandlerAck, "":
	case config.HandlerInbox:
		if opts.Store == nil {
			return nil, errors.New("inbox handler requires a store")
		}
		h.store = opts.Store
	default:
		return nil, fmt.Errorf("unknown handler %q", opts.Kind)
	}
	return h, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d, ok := webhook.DeliveryFromContext(r.Context())
	if !ok {
		h.logger.Error("handler reached without a verified delivery", "path", r.URL.Path)
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error", Message: "Delivery not verified"})
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read verified body", "integration", d.Integration, "error", err)
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "Bad Request", Message: "Failed to read request body"})
		return
	}

	status := "acked"
	if h.store != nil {
		ev, err := h.store.Save(r.Context(), d, payload)
		switch {
		case errors.Is(err, db.ErrPoolTimeout):
			metrics.InboxEvents.WithLabelValues(d.Integration, "busy").Inc()
			h.logger.Warn("inbox busy", "integration", d.Integration, "event_type", d.EventType)
			w.Header().Set("Retry-After", "5")
			respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Service Unavailable", Message: "Database busy, retry later"})
			return
		case err != nil:
			metrics.InboxEvents.WithLabelValues(d.Integration, "failed").Inc()
			h.logger.Error("failed to store webhook event", "integration", d.Integration, "event_type", d.EventType, "error", err)
			respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal Server Error", Message: "Failed to store webhook"})
			return
		}
		status = "stored"
		h.logger.Info("webhook event stored",
			"integration", d.Integration,
			"event_type", d.EventType,
			"event_id", ev.ID,
			"total", ev.Total,
		)
	}
	metrics.InboxEvents.WithLabelValues(d.Integration, status).Inc()

	h.alerter.Notify(r.Context(), d, payload)

	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
