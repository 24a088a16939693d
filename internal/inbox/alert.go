package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"strconv"
	"time"

	"github.com/vauntico/vaultgate/internal/collab"
	"github.com/vauntico/vaultgate/internal/webhook"
)

// EventChargeFailed is the Paystack event for a declined charge.
const EventChargeFailed = "charge.failed"

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string      `json:"reference"`
		Status    string      `json:"status"`
		Amount    json.Number `json:"amount"`
		Currency  string      `json:"currency"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// failedCharge reports whether payload describes a failed Paystack
// charge. Either the event name or data.status marks it.
func failedCharge(eventType string, payload []byte) (paystackEvent, bool) {
	var ev paystackEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, false
	}
	if ev.Event == "" {
		ev.Event = eventType
	}
	return ev, ev.Event == EventChargeFailed || ev.Data.Status == "failed"
}

var alertTemplate = template.Must(template.New("alert").Parse(`<h2>Payment failure</h2>
<p>A payment has failed on {{.Integration}}.</p>
<ul>
<li>Reference: {{.Reference}}</li>
<li>Amount: {{.Currency}} {{.Amount}}</li>
<li>Customer: {{.Customer}}</li>
<li>Status: {{.Status}}</li>
<li>Event type: {{.EventType}}</li>
<li>Received: {{.Received}}</li>
</ul>
`))

type alertView struct {
	Integration string
	Reference   string
	Currency    string
	Amount      string
	Customer    string
	Status      string
	EventType   string
	Received    string
}

// Alerter emails an operator when a charge fails.
type Alerter struct {
	sender collab.EmailSender
	to     string
	logger *slog.Logger
}

// NewAlerter returns nil when sender or to is missing, which disables alerts.
func NewAlerter(sender collab.EmailSender, to string, logger *slog.Logger) *Alerter {
	if sender == nil || to == "" {
		return nil
	}
	return &Alerter{sender: sender, to: to, logger: logger}
}

// Notify sends an alert if payload is a failed charge. Failures are logged
// and never returned.
func (a *Alerter) Notify(ctx context.Context, d webhook.Delivery, payload []byte) {
	if a == nil {
		return
	}
	ev, failed := failedCharge(d.EventType, payload)
	if !failed {
		return
	}

	email, err := buildAlert(d, ev)
	if err != nil {
		a.logger.Error("failed to render payment alert", "error", err)
		return
	}
	email.To = a.to

	id, err := a.sender.Send(ctx, email)
	if err != nil {
		a.logger.Error("failed to send payment failure email",
			"integration", d.Integration,
			"reference", ev.Data.Reference,
			"error", err,
		)
		return
	}
	a.logger.Info("payment failure email sent",
		"integration", d.Integration,
		"reference", ev.Data.Reference,
		"email_id", id,
	)
}

func buildAlert(d webhook.Delivery, ev paystackEvent) (collab.Email, error) {
	ref := orUnknown(ev.Data.Reference)
	currency := ev.Data.Currency
	if currency == "" {
		currency = "NGN"
	}
	received := d.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	var buf bytes.Buffer
	err := alertTemplate.Execute(&buf, alertView{
		Integration: d.Integration,
		Reference:   ref,
		Currency:    currency,
		Amount:      minorUnits(ev.Data.Amount),
		Customer:    orUnknown(ev.Data.Customer.Email),
		Status:      orUnknown(ev.Data.Status),
		EventType:   orUnknown(ev.Event),
		Received:    received.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return collab.Email{}, err
	}

	return collab.Email{
		Subject: "Payment Failed - " + ref,
		HTML:    buf.String(),
		Tags: map[string]string{
			"alert_type":        "payment_failure",
			"payment_reference": ref,
		},
	}, nil
}

// minorUnits renders an amount in kobo/cents as a two-decimal string.
func minorUnits(n json.Number) string {
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return "0.00"
	}
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
