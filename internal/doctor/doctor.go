// Package doctor reviews a loaded vaultgate configuration for mistakes the
// loader accepts but an operator probably did not mean.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/vauntico/vaultgate/internal/auth"
	"github.com/vauntico/vaultgate/internal/config"
	"github.com/vauntico/vaultgate/internal/replay"
	"github.com/vauntico/vaultgate/internal/storage"
	"github.com/vauntico/vaultgate/internal/webhook"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateService(r)
	d.validateDatabase(r)
	d.validateAudit(r)
	d.validateReplay(r)
	d.validateIntegrations(r)
	d.validateListeners(r)
	d.validateAPI(r)
	d.validateTokenScopes(r)
	d.warnMissingEnvVars(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateService(r *Result) {
	if d.cfg.Service.LockPath == "" {
		d.addWarning(r, "service", "service.lock_path",
			"no lock_path; two instances can start against the same database")
	}
	if d.cfg.Service.AllowMissingSecrets {
		d.addWarning(r, "service", "service.allow_missing_secrets",
			"integrations without a secret will answer 500 instead of failing startup")
	}
}

func (d *Doctor) validateDatabase(r *Result) {
	db := d.cfg.Database
	target, err := storage.ParseURL(db.URL)
	if err != nil {
		d.addError(r, "database", "database.url", err.Error())
		return
	}

	if target.Dialect == storage.Postgres {
		if _, err := storage.WithSSLMode(target.DSN, db.SSL); err != nil {
			d.addError(r, "database", "database.ssl", err.Error())
		}
		if u, err := url.Parse(target.DSN); err == nil && db.SSL == "disable" && !isLocalHost(u.Hostname()) {
			d.addWarning(r, "database", "database.ssl",
				fmt.Sprintf("ssl disabled for remote host %q", u.Hostname()))
		}
	} else if db.SSL != "" && db.SSL != "disable" {
		d.addWarning(r, "database", "database.ssl", "ssl is ignored for sqlite")
	}

	if db.SlowQuery > 0 && db.VerySlowQuery > 0 && db.SlowQuery >= db.VerySlowQuery {
		d.addWarning(r, "database", "database.slow_query",
			fmt.Sprintf("slow_query (%s) is not below very_slow_query (%s)", db.SlowQuery, db.VerySlowQuery))
	}
	if db.Min == 0 {
		d.addWarning(r, "database", "database.min", "min is 0; the first request opens the first connection")
	}
}

func isLocalHost(h string) bool {
	return h == "" || h == "localhost" || h == "127.0.0.1" || h == "::1"
}

func (d *Doctor) validateAudit(r *Result) {
	if d.cfg.Audit.Sink == config.AuditSinkFile {
		d.addWarning(r, "audit", "audit.sink",
			"file sink has no seal chain; audit verify needs sink database or both")
	}
}

func (d *Doctor) validateReplay(r *Result) {
	if d.cfg.Replay.RedisURL == "" {
		d.addWarning(r, "replay", "replay.redis_url",
			"delivery ids are remembered in memory only; duplicates are not caught across restarts or instances")
	}
	if d.cfg.Replay.Window > replay.DefaultWindow {
		d.addWarning(r, "replay", "replay.window",
			fmt.Sprintf("window %s is wider than the usual %s", d.cfg.Replay.Window, replay.DefaultWindow))
	}
}

func (d *Doctor) validateIntegrations(r *Result) {
	if d.cfg.Webhooks == nil || len(d.cfg.Webhooks.Integrations) == 0 {
		d.addWarning(r, "webhooks", "webhooks.integrations", "no integrations configured")
		return
	}

	seen := make(map[string]int)
	for i, ic := range d.cfg.Webhooks.Integrations {
		field := fmt.Sprintf("webhooks.integrations[%d]", i)

		normalized := strings.TrimSuffix(ic.Path, "/")
		if prev, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("path %q conflicts with webhooks.integrations[%d]", ic.Path, prev))
		}
		seen[normalized] = i

		scheme, err := webhook.BuildScheme(ic)
		if err != nil {
			d.addError(r, "webhooks", field, fmt.Sprintf("%s: %v", ic.Name, err))
			continue
		}

		if _, err := d.cfg.ResolveSecret(ic); err != nil {
			if errors.Is(err, config.ErrMissingSecret) && d.cfg.Service.AllowMissingSecrets {
				d.addWarning(r, "webhooks", field+".secret",
					fmt.Sprintf("%s: no secret; every delivery will be refused with 500", ic.Name))
			} else {
				d.addError(r, "webhooks", field+".secret", fmt.Sprintf("%s: %v", ic.Name, err))
			}
		}

		if scheme.TimestampHeader == "" {
			d.addWarning(r, "webhooks", field+".timestamp_header",
				fmt.Sprintf("%s: no timestamp header; old deliveries cannot be rejected as stale", ic.Name))
		}
		if scheme.IDHeader == "" {
			d.addWarning(r, "webhooks", field+".id_header",
				fmt.Sprintf("%s: no id header; duplicate deliveries are not detected", ic.Name))
		}

		if ic.AlertEmail != "" && d.cfg.Email.ResendAPIKey == "" {
			d.addWarning(r, "webhooks", field+".alert_email",
				fmt.Sprintf("%s: alert_email set but email.resend_api_key is empty; alerts are disabled", ic.Name))
		}
	}
}

func (d *Doctor) validateListeners(r *Result) {
	if d.cfg.Webhooks == nil || !d.cfg.API.Enabled {
		return
	}
	if d.cfg.Webhooks.Listen == d.cfg.API.Listen {
		d.addError(r, "listen", "api.listen",
			fmt.Sprintf("api and webhooks both listen on %s", d.cfg.API.Listen))
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured; protected routes answer 500")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "api", "api.auth",
			"both api_key and tokens configured; api_key grants every scope")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, audit:ro, audit:rw or db:ro)", scope))
			}
		}
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// warnMissingEnvVars flags ${VAR} references left in values after loading.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	check := func(field, value string) {
		for _, m := range envVarRe.FindAllStringSubmatch(value, -1) {
			if os.Getenv(m[1]) == "" {
				d.addWarning(r, "env_vars", field, fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}

	if d.cfg.Webhooks != nil {
		for i, ic := range d.cfg.Webhooks.Integrations {
			check(fmt.Sprintf("webhooks.integrations[%d].secret", i), ic.Secret)
		}
	}
	for name, v := range d.cfg.Tokens {
		check("tokens."+name, v)
	}
	check("email.resend_api_key", d.cfg.Email.ResendAPIKey)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
