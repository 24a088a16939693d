package config

import (
	"errors"
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validSSLModes = map[string]bool{"": true, "disable": true, "require": true, "verify-full": true}

// validate checks a defaulted config. Missing secrets fail unless
// service.allow_missing_secrets is set.
func validate(cfg *Config) error {
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if err := validateDatabase(cfg.Database); err != nil {
		return err
	}

	switch cfg.Audit.Sink {
	case AuditSinkFile, AuditSinkBoth:
		if cfg.Audit.Path == "" {
			return fmt.Errorf("audit.path is required for sink %q", cfg.Audit.Sink)
		}
	case AuditSinkDatabase:
	default:
		return fmt.Errorf("audit.sink must be one of: file, database, both (got %q)", cfg.Audit.Sink)
	}
	if cfg.Audit.Buffer < 1 {
		return fmt.Errorf("audit.buffer must be positive")
	}

	if cfg.Replay.Window <= 0 {
		return fmt.Errorf("replay.window must be positive")
	}
	if name, ok := unresolved(cfg.Replay.RedisURL); ok {
		return fmt.Errorf("replay.redis_url: environment variable ${%s} is not set", name)
	}

	if err := validateWebhooks(cfg); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if name, ok := unresolved(cfg.API.Auth.APIKey); ok {
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", name)
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if name, ok := unresolved(tok.Token); ok {
				return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, name)
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if name, ok := unresolved(cfg.Email.ResendAPIKey); ok {
		return fmt.Errorf("email.resend_api_key: environment variable ${%s} is not set", name)
	}
	return nil
}

func validateDatabase(db DatabaseConfig) error {
	if db.URL == "" {
		return fmt.Errorf("database.url: %w (set it or DATABASE_URL)", ErrMissingDatabaseURL)
	}
	if name, ok := unresolved(db.URL); ok {
		return fmt.Errorf("database.url: environment variable ${%s} is not set: %w", name, ErrMissingDatabaseURL)
	}
	if db.Max < 1 {
		return fmt.Errorf("database.max must be at least 1")
	}
	if db.Min < 0 || db.Min > db.Max {
		return fmt.Errorf("database.min must be between 0 and database.max")
	}
	if !validSSLModes[db.SSL] {
		return fmt.Errorf("database.ssl must be one of: disable, require, verify-full (got %q)", db.SSL)
	}
	if db.IdleTimeout < 0 || db.ConnectionTimeout <= 0 || db.ShutdownTimeout <= 0 {
		return fmt.Errorf("database timeouts must be positive")
	}
	return nil
}

func validateWebhooks(cfg *Config) error {
	if cfg.Webhooks == nil {
		return nil
	}

	names := make(map[string]bool)
	paths := make(map[string]bool)
	for i, ic := range cfg.Webhooks.Integrations {
		where := fmt.Sprintf("webhooks.integrations[%d]", i)
		if ic.Name == "" {
			return fmt.Errorf("%s.name is required", where)
		}
		where = fmt.Sprintf("%s (%s)", where, ic.Name)
		if names[ic.Name] {
			return fmt.Errorf("%s: duplicate integration name", where)
		}
		names[ic.Name] = true

		if !strings.HasPrefix(ic.Path, "/") {
			return fmt.Errorf("%s: path must start with /", where)
		}
		if paths[ic.Path] {
			return fmt.Errorf("%s: duplicate path %q", where, ic.Path)
		}
		paths[ic.Path] = true

		if ic.Preset == "" && ic.SignatureHeader == "" {
			return fmt.Errorf("%s: either preset or signature_header is required", where)
		}

		switch ic.Handler {
		case HandlerAck, HandlerInbox:
		default:
			return fmt.Errorf("%s: handler must be ack or inbox (got %q)", where, ic.Handler)
		}
		if ic.Window < 0 {
			return fmt.Errorf("%s: window must be positive", where)
		}

		if _, err := cfg.ResolveSecret(ic); err != nil {
			if errors.Is(err, ErrMissingSecret) && cfg.Service.AllowMissingSecrets {
				continue
			}
			return fmt.Errorf("%s: %w", where, err)
		}
	}
	return nil
}
