package webhook

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vauntico/vaultgate/internal/config"
	"github.com/vauntico/vaultgate/internal/signature"
)

// FromGlobalConfig converts the loaded configuration to a webhook.Config.
// It resolves secrets, builds each integration's scheme from its preset plus
// overrides and parses max body sizes. Handlers are left nil for the caller
// to attach.
func FromGlobalConfig(cfg *config.Config) (Config, error) {
	wc := cfg.Webhooks
	if wc == nil {
		return Config{}, fmt.Errorf("webhooks config is nil")
	}

	out := Config{
		Listen:       wc.Listen,
		Integrations: make([]IntegrationConfig, len(wc.Integrations)),
	}

	for i, ic := range wc.Integrations {
		secret, err := cfg.ResolveSecret(ic)
		if err != nil {
			if !errors.Is(err, config.ErrMissingSecret) || !cfg.Service.AllowMissingSecrets {
				return Config{}, fmt.Errorf("webhook integration %q: %w", ic.Name, err)
			}
			secret = ""
		}

		scheme, err := BuildScheme(ic)
		if err != nil {
			return Config{}, fmt.Errorf("webhook integration %q: %w", ic.Name, err)
		}

		maxBodySize, err := parseMaxBodySize(ic.MaxBodySize)
		if err != nil {
			return Config{}, fmt.Errorf("webhook integration %q: invalid max_body_size %q: %w", ic.Name, ic.MaxBodySize, err)
		}

		out.Integrations[i] = IntegrationConfig{
			Name:        ic.Name,
			Path:        ic.Path,
			Scheme:      scheme,
			Secret:      secret,
			Window:      ic.Window,
			MaxBodySize: maxBodySize,
		}
	}

	return out, nil
}

// BuildScheme starts from the integration's preset (if any) and applies
// every non-empty override.
func BuildScheme(ic config.IntegrationConfig) (signature.Scheme, error) {
	var s signature.Scheme
	if ic.Preset != "" {
		p, err := signature.Preset(ic.Preset)
		if err != nil {
			return signature.Scheme{}, err
		}
		s = p
	} else {
		s = signature.Scheme{Algorithm: signature.SHA256, Encoding: signature.Hex}
		c, _ := signature.LookupComposer(signature.ComposeRaw)
		s.Composer = c
	}
	s.Name = ic.Name

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&s.SignatureHeader, ic.SignatureHeader)
	override(&s.TimestampHeader, ic.TimestampHeader)
	override(&s.IDHeader, ic.IDHeader)
	override(&s.EventHeader, ic.EventHeader)
	override(&s.EventField, ic.EventField)
	override(&s.SignaturePrefix, ic.SignaturePrefix)
	if ic.Algorithm != "" {
		s.Algorithm = signature.Algorithm(strings.ToLower(ic.Algorithm))
	}
	if ic.Encoding != "" {
		s.Encoding = signature.Encoding(strings.ToLower(ic.Encoding))
	}
	if ic.Payload != "" {
		c, err := signature.LookupComposer(ic.Payload)
		if err != nil {
			return signature.Scheme{}, err
		}
		s.Composer = c
	}
	if ic.MultiSignature != nil {
		s.MultiSignature = *ic.MultiSignature
	}

	if err := s.Validate(); err != nil {
		return signature.Scheme{}, err
	}
	return s, nil
}

// parseMaxBodySize parses size strings like "1MB", "512KB", "1048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func parseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
