package signature

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"sort"
	"strings"
)

// Algorithm names the HMAC hash function.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) hasher() (func() hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", string(a))
	}
}

// Encoding is how the MAC travels in the header.
type Encoding string

const (
	Hex    Encoding = "hex"
	Base64 Encoding = "base64"
)

// Scheme describes how one webhook source signs its deliveries.
type Scheme struct {
	Name            string
	SignatureHeader string
	// TimestampHeader is empty for sources without replay protection.
	TimestampHeader string
	IDHeader        string
	EventHeader     string
	EventField      string
	Algorithm       Algorithm
	Encoding        Encoding
	Composer        Composer
	// SignaturePrefix is stripped from each supplied signature ("sha256=", "v1,").
	SignaturePrefix string
	// MultiSignature allows several space-separated signatures; any match passes.
	MultiSignature bool
	// StandardSecret decodes "whsec_<base64>" secrets before use.
	StandardSecret bool
}

// Preset names.
const (
	PresetPaystack = "paystack"
	PresetResend   = "resend"
	PresetVauntico = "vauntico"
	PresetStandard = "standard"

	// PresetResendLegacy signs timestamp.body without the svix-id, as the
	// fulfillment engine's own senders did.
	PresetResendLegacy = "resend-legacy"
)

var presets = map[string]Scheme{
	PresetPaystack: {
		Name:            PresetPaystack,
		SignatureHeader: "x-paystack-signature",
		EventField:      "event",
		Algorithm:       SHA512,
		Encoding:        Hex,
		Composer:        rawBody{},
	},
	PresetResend: {
		Name:            PresetResend,
		SignatureHeader: "svix-signature",
		TimestampHeader: "svix-timestamp",
		IDHeader:        "svix-id",
		EventField:      "type",
		Algorithm:       SHA256,
		Encoding:        Base64,
		Composer:        idTimestampBody{},
		SignaturePrefix: "v1,",
		MultiSignature:  true,
		StandardSecret:  true,
	},
	PresetResendLegacy: {
		Name:            PresetResendLegacy,
		SignatureHeader: "svix-signature",
		TimestampHeader: "svix-timestamp",
		EventField:      "type",
		Algorithm:       SHA256,
		Encoding:        Base64,
		Composer:        timestampDotBody{},
		SignaturePrefix: "v1,",
		MultiSignature:  true,
	},
	PresetVauntico: {
		Name:            PresetVauntico,
		SignatureHeader: "x-webhook-signature",
		TimestampHeader: "x-webhook-timestamp",
		EventHeader:     "x-event-type",
		Algorithm:       SHA256,
		Encoding:        Hex,
		Composer:        timestampConcatBody{},
	},
	PresetStandard: {
		Name:            PresetStandard,
		SignatureHeader: "webhook-signature",
		TimestampHeader: "webhook-timestamp",
		IDHeader:        "webhook-id",
		EventField:      "type",
		Algorithm:       SHA256,
		Encoding:        Base64,
		Composer:        idTimestampBody{},
		SignaturePrefix: "v1,",
		MultiSignature:  true,
		StandardSecret:  true,
	},
}

// Preset returns a copy of a built-in scheme.
func Preset(name string) (Scheme, error) {
	s, ok := presets[strings.ToLower(name)]
	if !ok {
		return Scheme{}, fmt.Errorf("unknown signature preset %q (known: %v)", name, PresetNames())
	}
	return s, nil
}

// PresetNames lists built-in schemes in stable order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the scheme is internally consistent.
func (s Scheme) Validate() error {
	if s.SignatureHeader == "" {
		return fmt.Errorf("signature header is required")
	}
	if _, err := s.Algorithm.hasher(); err != nil {
		return err
	}
	if s.Encoding != Hex && s.Encoding != Base64 {
		return fmt.Errorf("unsupported encoding %q", string(s.Encoding))
	}
	if s.Composer == nil {
		return fmt.Errorf("payload composer is required")
	}
	if s.Composer.NeedsTimestamp() && s.TimestampHeader == "" {
		return fmt.Errorf("composer %q needs a timestamp header", s.Composer.Name())
	}
	if s.Composer.NeedsID() && s.IDHeader == "" {
		return fmt.Errorf("composer %q needs an id header", s.Composer.Name())
	}
	return nil
}

// Key returns the HMAC key bytes for a configured secret.
func (s Scheme) Key(secret string) []byte {
	if s.StandardSecret {
		if raw, ok := strings.CutPrefix(secret, "whsec_"); ok {
			if key, err := base64.StdEncoding.DecodeString(raw); err == nil {
				return key
			}
		}
	}
	return []byte(secret)
}
