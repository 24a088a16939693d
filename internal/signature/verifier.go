package signature

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

func mac(secret, payload []byte, alg Algorithm) ([]byte, error) {
	h, err := alg.hasher()
	if err != nil {
		return nil, err
	}
	m := hmac.New(h, secret)
	m.Write(payload)
	return m.Sum(nil), nil
}

func decode(s string, enc Encoding) ([]byte, error) {
	switch enc {
	case Hex:
		return hex.DecodeString(s)
	case Base64:
		return base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", string(enc))
	}
}

func encode(b []byte, enc Encoding) (string, error) {
	switch enc {
	case Hex:
		return hex.EncodeToString(b), nil
	case Base64:
		return base64.StdEncoding.EncodeToString(b), nil
	default:
		return "", fmt.Errorf("unsupported encoding %q", string(enc))
	}
}

// Compute returns the encoded HMAC of payload.
func Compute(secret, payload []byte, alg Algorithm, enc Encoding) (string, error) {
	sum, err := mac(secret, payload, alg)
	if err != nil {
		return "", err
	}
	return encode(sum, enc)
}

// Verify reports whether supplied is the encoded HMAC of payload under secret.
//
// The supplied value is decoded and compared as raw MAC bytes with hmac.Equal.
// Anything that fails to decode, or decodes to the wrong length, is a mismatch.
func Verify(secret, payload []byte, supplied string, alg Algorithm, enc Encoding) bool {
	if len(secret) == 0 || supplied == "" {
		return false
	}
	expected, err := mac(secret, payload, alg)
	if err != nil {
		return false
	}
	actual, err := decode(strings.TrimSpace(supplied), enc)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, actual)
}

// Payload assembles the signed bytes for this scheme.
func (s Scheme) Payload(p Parts) []byte {
	return s.Composer.Compose(p)
}

// VerifyHeader checks a raw signature header value against the request parts.
func (s Scheme) VerifyHeader(secret string, p Parts, header string) bool {
	key := s.Key(secret)
	payload := s.Payload(p)
	for _, candidate := range s.candidates(header) {
		if Verify(key, payload, candidate, s.Algorithm, s.Encoding) {
			return true
		}
	}
	return false
}

// candidates splits a header into the signatures worth checking.
func (s Scheme) candidates(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	if !s.MultiSignature {
		return []string{strings.TrimPrefix(header, s.SignaturePrefix)}
	}

	var out []string
	for _, field := range strings.Fields(header) {
		if s.SignaturePrefix == "" {
			out = append(out, field)
			continue
		}
		// Other versions ("v1a,") are ignored rather than tried as v1.
		if sig, ok := strings.CutPrefix(field, s.SignaturePrefix); ok {
			out = append(out, sig)
		}
	}
	return out
}

// Sign produces a header value a sender using this scheme would attach.
func (s Scheme) Sign(secret string, p Parts) (string, error) {
	sig, err := Compute(s.Key(secret), s.Payload(p), s.Algorithm, s.Encoding)
	if err != nil {
		return "", err
	}
	return s.SignaturePrefix + sig, nil
}
