package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	secret := []byte("test-secret-key")
	payload := []byte(`{"event":"charge.success","data":{"id":1}}`)

	hexSig, err := Compute(secret, payload, SHA512, Hex)
	require.NoError(t, err)
	b64Sig, err := Compute(secret, payload, SHA256, Base64)
	require.NoError(t, err)
	wrongKeySig, err := Compute([]byte("other-secret"), payload, SHA512, Hex)
	require.NoError(t, err)

	tests := []struct {
		name     string
		secret   []byte
		payload  []byte
		supplied string
		alg      Algorithm
		enc      Encoding
		want     bool
	}{
		{"sha512 hex round trip", secret, payload, hexSig, SHA512, Hex, true},
		{"sha256 base64 round trip", secret, payload, b64Sig, SHA256, Base64, true},
		{"uppercase hex accepted", secret, payload, strings.ToUpper(hexSig), SHA512, Hex, true},
		{"wrong secret", secret, payload, wrongKeySig, SHA512, Hex, false},
		{"tampered payload", secret, []byte(`{"event":"charge.success","data":{"id":2}}`), hexSig, SHA512, Hex, false},
		{"algorithm mismatch", secret, payload, hexSig, SHA256, Hex, false},
		{"truncated signature", secret, payload, hexSig[:len(hexSig)-2], SHA512, Hex, false},
		{"extended signature", secret, payload, hexSig + "00", SHA512, Hex, false},
		{"malformed hex", secret, payload, "not-valid-hex", SHA512, Hex, false},
		{"malformed base64", secret, payload, "%%%", SHA256, Base64, false},
		{"empty signature", secret, payload, "", SHA512, Hex, false},
		{"empty secret", nil, payload, hexSig, SHA512, Hex, false},
		{"unknown algorithm", secret, payload, hexSig, Algorithm("md5"), Hex, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Verify(tt.secret, tt.payload, tt.supplied, tt.alg, tt.enc)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComposers(t *testing.T) {
	p := Parts{ID: "msg_1", Timestamp: "1700000000", Body: []byte(`{"a":1}`)}

	tests := []struct {
		name string
		want string
	}{
		{ComposeRaw, `{"a":1}`},
		{ComposeTimestampDot, `1700000000.{"a":1}`},
		{ComposeTimestampConcat, `1700000000{"a":1}`},
		{ComposeIDTimestamp, `msg_1.1700000000.{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := LookupComposer(tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.name, c.Name())
			assert.Equal(t, tt.want, string(c.Compose(p)))
		})
	}

	_, err := LookupComposer("body.timestamp")
	assert.Error(t, err)
}

func TestSchemeSignAndVerifyHeader(t *testing.T) {
	parts := Parts{ID: "msg_2", Timestamp: "1700000000", Body: []byte(`{"type":"email.sent"}`)}

	for _, name := range PresetNames() {
		t.Run(name, func(t *testing.T) {
			scheme, err := Preset(name)
			require.NoError(t, err)
			require.NoError(t, scheme.Validate())

			header, err := scheme.Sign("shh", parts)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(header, scheme.SignaturePrefix))
			assert.True(t, scheme.VerifyHeader("shh", parts, header))
			assert.False(t, scheme.VerifyHeader("nope", parts, header))

			tampered := parts
			tampered.Body = []byte(`{"type":"email.bounced"}`)
			assert.False(t, scheme.VerifyHeader("shh", tampered, header))
		})
	}
}

func TestTimestampBoundIntoSignature(t *testing.T) {
	scheme, err := Preset(PresetVauntico)
	require.NoError(t, err)

	parts := Parts{Timestamp: "1700000000", Body: []byte(`{}`)}
	header, err := scheme.Sign("shh", parts)
	require.NoError(t, err)

	parts.Timestamp = "1700000001"
	assert.False(t, scheme.VerifyHeader("shh", parts, header))
}

func TestMultiSignatureHeader(t *testing.T) {
	scheme, err := Preset(PresetResend)
	require.NoError(t, err)

	parts := Parts{ID: "msg_1", Timestamp: "1700000000", Body: []byte(`{"type":"email.delivered"}`)}
	good, err := scheme.Sign("current", parts)
	require.NoError(t, err)
	old, err := scheme.Sign("rotated-out", parts)
	require.NoError(t, err)

	assert.True(t, scheme.VerifyHeader("current", parts, old+" "+good))
	assert.True(t, scheme.VerifyHeader("current", parts, "v1a,ignored "+good))
	assert.False(t, scheme.VerifyHeader("current", parts, old))
	assert.False(t, scheme.VerifyHeader("current", parts, strings.TrimPrefix(good, "v1,")))
}

func TestStandardWebhooksVector(t *testing.T) {
	scheme, err := Preset(PresetStandard)
	require.NoError(t, err)

	parts := Parts{
		ID:        "msg_p5jXN8AQM9LWM0D4loKWxJek",
		Timestamp: "1614265330",
		Body:      []byte(`{"test": 2432232314}`),
	}
	secret := "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"

	header, err := scheme.Sign(secret, parts)
	require.NoError(t, err)
	assert.Equal(t, "v1,g0hM9SsE+OTPJTGt/tmIKtSyZlE3uFJELVlNIOLJ1OE=", header)
	assert.True(t, scheme.VerifyHeader(secret, parts, header))
}

func TestResendAcceptsSvixDelivery(t *testing.T) {
	scheme, err := Preset(PresetResend)
	require.NoError(t, err)
	require.NoError(t, scheme.Validate())
	assert.Equal(t, "svix-id", scheme.IDHeader)

	// Published Svix example: id, timestamp, body and secret as sent.
	parts := Parts{
		ID:        "msg_p5jXN8AQM9LWM0D4loKWxJek",
		Timestamp: "1614265330",
		Body:      []byte(`{"test": 2432232314}`),
	}
	secret := "whsec_MfKQ9r8GKYqrTwjUPD8ILPZIo2LaLaSw"
	header := "v1,g0hM9SsE+OTPJTGt/tmIKtSyZlE3uFJELVlNIOLJ1OE="

	assert.True(t, scheme.VerifyHeader(secret, parts, header))

	noID := parts
	noID.ID = "msg_other"
	assert.False(t, scheme.VerifyHeader(secret, noID, header))
}

func TestResendLegacySignsTimestampDotBody(t *testing.T) {
	scheme, err := Preset(PresetResendLegacy)
	require.NoError(t, err)
	assert.Equal(t, ComposeTimestampDot, scheme.Composer.Name())
	assert.Empty(t, scheme.IDHeader)

	parts := Parts{Timestamp: "1700000000", Body: []byte(`{}`)}
	want, err := Compute([]byte("shh"), []byte(`1700000000.{}`), SHA256, Base64)
	require.NoError(t, err)
	assert.True(t, scheme.VerifyHeader("shh", parts, "v1,"+want))
}

func TestSchemeValidate(t *testing.T) {
	base, err := Preset(PresetVauntico)
	require.NoError(t, err)

	noTS := base
	noTS.TimestampHeader = ""
	assert.Error(t, noTS.Validate())

	badEnc := base
	badEnc.Encoding = "base32"
	assert.Error(t, badEnc.Validate())

	noHeader := base
	noHeader.SignatureHeader = ""
	assert.Error(t, noHeader.Validate())

	_, err = Preset("stripe")
	assert.Error(t, err)
}
