// Package signature verifies HMAC-signed webhook payloads.
//
// Every webhook source signs something slightly different. Paystack signs the raw
// body with HMAC-SHA512 and sends lowercase hex; Resend (via Svix) signs
// "id.timestamp.body" with HMAC-SHA256 under the decoded whsec_ key and sends
// base64; the first-party validator signs "timestamp+body" as hex. A Scheme
// captures one source's choices:
//
//	scheme, _ := signature.Preset("paystack")
//	ok := scheme.VerifyHeader(secret, signature.Parts{Body: body}, r.Header.Get(scheme.SignatureHeader))
//
// # Security Model
//
//   - The expected MAC is recomputed and compared with hmac.Equal (constant time).
//   - Malformed signatures (bad hex/base64, wrong prefix) are reported as a plain
//     mismatch. Callers never learn which step failed.
//   - The expected MAC length is a property of the algorithm, so rejecting a
//     length mismatch leaks nothing an attacker does not already know.
package signature
