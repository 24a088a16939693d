// Package webhook authenticates inbound webhooks before any business handler
// runs.
//
// Each configured integration gets a Gateway built from a signature.Scheme
// (which headers carry the signature, timestamp and delivery id, how the
// signed payload is composed, and the HMAC algorithm and encoding), a replay
// window and an optional delivery-id nonce store.
//
// # Request Flow
//
//  1. No secret configured: 500, logged as misconfiguration, nothing recorded
//  2. Body read up to max_body_size (413 above it)
//  3. Signature, timestamp and id headers checked for presence
//  4. Timestamp checked against the replay window
//  5. HMAC computed over the composed payload, compared in constant time
//  6. Delivery id checked against the nonce store
//  7. Outcome recorded, then the request is forwarded with its body restored
//
// Every request past step 1 records exactly one audit.Outcome before the
// response is written.
//
// # Error Responses
//
//	401 {"error":"Unauthorized","message":"Missing webhook signature"}
//	401 {"error":"Unauthorized","message":"Stale webhook timestamp"}
//	401 {"error":"Unauthorized","message":"Invalid webhook signature"}
//	413 {"error":"Payload Too Large","message":"Webhook payload too large"}
//	500 {"error":"Server Configuration Error","message":"Webhook verification not configured"}
//
// Rejection messages never include signature material.
//
// # Configuration
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  integrations:
//	    - name: paystack
//	      path: /webhooks/paystack
//	      preset: paystack
//	      secret_ref: paystack_secret
//	      handler: inbox
//	    - name: resend
//	      path: /webhooks/resend
//	      preset: resend
//	      secret: ${RESEND_WEBHOOK_SECRET}
//	      window: 5m
package webhook
