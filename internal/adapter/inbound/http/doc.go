// Package http provides the JSON and SSE API of the access terminal.
//
// # Endpoints
//
//	GET    /keypad                  - keypad state (digits masked)
//	POST   /keypad/acknowledge      - clear the submit flag
//	POST   /keypad/clear            - clear the digit buffer
//	GET    /api/identities          - enrolled identities
//	GET    /api/identities/{label}  - whether a label is enrolled
//	POST   /api/verify-password     - check a label/password pair
//	POST   /api/session             - start an authentication session
//	GET    /api/session             - current session snapshot
//	DELETE /api/session             - stop the running session
//	POST   /api/session/password    - manual password fallback
//	GET    /api/session/events      - Server-Sent Events stream of session events
//	GET    /api/access-events       - recent access decisions
//	GET    /health                  - component health
//	GET    /metrics                 - Prometheus metrics
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. RequestIDMiddleware - extracts or generates X-Request-ID and enriches the logger
//  2. MetricsMiddleware - records duration and status per route
//  3. DNSRebindingProtection - validates the Origin header
//  4. Handler
//
// The password endpoints are additionally limited per client IP.
//
// # Server-Sent Events
//
// GET /api/session/events first sends a "snapshot" event with the current
// session state, then one event per session notification, named after the
// event type. A comment line is sent every heartbeat interval to keep
// proxies from closing idle streams. Slow clients miss events rather than
// stall the session.
package http
