// Package gateway orchestrates the greyzone server components.
//
// # Overview
//
// The gateway owns the SQLite store and wires it to the challenge manager,
// device registry, passkey ceremonies, approval service, execution engine,
// and event broadcaster. It serves one HTTP API for both audiences:
// agents submit and poll requests, approvers register passkeys and decide.
//
// # HTTP API
//
// Health:
//
//	GET  /health                       Liveness
//	GET  /health/ready                 Store reachability
//	GET  /api/health                   Liveness (dashboard path)
//
// Requests:
//
//	POST /api/requests                 Submit {command, reason, agent, priority, timeout}
//	GET  /api/requests?status=&limit=  List, newest first
//	GET  /api/requests/{id}            Fetch one
//	POST /api/requests/{id}/approve    {challengeId, response} → {success, result}
//	POST /api/requests/{id}/deny       → {success, result}
//	POST /api/requests/approve-all     {challengeId, response} → {success, results}
//
// Devices and ceremonies:
//
//	GET    /api/devices
//	DELETE /api/devices/{id}
//	POST   /api/devices/register/start     {name} → {challengeId, options, deviceName}
//	POST   /api/devices/register/complete  {challengeId, response, deviceName, userAgent}
//	POST   /api/auth/start                 → {challengeId, options}
//
// Events:
//
//	GET  /api/events                   Server-Sent Events: connected, new_request,
//	                                   request_updated, refresh
//
// Errors are JSON {"error": "..."}: 400 for invalid input, 401 for failed
// passkey authentication, 404 for unknown ids, 409 for requests that are no
// longer pending and duplicate devices, 500 otherwise.
//
// When auth.jwt_secret is set, POST /api/requests needs a bearer token and
// the token subject becomes the request's agent. A submission carrying an
// Idempotency-Key header is remembered for a day per agent; repeating it
// returns the original request with Idempotent-Replayed: true.
//
// # Listeners
//
// Plain TCP on server.http_addr, TLS when server.tls_cert_file is set, or a
// Tailscale node (tsnet) with optional HTTPS or Funnel. Passkeys are bound to
// the host of webauthn.base_url; browsers only allow them on https origins or
// localhost.
//
// # Lifecycle
//
// Run blocks until its context is canceled. Shutdown closes event streams,
// drains the HTTP server, waits for running commands to record their
// results, stops background sweepers, and closes the store.
package gateway
