// Package server provides the HTTP surface of inboxrank: the browser login
// flow, session cookies, the ranked inbox endpoint, health checks and a
// separate Prometheus metrics server.
//
// # Routes
//
//	GET /auth/login       redirect to the Google consent screen
//	GET /oauth2callback   exchange the code, bind a session, set the cookie
//	GET /auth/status      {"logged_in": bool, "email": string}
//	GET /auth/logout      unbind the session; ?revoke=true also revokes the credential
//	GET /emails           ranked inbox; ?max=, ?hours=, ?top=
//	GET /healthz, /readyz liveness and readiness
//
// The browser only ever holds an opaque session reference. The identity
// and its tokens stay on the server.
//
// # Errors
//
// Failures are returned as {"error", "error_description"}. Missing or
// rejected credentials map to 401, failed code exchanges and identity
// lookups to 400, provider failures to 502 and everything else to 500.
//
// # Middleware
//
// Every route except the health checks runs through request ids, an access log
// that also records HTTP metrics, panic recovery, security headers and a
// per client IP rate limit.
package server
