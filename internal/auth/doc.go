// Package auth authenticates callers of the toolbroker JSON API.
//
// # Tokens
//
// Callers present an HS256 JWT as "Authorization: Bearer <token>". Tokens are
// signed with server.api_secret and carry:
//
//   - sub: the caller, usually an end user id
//   - role: optional; "service" marks a trusted backend acting for any user
//   - iat/exp: issue and expiry times
//
// # Scoping
//
// A verified token becomes a Principal on the request context. Handlers ask
// Principal.CanActFor(userID) before touching a user's credentials or
// permissions: end users may only act for themselves, service principals may
// act for anyone.
//
// The browser-facing /auth routes are not covered; they carry the user in
// the state token or the form.
package auth
