// Package gateway serves the toolbroker engine over HTTP.
//
// # Overview
//
// Open builds the engine from configuration: the SQLite store, the state
// token backend (memory, sqlite or redis), the tool registry populated from
// the descriptor file, and the credential sealer. New wraps the resulting
// engine in an HTTP server, and Run serves it together with the periodic
// state token sweep until the context is cancelled.
//
// # Routes
//
// Browser-facing auth flow:
//
//	GET  /auth/authorize/{tool}?user_id=U[&redirect=true]
//	GET  /auth/callback/{tool}?code=C&state=S
//	GET  /auth/form/{tool}?state=S
//	POST /auth/form/{tool}
//
// Authorize issues a single-use state token for the user. The OAuth2
// callback and the credential form both resolve the user from that token
// and never from request parameters.
//
// JSON API:
//
//	GET    /api/tools
//	POST   /api/tools/{tool}/credentials
//	GET    /api/users/{user}/tools
//	PUT    /api/users/{user}/tools/{tool}                   {"active": bool}
//	DELETE /api/users/{user}/tools/{tool}
//	PUT    /api/users/{user}/tools/{tool}/actions/{action}  {"disabled": bool}
//	GET    /api/users/{user}/functions
//	POST   /api/execute
//
// # API auth
//
// When server.api_secret is set, every /api route and the authorize route
// require an HS256 bearer token (see package auth). Routes that name a user, either in the path or in
// the request body, also require the token's subject to be that user unless
// the token carries the service role; other callers get 403 "forbidden".
//
// # Errors
//
// Failures are returned as {"error": "...", "code": "..."}. The code is
// stable (for example "not_authenticated", "already_consumed", "timeout")
// and the status follows the engine error: 404 for unknown tools, actions
// and credentials, 401 for missing or unreadable credentials, 403 for
// disabled actions, 409/410 for replayed/expired state tokens, 429 and 503
// for rate limiting and a full execution queue, 502 for adapter failures and
// 504 for timeouts.
package gateway
