// Package middleware adapts the auth engine to net/http.
//
//   - [ClientContext] records the client address, user agent and correlation
//     id on the request context. Forwarding headers are honoured only from
//     trusted proxies.
//   - [RateLimit] throttles per client address.
//   - [Guard] requires a valid bearer access token and exposes the result via
//     [ValidationFromContext].
//
// Authentication decisions stay in the engine; this package only translates
// HTTP to engine calls and engine errors to JSON responses.
package middleware
