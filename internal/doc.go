// Package internal holds token and code generation shared by the stores and
// the engine.
//
// # Sub-packages
//
//   - expiring: sharded TTL maps behind the in-memory backends
//   - logging: logrus helpers
//   - reqctx: per-request client address, user agent and correlation id
package internal
