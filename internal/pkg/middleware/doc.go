// Package middleware provides HTTP middleware components for the relay server.
//
// Available middleware:
//   - RateLimiter: Per-key rate limiting using token bucket algorithm. Keys are
//     client IPs for HTTP ingress and connection IDs for inbound socket frames.
//   - RequestID: Attaches a request ID to the request context and response.
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Stop()
//	handler = middleware.RequestID(rl.Middleware(handler))
package middleware
