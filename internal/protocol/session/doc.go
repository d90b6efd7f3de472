// Package session owns connection-level policy shared by every role:
// timeouts, retry backoff, TLS/security mode, and the push outbox.
//
// Ownership boundary:
// - transport timeouts and caller deadlines
// - retry/backoff/outbox primitives
// - tls client/server configuration
package session
