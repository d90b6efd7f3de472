// Package transport moves envelopes between roles over TCP or TLS.
//
// Ownership boundary:
// - Conn: one request/reply conversation at a time on one connection
// - Pool: lazily dialled connections to one peer
// - Server + Router: accept loop, bounded workers, kind dispatch
// - Notify: one-shot push delivery
package transport
