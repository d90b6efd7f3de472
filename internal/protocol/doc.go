// Package protocol owns the wire contract shared by bank, auction houses
// and agents.
//
// Ownership boundary:
// - frame: fixed header framing
// - tlv: payload field primitives
// - schema: closed message kind enumeration and per-kind field requirements
// - envelope: typed payload union over frames
// - session: timeouts, tls, backoff and push outbox policy
package protocol
