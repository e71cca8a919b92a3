// Package peer implements the per-remote-peer negotiation state machine that
// each participant runs, the table that indexes those sessions by remote
// identity, and the connectivity policy that tears them down.
//
// Sessions never share memory with their remote mirror; the two copies are
// correlated only through offer, answer and candidate messages sent via the
// relay.
package peer
