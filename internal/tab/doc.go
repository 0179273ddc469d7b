// Package tab coordinates many concurrently running contexts of one client
// application so they share a single live connection to the conversation
// backend instead of each opening their own.
//
// # Overview
//
// One Tab is constructed per execution context at startup and closed at
// teardown. Tabs of one origin share two capabilities injected at
// construction: a durable key-value store with change notification
// (internal/kv) and a best-effort broadcast bus (internal/bus). Everything
// else is local to the context.
//
// # Leadership
//
// Exactly one context should hold the physical connection at a time. The
// election coordinator claims a shared ownership record and refreshes it on
// a heartbeat; siblings watch the record and take over when it goes stale
// (passive failover) or, faster, when they regain user observation while
// the record looks stale against a tighter threshold (aggressive failover).
// Near-simultaneous claims converge within about one heartbeat interval
// because record writes are idempotent overwrites; the transient duplicate
// connection that a race can produce is an accepted, documented risk.
//
// # Data flow
//
//	consumer -> Register(id)
//	  leader:   active set gains id, debounced connection open
//	  follower: register request broadcast, leader applies it
//
//	backend -> envelope{conversation_id, payload}
//	  leader:   local subscriber fan-out, session append, rebroadcast
//	  follower: delivery via the rebroadcast
//
// Payloads that arrive while the owning context is unobserved are also
// written to the durable response cache, keyed by conversation id, so a
// from-scratch state reconstruction can recover them with DrainCache.
//
// # Error contract
//
// Nothing on the public surface panics or throws across the
// register/unregister/send/subscribe boundary. Send reports failure as a
// boolean; malformed inbound envelopes are logged and dropped; corrupt
// persisted state is treated as absent and heals on the next write. The
// worst failure mode leaves a context a follower with no connection until
// the next registration or observation change retriggers election.
package tab
