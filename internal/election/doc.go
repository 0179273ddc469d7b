// Package election decides which sibling context owns the shared
// connection, using a heartbeat-refreshed ownership record in same-origin
// durable storage and two failover speeds: a passive staleness timeout for
// routine takeover and a tighter visibility timeout applied when a context
// regains user observation, because an unobserved leader may be
// execution-throttled and late with its heartbeat.
package election
