// Package conn owns the single multiplexed physical connection held by the
// leader context.
//
// # Lifecycle
//
// The connection opens on demand and closes when demand disappears, both
// behind a shared debounce window so bursts of registrations coalesce into
// one action. Open and close are single-slot deferred actions: scheduling
// one cancels a pending action of the opposite purpose.
//
// # Multiplexing
//
// Every frame is a JSON envelope carrying a required conversation_id and an
// opaque payload. Outbound envelopes sent while the connection is mid-open
// join a FIFO queue flushed in order before the open state is published, so
// a send racing the flush cannot overtake queued envelopes on the wire.
// Inbound frames are parsed on the read loop; frames without a
// conversation id are logged and dropped, never fatal. Delivery to the
// OnReceive callback preserves connection arrival order.
//
// # Failure handling
//
// Connection-level errors are logged, not retried here. After a failure the
// still-registered conversations simply make the connection eligible to
// reopen on the next registration or leadership re-affirmation.
package conn
