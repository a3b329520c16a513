// Package timeline is the canonical timeline projection engine.
//
// It consumes raw room events (possibly out of order, possibly encrypted) and
// maintains an ordered, de-duplicated view of user-visible messages. Every
// item gets an OrderingKey on first insertion and keeps it for its whole
// lifetime; decryption, edits and redactions change content in place and are
// published to subscribers as Update deltas at the unchanged position.
//
// Concurrency model:
//   - One writer per State: adapter dispatch and store mutation run
//     sequentially, event by event, in the caller's arrival order.
//   - Readers (Snapshot, GetByID) may run concurrently with the writer.
//   - Subscribers drain their own bounded queues; publish never blocks and a
//     slow subscriber loses its oldest unread deltas.
package timeline
