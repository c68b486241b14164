// Package kvstore is the durable state store.
//
// It keeps two kinds of data in one bbolt file:
//
//   - a flat key-value bucket ("kv"), used for per-thread routing state
//     under keys like "routing:<thread_id>";
//   - named FIFO queues, one bucket per queue ("queue:<name>"), keyed by
//     big-endian NextSequence values so cursor order is insertion order.
//
// Pop removes the head inside the same write transaction that reads it, so a
// value is handed out at most once. Pushing a popped value back re-appends it
// at the tail.
package kvstore
