// Package queue provides named in-memory FIFO queues.
//
// A Registry maps a name (a thread ID, a review message ID) to a Queue that is
// created lazily. Producers call Put and never block; the single reader calls
// Get with a timeout:
//
//	msg, ok, err := inbox.Queue(threadID).Get(ctx, 10*time.Minute)
//	switch {
//	case err != nil: // ctx cancelled
//	case !ok:        // nothing arrived in time
//	default:         // msg is the next item
//	}
//
// Queues are not persisted. Durable queues live in package kvstore.
package queue
