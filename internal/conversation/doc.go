// Package conversation runs a single tutoring conversation in a thread.
//
// # Session
//
// A Session is a small state machine:
//
//	WaitingForUser -> Processing -> Responding -> WaitingForUser
//	                      |  ^
//	                      v  |
//	                    Handoff
//
// Processing may pass through ErrorRetry while the backend is retried, and
// any state may move to Closed. A session closes when the student stays
// silent for the duck's timeout, when the active agent ends the
// conversation, on a fatal backend error, or when its context is cancelled.
//
// # History
//
// The history starts with the duck's introduction as a system entry.
// Every entry is written to the Recorder before it is appended, so the
// recorded order always matches the history order. Messages with
// attachments are answered with a notice and never enter the history.
//
// # Events
//
// An optional EventBroadcaster receives every state change and history
// entry, keyed by thread, for live observers such as the HTTP event stream.
package conversation
