// Package duck orchestrates conversations for the configured ducks.
//
// A duck is an assistant bound to one channel. A top-level message in that
// channel opens a thread and starts a conversation session there; later
// messages in the thread are delivered to the running session. The
// Orchestrator runs each session in its own goroutine under a scope keyed
// by thread ID, so a thread never has two sessions.
//
// However a session ends, the orchestrator closes it the same way: it
// releases the routing state, posts one closed message and enqueues one
// feedback record. A fatal backend error adds an apology for the user and a
// report with the remediation hint to the admin channel. Any other error,
// including a panic, gets a short correlation code the user can quote to
// staff, and the same code goes into the operator report.
//
// Sessions interrupted by shutdown are not closed. Their routing state stays
// in the key-value store and the next message in the thread resumes them
// at the agent that was active.
package duck
