// Package feedback collects human reviews of closed conversations.
//
// Every closed session enqueues one Record on the durable queue of its duck
// channel. One review loop per configured target takes the record at the
// head of its queue, opens a review thread that links back to the
// conversation, posts the prompt's link into the conversation, seeds the
// prompt with score reactions 1 to 5 plus a skip reaction, and waits for a
// reviewer:
//
//   - A score from anyone but the conversation's author is recorded and the
//     record leaves the queue. Scores from the author are ignored.
//   - If nobody scores within the target's timeout (a week by default) the
//     record moves to the back of the queue. Records are never dropped.
//
// The record under review stays at the head of the queue and the posted
// prompt is remembered in the key-value store, so a restart resumes the
// same review instead of posting a new one.
package feedback
