// Package dedupe suppresses duplicate transport events.
//
// Matrix sync can hand the same event to the client more than once (after a
// reconnect, or when a sync token is replayed on restart). The bridge asks
// Seen(eventID) before dispatching; a true result means the event was already
// routed and must be dropped.
package dedupe
