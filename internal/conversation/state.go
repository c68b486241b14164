// ABOUTME: Session states and their names
// ABOUTME: Closed is terminal and is entered exactly once per Run

package conversation

// State is a step of the session state machine.
//
//	WaitingForUser -> Processing -> Responding -> WaitingForUser
//	                             -> Handoff -> Processing
//	                             -> ErrorRetry -> Processing
//	any -> Closed
type State int32

const (
	WaitingForUser State = iota
	Processing
	Responding
	Handoff
	ErrorRetry
	Closed
)

var stateNames = [...]string{
	WaitingForUser: "waiting_for_user",
	Processing:     "processing",
	Responding:     "responding",
	Handoff:        "handoff",
	ErrorRetry:     "error_retry",
	Closed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
