package calls

// Status is a call's lifecycle state.
//
// Success path: initiated → ringing → answered → in_progress → completed.
// Any non-terminal state may move to failed. ringing and answered are optional.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusAnswered   Status = "answered"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var statusRank = map[Status]int{
	StatusInitiated:  0,
	StatusRinging:    1,
	StatusAnswered:   2,
	StatusInProgress: 3,
	StatusCompleted:  4,
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// CanTransition reports whether from → to keeps the lifecycle monotonic.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// ParseProviderStatus maps a Twilio call status to the lifecycle.
// ok is false for statuses that only get logged (queued, initiated).
// "completed" maps to completed; callers decide what that means for a
// call whose media stream is still owned by a relay.
func ParseProviderStatus(s string) (Status, bool) {
	switch s {
	case "ringing":
		return StatusRinging, true
	case "in-progress", "answered":
		return StatusAnswered, true
	case "completed":
		return StatusCompleted, true
	case "busy", "no-answer", "canceled", "failed":
		return StatusFailed, true
	default:
		return "", false
	}
}
