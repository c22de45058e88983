package lien

// Status is the processing state of a lien record.
type Status string

// Lien record statuses. Records move forward through pending, processing, synced,
// mailer_sent and completed; failed is reachable from any non-terminal state.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSynced     Status = "synced"
	StatusMailerSent Status = "mailer_sent"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusProcessing, StatusSynced, StatusMailerSent, StatusCompleted, StatusFailed,
}

// Predecessors returns the statuses from which next may be reached.
func Predecessors(next Status) []Status {
	var out []Status
	for _, s := range Statuses {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusSynced, StatusPending, StatusFailed},
	StatusSynced:     {StatusMailerSent, StatusFailed},
	StatusMailerSent: {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSynced, StatusMailerSent, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is allowed.
// processing -> pending is the rollback taken when a ledger sync fails.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
