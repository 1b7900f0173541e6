package syncer

// Outcome summarizes how a drain ended
type Outcome string

const (
	// OutcomeSucceeded means every attempted action reached done
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomePartiallyFailed means at least one action was marked failed
	OutcomePartiallyFailed Outcome = "partially_failed"
	// OutcomeNeedsReauth means the session expired and the drain stopped
	OutcomeNeedsReauth Outcome = "needs_reauth"
	// OutcomeBusy means another drain was already running
	OutcomeBusy Outcome = "busy"
	// OutcomeEmpty means there was nothing pending
	OutcomeEmpty Outcome = "empty"
	// OutcomeInterrupted means the context was cancelled mid-drain
	OutcomeInterrupted Outcome = "interrupted"
	// OutcomeStorageError means the local queue could not be read or updated
	OutcomeStorageError Outcome = "storage_error"
)

// Failure describes one action marked failed during a drain
type Failure struct {
	ActionID string
	Kind     string
	Reason   string
}

// Result is the overall result of a drain
type Result struct {
	Outcome   Outcome
	Recovered int
	Attempted int
	Done      int
	Failed    int
	Requeued  int
	Failures  []Failure
	Err       error
}

// NeedsReauth reports whether the user must sign in again before syncing
func (r Result) NeedsReauth() bool {
	return r.Outcome == OutcomeNeedsReauth
}
