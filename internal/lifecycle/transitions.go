package lifecycle

import "github.com/kylemclaren/claude-goals/internal/db"

var transitions = map[db.Status][]db.Status{
	db.StatusProposed:   {db.StatusAccepted, db.StatusCancelled},
	db.StatusAccepted:   {db.StatusInProgress, db.StatusCancelled},
	db.StatusInProgress: {db.StatusCompleted, db.StatusPaused, db.StatusCancelled, db.StatusExpired},
	db.StatusPaused:     {db.StatusInProgress, db.StatusCancelled, db.StatusExpired},
}

// activeStatuses count against an account's capacity.
var activeStatuses = []db.Status{db.StatusAccepted, db.StatusInProgress}

// expirableStatuses are the statuses in which expires_at is enforced.
var expirableStatuses = []db.Status{db.StatusAccepted, db.StatusInProgress, db.StatusPaused}

// openStatuses are every non-terminal status.
var openStatuses = []db.Status{db.StatusProposed, db.StatusAccepted, db.StatusInProgress, db.StatusPaused}

// CanTransition reports whether a task in from may move to to.
func CanTransition(from, to db.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from from. Terminal statuses
// return nil.
func NextStatuses(from db.Status) []db.Status {
	next := transitions[from]
	if len(next) == 0 {
		return nil
	}
	out := make([]db.Status, len(next))
	copy(out, next)
	return out
}
