package constants

// RawStatus is the extraction status of a row in raw_listings.
type RawStatus string

// Stable values (store these exact strings in DB).
const (
	RawStatusUnclaimed RawStatus = "unclaimed" // waiting for a batch
	RawStatusClaimed   RawStatus = "claimed"   // included in a job descriptor
	RawStatusExtracted RawStatus = "extracted" // linked to a listing
)

// JobStatus is the canonical status for rows in batch_jobs.
type JobStatus string

const (
	JobStatusSubmitted  JobStatus = "submitted"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed" // terminal
	JobStatusFailed     JobStatus = "failed"    // terminal
	JobStatusExpired    JobStatus = "expired"   // terminal
	JobStatusCancelled  JobStatus = "cancelled" // terminal
)

// ActiveJobStatuses are the statuses the tracker still polls.
var ActiveJobStatuses = []JobStatus{JobStatusSubmitted, JobStatusInProgress}

// IsTerminal reports whether no further transition may leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusExpired, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusSubmitted, JobStatusInProgress:
		return true
	}
	return s.IsTerminal()
}

// CanTransitionTo reports whether a job in status s may move to next.
// Terminal statuses absorb everything; in_progress never goes back to submitted.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if !next.Valid() || s.IsTerminal() {
		return false
	}
	if s == JobStatusInProgress && next == JobStatusSubmitted {
		return false
	}
	return true
}

// JobStatusFromRemote maps a status reported by the batch API onto ours.
// Unknown values map to in_progress so the job keeps being polled.
func JobStatusFromRemote(remote string) JobStatus {
	switch remote {
	case "validating":
		return JobStatusSubmitted
	case "in_progress", "finalizing", "cancelling":
		return JobStatusInProgress
	case "completed":
		return JobStatusCompleted
	case "failed":
		return JobStatusFailed
	case "expired":
		return JobStatusExpired
	case "cancelled":
		return JobStatusCancelled
	}
	return JobStatusInProgress
}

// JobStatusStrings returns statuses as plain strings for SQL array params.
func JobStatusStrings(statuses []JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
