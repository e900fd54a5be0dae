package domain

import "time"

// RequestHandle records one outstanding asynchronous provider request. A job
// in awaiting_callback has exactly one. The handle is persisted before the
// job suspends so a crash between submission and suspension never orphans
// the external request.
type RequestHandle struct {
	ID         string
	Provider   string
	ExternalID string
	JobID      string
	Step       Step
	IssuedAt   time.Time
	Deadline   time.Time
}

// Expired reports whether the callback window has closed.
func (h *RequestHandle) Expired(now time.Time) bool {
	return now.After(h.Deadline)
}
