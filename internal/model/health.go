package model

import "time"

// HealthStatus is the normalized outcome of one connector health check.
type HealthStatus string

const (
	HealthOK             HealthStatus = "ok"
	HealthFailed         HealthStatus = "failed"
	HealthNotImplemented HealthStatus = "not_implemented"
	HealthUnreachable    HealthStatus = "unreachable"
)

// HealthResult is the outcome for one platform.
type HealthResult struct {
	Status    HealthStatus  `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// HealthReport aggregates one sweep, keyed by platform name.
type HealthReport struct {
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	Results    map[string]HealthResult `json:"results"`
}

// Counts returns the number of results per status.
func (r HealthReport) Counts() map[HealthStatus]int {
	out := make(map[HealthStatus]int, 4)
	for _, res := range r.Results {
		out[res.Status]++
	}
	return out
}
