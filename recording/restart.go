package recording

import "time"

// RestartPolicy decides how long to wait before restarting a capture process.
// With Max <= Base the delay is flat. Otherwise it doubles after every process
// that lived less than HealthyAfter, up to Max, and drops back to Base after a
// healthy run.
type RestartPolicy struct {
	Base         time.Duration
	Max          time.Duration
	HealthyAfter time.Duration
}

// Next returns the delay following prev for a process that lived for lived
func (p RestartPolicy) Next(prev, lived time.Duration) time.Duration {
	if p.Max <= p.Base {
		return p.Base
	}
	if prev <= 0 || lived >= p.HealthyAfter {
		return p.Base
	}
	next := prev * 2
	if next > p.Max {
		next = p.Max
	}
	return next
}
