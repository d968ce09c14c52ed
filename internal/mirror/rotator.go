// Package mirror spreads requests over a job's interchangeable tile servers.
package mirror

import (
	"errors"
	"sync"
)

// Rotator hands out mirror identifiers in round-robin order.
type Rotator struct {
	mu      sync.Mutex
	mirrors []string
	next    int
}

// NewRotator copies the mirror list. At least one entry is required; an empty
// string is a valid entry for templates without a {server} placeholder.
func NewRotator(mirrors []string) (*Rotator, error) {
	if len(mirrors) == 0 {
		return nil, errors.New("mirror: at least one mirror is required")
	}
	return &Rotator{mirrors: append([]string(nil), mirrors...)}, nil
}

// Next returns the mirror for the upcoming request.
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.mirrors[r.next]
	r.next = (r.next + 1) % len(r.mirrors)
	return m
}

// Len returns the number of configured mirrors.
func (r *Rotator) Len() int {
	return len(r.mirrors)
}
