package worker

import (
	"fmt"
	"sync/atomic"
)

// Assignment policy names accepted by PolicyByName.
const (
	PolicyRoundRobin  = "round_robin"
	PolicyLeastLoaded = "least_loaded"
)

// AssignmentPolicy picks the worker that will own a new connection. The
// choice is final: connections are never rebalanced.
type AssignmentPolicy interface {
	Next(workers []*Worker) *Worker
}

// RoundRobin hands connections to workers in turn.
type RoundRobin struct {
	next atomic.Uint64
}

// NewRoundRobin returns a policy starting at worker 0.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Next returns the worker after the one picked last.
func (p *RoundRobin) Next(workers []*Worker) *Worker {
	n := p.next.Add(1) - 1
	return workers[n%uint64(len(workers))]
}

// LeastLoaded picks the worker with the fewest connections, lowest index
// first on ties. Connections count from assignment, so a burst accepted
// before any registration runs still spreads across workers.
type LeastLoaded struct{}

// Next returns the worker with the lowest Load.
func (LeastLoaded) Next(workers []*Worker) *Worker {
	best := workers[0]
	for _, w := range workers[1:] {
		if w.Load() < best.Load() {
			best = w
		}
	}
	return best
}

// PolicyByName returns the policy for a configuration value. The empty
// string selects round-robin.
func PolicyByName(name string) (AssignmentPolicy, error) {
	switch name {
	case "", PolicyRoundRobin:
		return NewRoundRobin(), nil
	case PolicyLeastLoaded:
		return LeastLoaded{}, nil
	default:
		return nil, fmt.Errorf("unknown assignment policy %q", name)
	}
}
