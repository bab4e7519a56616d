package command

import (
	"context"
	"fmt"
)

// Queue buffers commands per priority tier before dispatch. Each tier is a
// bounded FIFO; a full tier rejects immediately instead of queueing without
// bound (backpressure, not buffering). High-priority commands never travel
// through the queue at all; the pipeline dispatches them out-of-band.
type Queue struct {
	normal chan Command
	low    chan Command
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{
		normal: make(chan Command, size),
		low:    make(chan Command, size),
	}
}

// Enqueue places a command in its tier, failing fast when the tier is full.
func (q *Queue) Enqueue(c Command) error {
	var ch chan Command
	switch c.Priority {
	case PriorityLow:
		ch = q.low
	default:
		ch = q.normal
	}
	select {
	case ch <- c:
		return nil
	default:
		return fmt.Errorf("%s queue full, command %s rejected", c.Priority, c.ID)
	}
}

// Dequeue blocks for the next command, preferring the normal tier over the
// low tier whenever both have work.
func (q *Queue) Dequeue(ctx context.Context) (Command, bool) {
	// Drain normal first without blocking.
	select {
	case c := <-q.normal:
		return c, true
	default:
	}
	select {
	case <-ctx.Done():
		return Command{}, false
	case c := <-q.normal:
		return c, true
	case c := <-q.low:
		return c, true
	}
}

// Len returns the number of queued commands across tiers.
func (q *Queue) Len() int {
	return len(q.normal) + len(q.low)
}
