package compiler

import (
	"context"
	"sync"
)

// Queue serializes all compilations through one critical section. This is
// not a correctness requirement: the underlying compiler keeps a warm
// process cache that sequential requests hit far more often. Discovery and
// execution still run concurrently across files.
type Queue struct {
	mu sync.Mutex
	c  Compiler
}

func NewQueue(c Compiler) *Queue {
	return &Queue{c: c}
}

func (q *Queue) Compile(ctx context.Context, req Request) (*Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return q.c.Compile(ctx, req)
}
