package worker

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Pool runs submitted jobs on a bounded number of goroutines.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Go blocks until a slot is free or ctx is done, then runs fn in its own
// goroutine. It reports false if ctx ended before fn was started. Callers
// that need to wait for fn track it themselves.
func (p *Pool) Go(ctx context.Context, name string, fn func(ctx context.Context)) bool {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	go func() {
		defer func() { <-p.sem }()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("job", name).Interface("panic", r).Msg("worker job panicked")
			}
		}()
		fn(ctx)
	}()
	return true
}
