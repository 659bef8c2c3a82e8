package utils

import (
	"context"
	"sync"
)

type CompletedTask[T any] struct {
	Index  int
	Result T
	Error  error
}

// RunInPool applies worker to every input with at most maxWorkers running at
// once and returns the results in input order. Inputs not yet started when
// ctx is cancelled complete with ctx.Err().
func RunInPool[In any, Out any](ctx context.Context, inputs []In, maxWorkers int, worker func(context.Context, In) (Out, error)) []CompletedTask[Out] {
	completed := make([]CompletedTask[Out], len(inputs))
	if len(inputs) == 0 {
		return completed
	}

	queue := make(chan int, len(inputs))
	for i := range inputs {
		queue <- i
	}
	close(queue)

	workers := max(1, min(len(inputs), maxWorkers))

	wg := sync.WaitGroup{}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()

			for idx := range queue {
				if err := ctx.Err(); err != nil {
					completed[idx] = CompletedTask[Out]{Index: idx, Error: err}
					continue
				}

				res, err := worker(ctx, inputs[idx])
				completed[idx] = CompletedTask[Out]{Index: idx, Result: res, Error: err}
			}
		}()
	}
	wg.Wait()

	return completed
}
