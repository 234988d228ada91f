package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Run feeds job indexes 0..jobs-1 to a fixed number of workers and blocks
// until every worker has returned. Workers stop taking jobs once ctx is done;
// jobs never handed out are simply not run.
func Run(
	ctx context.Context,
	workers int,
	jobs int,
	logger *zap.Logger,
	handle func(ctx context.Context, workerID int, job int),
) {

	if jobs == 0 {
		return
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > jobs {
		workers = jobs
	}

	queue := make(chan int, jobs)
	for i := 0; i < jobs; i++ {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Debug("worker started", zap.Int("worker_id", id))

			for {
				select {

				case <-ctx.Done():
					logger.Info("worker shutting down", zap.Int("worker_id", id))
					return

				case job, ok := <-queue:
					if !ok {
						return
					}

					handle(ctx, id, job)
				}
			}
		}(i)
	}

	wg.Wait()
}
