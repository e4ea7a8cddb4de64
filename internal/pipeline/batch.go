package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/svi-fetch/internal/model"
	"golang.org/x/sync/errgroup"
)

// Failure pairs a batch item with the model.FailedUnit describing why it
// failed, so a stage's retry sweep can re-invoke fn on the same input
// without having to look it back up.
type Failure[In any] struct {
	Item In
	Unit model.FailedUnit
}

// BatchOutcome is the result of running one batch of items through a
// stage's worker pool: produced rows plus whichever items failed.
type BatchOutcome[In any, Out any] struct {
	Rows     []Out
	Failures []Failure[In]
}

// ToResult projects a finished BatchOutcome down to a model.BatchResult,
// dropping the original input items a retry sweep needs but a final
// summary or dead-letter record does not.
func (o BatchOutcome[In, Out]) ToResult() model.BatchResult[Out] {
	units := make([]model.FailedUnit, len(o.Failures))
	for i, f := range o.Failures {
		units[i] = f.Unit
	}
	return model.BatchResult[Out]{Rows: o.Rows, Failed: units}
}

// RunBatch runs fn concurrently over items, bounded by concurrency. A
// failing item never aborts the batch or the other items in flight;
// its error is captured as a Failure rather than propagated.
func RunBatch[In any, Out any](
	ctx context.Context,
	items []In,
	concurrency int,
	stage string,
	idFn func(In) string,
	fn func(context.Context, In) (Out, error),
) BatchOutcome[In, Out] {
	if concurrency <= 0 {
		concurrency = 20
	}

	var mu sync.Mutex
	var out BatchOutcome[In, Out]

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, item := range items {
		item := item
		g.Go(func() error {
			row, err := fn(gctx, item)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failures = append(out.Failures, Failure[In]{
					Item: item,
					Unit: model.FailedUnit{
						ID:        idFn(item),
						Stage:     stage,
						Reason:    err.Error(),
						Err:       err,
						Timestamp: time.Now(),
					},
				})
				return nil
			}
			out.Rows = append(out.Rows, row)
			return nil
		})
	}
	_ = g.Wait() // fn never returns a hard error here; failures are captured per-item above
	return out
}

// Batches splits items into fixed-size chunks of size n (n <= 0 means
// one batch holding everything).
func Batches[T any](items []T, n int) [][]T {
	if n <= 0 || len(items) == 0 {
		return [][]T{items}
	}
	var out [][]T
	for i := 0; i < len(items); i += n {
		end := i + n
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
