package insertblock

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ShardSubmitter dispatches one shard's finalized blocks to the
// transport layer (spec §6's "process_sql(req)" collaborator, narrowed
// to the insert path).
type ShardSubmitter interface {
	SubmitShard(ctx context.Context, batch ShardBatch) error
}

// SubmitAsync fans a.MergeByShard() out across one goroutine per
// destination shard (spec §6: "an async variant that fans out one
// submission per destination shard"), grounded on the teacher's
// internal/batch worker-pool pattern. It returns the first error
// encountered, if any, after every shard's submission has completed.
func SubmitAsync(ctx context.Context, a *Assembler, sub ShardSubmitter) error {
	batches := a.MergeByShard()
	g, ctx := errgroup.WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			return sub.SubmitShard(ctx, batch)
		})
	}
	return g.Wait()
}
