package insertblock

import (
	"context"
	"sync"
	"testing"
)

type recordingSubmitter struct {
	mu        sync.Mutex
	seen      []uint32
	failShard uint32
}

func (r *recordingSubmitter) SubmitShard(ctx context.Context, batch ShardBatch) error {
	r.mu.Lock()
	r.seen = append(r.seen, batch.ShardID)
	r.mu.Unlock()
	if batch.ShardID == r.failShard {
		return errShardFailed
	}
	return nil
}

type submitErr string

func (e submitErr) Error() string { return string(e) }

const errShardFailed = submitErr("shard submission failed")

func TestSubmitAsyncFansOutPerShard(t *testing.T) {
	a := NewAssembler()
	a.GetOrCreateBlock(1, 0, 1, 8, 2).AppendRow(row(10, 8))
	a.GetOrCreateBlock(2, 1, 1, 8, 2).AppendRow(row(20, 8))
	a.GetOrCreateBlock(3, 2, 1, 8, 2).AppendRow(row(30, 8))

	sub := &recordingSubmitter{failShard: 99}
	if err := SubmitAsync(context.Background(), a, sub); err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}
	if len(sub.seen) != 3 {
		t.Fatalf("got %d shard submissions, want 3", len(sub.seen))
	}
}

func TestSubmitAsyncPropagatesError(t *testing.T) {
	a := NewAssembler()
	a.GetOrCreateBlock(1, 0, 1, 8, 2).AppendRow(row(10, 8))
	a.GetOrCreateBlock(2, 1, 1, 8, 2).AppendRow(row(20, 8))

	sub := &recordingSubmitter{failShard: 1}
	if err := SubmitAsync(context.Background(), a, sub); err == nil {
		t.Fatalf("expected error from shard 1")
	}
}
