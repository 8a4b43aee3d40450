package join

import "github.com/distr1/tsjoin/internal/tsbuffer"

// firstStageSupporter tracks one side's first-stage fetch progress:
// the shard currently being drained and the TS-Buffer accumulating
// every triple seen across shards (spec §4.5 SJoinSupporter).
type firstStageSupporter struct {
	index   int
	shardID uint32
	buf     *tsbuffer.Buffer
}

// secondStageSupporter tracks one side's second-stage fetch progress:
// the matched-timestamp TS-Buffer handed to the subquery, the shard
// currently being drained, and the full column rows collected so far.
type secondStageSupporter struct {
	index   int
	shardID uint32
	buf     *tsbuffer.Buffer
	rows    [][]byte
}
