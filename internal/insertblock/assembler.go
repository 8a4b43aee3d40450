package insertblock

// Assembler holds the in-progress Block for each destination table
// within one insert statement (spec §4.4 get_or_create_block).
type Assembler struct {
	blocks map[int64]*Block
	order  []int64 // first-seen table_uid order, for deterministic MergeByShard output
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{blocks: make(map[int64]*Block)}
}

// GetOrCreateBlock returns the Block for tableUID, creating it with
// the given shard, schema version, row width, and initial row
// capacity on first use.
func (a *Assembler) GetOrCreateBlock(tableUID int64, shardID uint32, sversion int32, rowSize, initialSize int) *Block {
	if b, ok := a.blocks[tableUID]; ok {
		return b
	}
	b := newBlock(tableUID, shardID, sversion, rowSize, initialSize)
	a.blocks[tableUID] = b
	a.order = append(a.order, tableUID)
	return b
}

// ShardBatch groups the finalized blocks destined for one shard (spec
// §4.4 merge_by_shard: "group parsed rows per destination shard").
type ShardBatch struct {
	ShardID uint32
	Blocks  []SubmitBlock
}

// MergeByShard finalizes every block the assembler is holding and
// groups the results by destination shard, in the order shards were
// first encountered.
func (a *Assembler) MergeByShard() []ShardBatch {
	var shardOrder []uint32
	byShard := make(map[uint32][]SubmitBlock)

	for _, uid := range a.order {
		b := a.blocks[uid]
		sb := Finalize(b)
		if _, ok := byShard[sb.ShardID]; !ok {
			shardOrder = append(shardOrder, sb.ShardID)
		}
		byShard[sb.ShardID] = append(byShard[sb.ShardID], sb)
	}

	batches := make([]ShardBatch, 0, len(shardOrder))
	for _, sid := range shardOrder {
		batches = append(batches, ShardBatch{ShardID: sid, Blocks: byShard[sid]})
	}
	return batches
}
