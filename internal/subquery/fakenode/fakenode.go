// Package fakenode is an in-memory Submitter/SchemaLookup, standing
// in for the real wire-level transport and metadata cache the join
// core treats as external collaborators (spec §1 Non-goals). It backs
// the demo CLI and the join coordinator's tests.
//
// Grounded on the teacher's internal/distritest package (a fake
// filesystem root used in place of a real distri installation for
// tests) for the general shape of "a small in-memory double standing
// in for an expensive external dependency".
package fakenode

import (
	"context"
	"sort"
	"sync"

	"github.com/distr1/tsjoin"
	"github.com/distr1/tsjoin/internal/subquery"
)

// Row is one stored data row: a join key/tag, a primary timestamp,
// and its opaque column payload (used for second-stage results).
type Row struct {
	Tag     int64
	TS      int64
	Columns []byte
}

// Table is one fake table's rows, partitioned by shard.
type Table struct {
	Schema subquery.SchemaInfo
	Shards map[uint32][]Row
}

// Node is a fake cluster: a fixed set of named tables, each already
// partitioned by shard, that Submit reads from synchronously (no
// transport thread pool to model — every callback runs inline on the
// caller's goroutine).
type Node struct {
	mu     sync.Mutex
	tables map[string]*Table
}

// New returns an empty fake node.
func New() *Node {
	return &Node{tables: make(map[string]*Table)}
}

// AddTable registers a table's schema and rows.
func (n *Node) AddTable(name string, schema subquery.SchemaInfo, shards map[uint32][]Row) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tables[name] = &Table{Schema: schema, Shards: shards}
}

// GetMeterMeta implements subquery.SchemaLookup.
func (n *Node) GetMeterMeta(ctx context.Context, name string) (subquery.SchemaInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tables[name]
	if !ok {
		return subquery.SchemaInfo{}, errUnknownTable(name)
	}
	return t.Schema, nil
}

type errUnknownTable string

func (e errUnknownTable) Error() string { return "fakenode: unknown table " + string(e) }

// WithTable returns a Submitter that maps subIndex to the table name;
// the test/demo caller sets each SubIndex this way (or via Bind)
// before Submit is used for that index.
func (n *Node) WithTable(subIndex int, name string) *boundSubmitter {
	return &boundSubmitter{node: n, tables: map[int]string{subIndex: name}, delivered: make(map[deliveryKey]bool)}
}

// boundSubmitter is a Submitter bound to a fixed SubIndex -> table
// name mapping, letting Submit look up rows by request.SubIndex. It
// tracks, per (subIndex, shard, stage), whether it has already
// delivered that request's one batch of data — standing in for a
// real transport's finite stream of chunks, so that the coordinator's
// "re-issue a fetch after data" contract (spec §4.5) terminates
// instead of replaying the same rows forever.
type boundSubmitter struct {
	node   *Node
	tables map[int]string

	mu        sync.Mutex
	delivered map[deliveryKey]bool
}

type deliveryKey struct {
	subIndex int
	shardID  uint32
	stage    subquery.Stage
}

// Bind adds another SubIndex -> table name mapping and returns the
// same submitter, so a 2-way join can be built with one chained call.
func (s *boundSubmitter) Bind(subIndex int, name string) *boundSubmitter {
	s.tables[subIndex] = name
	return s
}

// Submit implements subquery.Submitter. The first call for a given
// (subIndex, shard, stage) delivers the requested shard's entire row
// set in one callback (or EOF when nothing matches); every later call
// for the same key reports EOF — this fake has no pagination, unlike a
// real transport's streamed blocks.
func (s *boundSubmitter) Submit(ctx context.Context, req subquery.Request, cb subquery.Callback) {
	name, ok := s.tables[req.SubIndex]
	if !ok {
		cb(subquery.Result{ErrCode: -1})
		return
	}
	s.node.mu.Lock()
	t, ok := s.node.tables[name]
	s.node.mu.Unlock()
	if !ok {
		cb(subquery.Result{ErrCode: -1})
		return
	}

	rows := t.Shards[req.ShardID]

	key := deliveryKey{subIndex: req.SubIndex, shardID: req.ShardID, stage: req.Stage}
	s.mu.Lock()
	already := s.delivered[key]
	s.delivered[key] = true
	s.mu.Unlock()
	if already {
		cb(subquery.Result{EOF: true})
		return
	}

	switch req.Stage {
	case subquery.StageFirst:
		triples := make([]tsjoin.Triple, len(rows))
		for i, r := range rows {
			triples[i] = tsjoin.Triple{ShardID: req.ShardID, Tag: r.Tag, TS: r.TS}
		}
		if len(triples) == 0 {
			cb(subquery.Result{EOF: true})
			return
		}
		cb(subquery.Result{Triples: triples})

	case subquery.StageSecond:
		// This fake delivers each row's whole Columns payload rather
		// than modeling per-column projection: req.Projection selects
		// which subqueries are asked at all (the coordinator never
		// submits a dropped side), but not which bytes come back.
		matched := make(map[int64]bool)
		if req.Matched != nil {
			cur := req.Matched.NewCursor(tsjoin.OrderAsc)
			for cur.NextPos() {
				elem, _ := cur.GetElem()
				matched[elem.TS] = true
			}
		}
		var out [][]byte
		sorted := append([]Row(nil), rows...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].TS < sorted[j].TS })
		for _, r := range sorted {
			if matched[r.TS] {
				out = append(out, r.Columns)
			}
		}
		if len(out) == 0 {
			cb(subquery.Result{EOF: true})
			return
		}
		cb(subquery.Result{Rows: out})
	}
}
