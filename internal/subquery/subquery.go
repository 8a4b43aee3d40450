// Package subquery declares the collaborator interfaces the join
// coordinator drives but does not itself implement: submitting a
// prepared subquery to the transport layer and looking up table
// schema (spec §6, explicitly out of scope as anything but an
// interface: "process_sql(req)", "get_meter_meta(name) -> SchemaInfo").
//
// Grounded on the teacher's internal/repo package, which likewise
// defines a narrow interface (Reader) that the rest of the tree
// depends on without caring which concrete backend (HTTP, local disk)
// implements it.
package subquery

import (
	"context"

	"github.com/distr1/tsjoin"
	"github.com/distr1/tsjoin/internal/rowparse"
	"github.com/distr1/tsjoin/internal/tsbuffer"
)

// Stage distinguishes the two phases of the join (spec §2).
type Stage int

const (
	StageFirst Stage = iota + 1
	StageSecond
)

// TimestampColumn and TagColumn are Projection sentinels standing in
// for columns that don't come from the parent's expression list: an
// aggregation-window timestamp injected by the coordinator, and a
// super-table side's join-tag column (spec §4.5 "Second-stage
// launch": "injects a timestamp projection when aggregation windowing
// is present, and binds the join-tag column for super-table sides").
const (
	TimestampColumn = -1
	TagColumn       = -2
)

// Request describes one fetch against one shard of one side of the
// join. First-stage requests are configured to return only
// timestamp-compressed triples; second-stage requests return full
// column rows narrowed to a matched timestamp set.
type Request struct {
	SubIndex int // which side of the join (0 or 1)
	Stage    Stage
	ShardID  uint32

	// Matched carries the intersected timestamps a second-stage
	// request must narrow its result to; nil for first-stage.
	Matched *tsbuffer.Buffer

	// Projection lists, in order, the columns a second-stage request
	// must return for this side: the parent's rewritten expression
	// list, plus TimestampColumn/TagColumn when the coordinator's join
	// Plan calls for them (spec §4.5 "Second-stage launch"). Unset for
	// first-stage requests, and never sent at all for a side whose
	// projection list came up empty (spec: "drops subqueries whose
	// projection list is empty").
	Projection []int
}

// Result is what a Submitter reports back per callback invocation. A
// subquery may call back multiple times before EOF (spec §4.5: "on
// first-stage data arrival ... reopen a fresh scratch file and
// re-issue a fetch").
type Result struct {
	// Triples holds decoded (tag, ts) rows for a first-stage result
	// (ShardID is implied by the Request that produced it).
	Triples []tsjoin.Triple

	// Rows holds raw fixed-width column rows for a second-stage
	// result.
	Rows [][]byte

	EOF bool

	// MoreShards and NextShard implement super-table projection shard
	// iteration (spec §4.5, §9): when true, the coordinator re-issues
	// the fetch against NextShard instead of treating EOF as final.
	MoreShards bool
	NextShard  uint32

	// ErrCode is a transport-reported error code (spec §6 Remote);
	// zero means no error.
	ErrCode int32
}

// Callback is invoked once per Result; Submit may invoke it
// synchronously or from another goroutine.
type Callback func(Result)

// Submitter dispatches a prepared subquery and arranges for cb to run
// on each result, including every intermediate batch before EOF.
type Submitter interface {
	Submit(ctx context.Context, req Request, cb Callback)
}

// SchemaInfo is the subset of table-schema metadata the insert and
// join paths need.
type SchemaInfo struct {
	TableUID int64
	SVersion int32
	ShardID  uint32
	Columns  []rowparse.Column
}

// SchemaLookup resolves a table name to its schema (spec §6
// "get_meter_meta(name) -> SchemaInfo").
type SchemaLookup interface {
	GetMeterMeta(ctx context.Context, name string) (SchemaInfo, error)
}
