// Package join implements the two-phase subquery state machine that
// drives the TS-Buffer and Intersector to execute a client-side join
// (spec C5), and funnels the stitched second-stage rows back to the
// parent caller.
//
// Grounded on original_source/src/client/src/tscJoinProcess.c's
// supporter/state-object pair (SJoinSupporter, the pending/numOfSub
// atomic pair checked in tscJoinQueryCallback) for the coordination
// shape, and on the teacher's internal/batch package for translating
// a pending-counter-plus-callback design into Go: batch.Run there
// uses golang.org/x/sync/errgroup's "first error wins, all workers
// still drain" discipline, which is the same shape as this package's
// "sticky error, last arriver always runs the fan-in step" rule.
package join

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/distr1/tsjoin"
	"github.com/distr1/tsjoin/internal/intersect"
	"github.com/distr1/tsjoin/internal/subquery"
	"github.com/distr1/tsjoin/internal/tmpfile"
	"github.com/distr1/tsjoin/internal/tsbuffer"
)

// sharedState is the one-per-join coordination object (spec §4.5:
// "{ pending: atomic u32, total: u32, err: atomic i32 }").
type sharedState struct {
	pending int32
	total   int32
	err     int32
}

func (s *sharedState) reset(total int32) {
	atomic.StoreInt32(&s.pending, 0)
	atomic.StoreInt32(&s.total, total)
}

// arrive increments pending and reports whether this call is the
// "last arriver" — the sole executor of the fan-in step (spec §5).
func (s *sharedState) arrive() bool {
	return atomic.AddInt32(&s.pending, 1) == atomic.LoadInt32(&s.total)
}

func (s *sharedState) setErr(code int32) {
	if code == 0 {
		code = -1
	}
	atomic.StoreInt32(&s.err, code)
}

// errCode returns the sticky error's absolute value: the caller never
// sees the signed internal code (spec §8 scenario 6: "released once
// with result code |-42|"; original_source/src/client/src/tscJoinProcess.c:364,505
// does the same abs() before assigning pSqlObj->res.code).
func (s *sharedState) errCode() int32 {
	code := atomic.LoadInt32(&s.err)
	if code < 0 {
		return -code
	}
	return code
}

// ExprSource names where one output column comes from: a (subquery,
// column) pair (spec §4.5 "output-column-index map"). In a Plan's
// Output list, ColIndex is a column index into that side's original
// schema; in a Result's ColumnMap, ColIndex has been rewritten to the
// column's position within that side's second-stage Projection.
type ExprSource struct {
	SubIndex int
	ColIndex int
}

// Plan is the parent query's second-stage launch plan (spec §4.5
// "Second-stage launch"): which schema columns its output expressions
// draw from each side, whether aggregation windowing requires an
// injected timestamp column, and which sides are super-table
// projections requiring their join-tag column bound in.
type Plan struct {
	// Output lists the parent's output expressions in order, each
	// naming the side and original schema column it projects.
	Output []ExprSource

	// Windowed injects TimestampColumn into every surviving side's
	// projection, regardless of Output.
	Windowed bool

	// SuperTable marks which sides are super-table projections,
	// injecting TagColumn into that side's projection.
	SuperTable [2]bool
}

// sidePlan is one side's rewritten second-stage projection: the
// deduplicated column list to request, and whether the side survives
// at all (spec: "drops subqueries whose projection list is empty").
type sidePlan struct {
	columns []int
	active  bool
}

// buildSidePlans rewrites plan into each side's Projection (spec
// §4.5's expression-list rewrite, timestamp injection, and join-tag
// binding), in preparation for second-stage launch.
func buildSidePlans(plan Plan) [2]sidePlan {
	var sides [2]sidePlan
	for _, ref := range plan.Output {
		sides[ref.SubIndex].columns = appendUniqueCol(sides[ref.SubIndex].columns, ref.ColIndex)
	}
	for i := range sides {
		if plan.Windowed {
			sides[i].columns = appendUniqueCol(sides[i].columns, subquery.TimestampColumn)
		}
		if plan.SuperTable[i] {
			sides[i].columns = appendUniqueCol(sides[i].columns, subquery.TagColumn)
		}
		sides[i].active = len(sides[i].columns) > 0
	}
	return sides
}

func appendUniqueCol(cols []int, col int) []int {
	for _, c := range cols {
		if c == col {
			return cols
		}
	}
	return append(cols, col)
}

func columnPosition(cols []int, col int) int {
	for i, c := range cols {
		if c == col {
			return i
		}
	}
	return -1
}

// Result is the parent-visible outcome of a join (spec §4.5
// "releases the parent" / §6 "fetch_block_from_subqueries").
type Result struct {
	// ErrCode is nonzero when the join failed; the sticky error's
	// code (spec §8 scenario 6: "released once with result code
	// |-42|").
	ErrCode int32

	TSMin, TSMax int64
	Matched      int64

	// Rows holds each side's second-stage rows, empty when the
	// intersection matched nothing or the join errored. Rows[i] is
	// nil for a side the Plan dropped entirely.
	Rows [2][][]byte

	// ColumnMap is the output-column-index map (spec §4.5): one entry
	// per Plan.Output expression, naming the (subquery, column)
	// position within that side's rewritten Projection that supplies
	// it. Empty when the join errored or matched nothing.
	ColumnMap []ExprSource
}

// Coordinator runs one two-sided join to completion (spec §4.5's
// state machine, §5's concurrency model).
type Coordinator struct {
	submit subquery.Submitter
	lookup subquery.SchemaLookup
	alloc  tmpfile.Allocator
	order  tsjoin.Order
	policy intersect.Policy
	plan   Plan

	state  sharedState
	first  [2]*firstStageSupporter
	second [2]*secondStageSupporter

	once   sync.Once
	done   chan struct{}
	result Result

	pendingTSMin, pendingTSMax, pendingMatched int64
	pendingColMap                              []ExprSource
	sideProjection                             [2]sidePlan
}

// New returns a Coordinator for one join. lookup is consulted once
// per side before the first fetch, purely to fail fast on an unknown
// table (spec §6's get_meter_meta collaborator) — the real plan
// rewrite it would otherwise inform is outside this package's scope.
// plan drives second-stage launch (spec §4.5): a zero Plan projects
// column 0 from both sides, matching the pre-projection-rewrite
// behavior other callers may still rely on.
func New(submit subquery.Submitter, lookup subquery.SchemaLookup, alloc tmpfile.Allocator, order tsjoin.Order, policy intersect.Policy, plan Plan) *Coordinator {
	if plan.Output == nil {
		plan.Output = []ExprSource{{SubIndex: 0, ColIndex: 0}, {SubIndex: 1, ColIndex: 0}}
	}
	return &Coordinator{submit: submit, lookup: lookup, alloc: alloc, order: order, policy: policy, plan: plan, done: make(chan struct{})}
}

// Fetch blocks the caller until both sides' first-stage subqueries
// complete, the intersector runs, second-stage subqueries complete,
// and the parent is released — exactly once, regardless of callback
// interleaving (spec §8 invariant 7). tableA/tableB name the two
// joined tables (resolved via SchemaLookup before any fetch is
// issued); shardA/shardB are each side's starting shard.
func (c *Coordinator) Fetch(ctx context.Context, tableA, tableB string, shardA, shardB uint32) (Result, error) {
	if _, err := c.lookup.GetMeterMeta(ctx, tableA); err != nil {
		return Result{}, err
	}
	if _, err := c.lookup.GetMeterMeta(ctx, tableB); err != nil {
		return Result{}, err
	}

	pathA := c.alloc.Path("acc-a-")
	pathB := c.alloc.Path("acc-b-")
	bufA, err := tsbuffer.Create(pathA, true)
	if err != nil {
		return Result{}, err
	}
	bufB, err := tsbuffer.Create(pathB, true)
	if err != nil {
		bufA.Close()
		return Result{}, err
	}

	c.first[0] = &firstStageSupporter{index: 0, shardID: shardA, buf: bufA}
	c.first[1] = &firstStageSupporter{index: 1, shardID: shardB, buf: bufB}
	c.state.reset(2)

	for _, sup := range c.first {
		c.submitFirst(ctx, sup)
	}

	<-c.done
	return c.result, nil
}

func (c *Coordinator) submitFirst(ctx context.Context, sup *firstStageSupporter) {
	c.submit.Submit(ctx, subquery.Request{SubIndex: sup.index, Stage: subquery.StageFirst, ShardID: sup.shardID},
		func(res subquery.Result) { c.onFirstResult(ctx, sup, res) })
}

// onFirstResult implements spec §4.5's first-stage transition
// contract: data merges into the accumulating buffer and re-issues a
// fetch; EOF (with no further shards) arms the shared counter; an
// error sets the sticky code and arms the counter too, so the last
// arriver always runs regardless of which subqueries failed.
func (c *Coordinator) onFirstResult(ctx context.Context, sup *firstStageSupporter, res subquery.Result) {
	if res.ErrCode != 0 {
		c.state.setErr(res.ErrCode)
		c.arriveFirst(ctx)
		return
	}
	if !res.EOF {
		if err := c.mergeFirstData(sup, res.Triples); err != nil {
			c.state.setErr(-1)
			c.arriveFirst(ctx)
			return
		}
		if res.MoreShards {
			sup.shardID = res.NextShard
		}
		c.submitFirst(ctx, sup)
		return
	}
	if res.MoreShards {
		sup.shardID = res.NextShard
		c.submitFirst(ctx, sup)
		return
	}
	c.arriveFirst(ctx)
}

// mergeFirstData stages one batch of decoded triples to a raw scratch
// file (gzip-framed through pgzip once it's large enough to be worth
// it), reads it back, rebuilds it as a TS-Buffer, and merges that into
// the accumulator (spec §4.5: "append raw bytes to scratch file,
// close, re-open as TS-Buffer, and merge into the accumulating
// TS-Buffer").
func (c *Coordinator) mergeFirstData(sup *firstStageSupporter, triples []tsjoin.Triple) error {
	rawPath := c.alloc.Path("join-raw-")
	if err := writeScratch(rawPath, encodeTriples(triples)); err != nil {
		return err
	}
	defer os.Remove(rawPath)

	raw, err := readScratch(rawPath)
	if err != nil {
		return err
	}

	path := c.alloc.Path("join-")
	scratch, err := tsbuffer.Create(path, false)
	if err != nil {
		return err
	}
	for _, t := range decodeTriples(raw) {
		if err := scratch.Append(sup.shardID, t.Tag, []int64{t.TS}); err != nil {
			scratch.Close()
			return err
		}
	}
	if err := scratch.Close(); err != nil {
		return err
	}
	ro, err := tsbuffer.Open(path, true)
	if err != nil {
		return err
	}
	defer ro.Close()
	return sup.buf.Merge(ro, sup.shardID)
}

func (c *Coordinator) arriveFirst(ctx context.Context) {
	if c.state.arrive() {
		c.onAllFirstArrived(ctx)
	}
}

// onAllFirstArrived is the first stage's "last arriver" fan-in step:
// short-circuit on a sticky error, otherwise run the intersector and
// launch second-stage subqueries over the matched timestamps (spec
// §4.5).
func (c *Coordinator) onAllFirstArrived(ctx context.Context) {
	if code := c.state.errCode(); code != 0 {
		c.release(Result{ErrCode: code})
		return
	}

	outA, err := tsbuffer.Create(c.alloc.Path("isect-a-"), true)
	if err != nil {
		c.release(Result{ErrCode: -1})
		return
	}
	outB, err := tsbuffer.Create(c.alloc.Path("isect-b-"), true)
	if err != nil {
		c.release(Result{ErrCode: -1})
		return
	}

	isect, err := intersect.Run(c.first[0].buf, c.first[1].buf, c.order, outA, outB, c.policy)
	if err != nil {
		c.release(Result{ErrCode: -1})
		return
	}
	if isect.Count == 0 {
		outA.Close()
		outB.Close()
		c.release(Result{})
		return
	}

	// Second-stage launch (spec §4.5): rewrite each side's projection,
	// dropping a side whose resulting column list is empty — it
	// contributed to the join only via filter/tag in stage one and has
	// nothing left to project.
	sides := buildSidePlans(c.plan)
	c.pendingColMap = make([]ExprSource, len(c.plan.Output))
	for i, ref := range c.plan.Output {
		c.pendingColMap[i] = ExprSource{SubIndex: ref.SubIndex, ColIndex: columnPosition(sides[ref.SubIndex].columns, ref.ColIndex)}
	}
	c.sideProjection = sides

	bufs := [2]*tsbuffer.Buffer{outA, outB}
	active := 0
	for i, side := range sides {
		if side.active {
			active++
			c.second[i] = &secondStageSupporter{index: i, buf: bufs[i]}
		} else {
			bufs[i].Close()
		}
	}

	// Stash the matched range now; released once second stage drains.
	c.pendingTSMin, c.pendingTSMax, c.pendingMatched = isect.TSMin, isect.TSMax, isect.Count

	if active == 0 {
		c.release(Result{TSMin: isect.TSMin, TSMax: isect.TSMax, Matched: isect.Count, ColumnMap: c.pendingColMap})
		return
	}
	c.state.reset(int32(active))
	for _, sup := range c.second {
		if sup != nil {
			c.submitSecond(ctx, sup)
		}
	}
}

func (c *Coordinator) submitSecond(ctx context.Context, sup *secondStageSupporter) {
	req := subquery.Request{
		SubIndex:   sup.index,
		Stage:      subquery.StageSecond,
		ShardID:    sup.shardID,
		Matched:    sup.buf,
		Projection: c.sideProjection[sup.index].columns,
	}
	c.submit.Submit(ctx, req, func(res subquery.Result) { c.onSecondResult(ctx, sup, res) })
}

// onSecondResult mirrors the first-stage contract: data accumulates
// and re-issues a fetch, EOF (with no further shards) arms the
// counter, an error sets the sticky code and arms the counter too.
func (c *Coordinator) onSecondResult(ctx context.Context, sup *secondStageSupporter, res subquery.Result) {
	if res.ErrCode != 0 {
		c.state.setErr(res.ErrCode)
		c.arriveSecond(ctx)
		return
	}
	if !res.EOF {
		sup.rows = append(sup.rows, res.Rows...)
		if res.MoreShards {
			sup.shardID = res.NextShard
		}
		c.submitSecond(ctx, sup)
		return
	}
	if res.MoreShards {
		sup.shardID = res.NextShard
		c.submitSecond(ctx, sup)
		return
	}
	c.arriveSecond(ctx)
}

func (c *Coordinator) arriveSecond(ctx context.Context) {
	if c.state.arrive() {
		c.onAllSecondArrived()
	}
}

// onAllSecondArrived is the second stage's last-arriver step: compute
// the output-column-index map and release the parent exactly once
// (spec §4.5, §8 invariant 7).
func (c *Coordinator) onAllSecondArrived() {
	if code := c.state.errCode(); code != 0 {
		c.release(Result{ErrCode: code})
		return
	}
	var rows [2][][]byte
	for i, sup := range c.second {
		if sup != nil {
			rows[i] = sup.rows
		}
	}
	c.release(Result{
		TSMin:     c.pendingTSMin,
		TSMax:     c.pendingTSMax,
		Matched:   c.pendingMatched,
		Rows:      rows,
		ColumnMap: c.pendingColMap,
	})
}

// release unblocks Fetch with result, exactly once (spec §8 invariant
// 7: "parent is released exactly once").
func (c *Coordinator) release(result Result) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}
