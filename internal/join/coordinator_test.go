package join

import (
	"context"
	"testing"

	"github.com/distr1/tsjoin"
	"github.com/distr1/tsjoin/internal/intersect"
	"github.com/distr1/tsjoin/internal/rowparse"
	"github.com/distr1/tsjoin/internal/subquery"
	"github.com/distr1/tsjoin/internal/subquery/fakenode"
	"github.com/distr1/tsjoin/internal/tmpfile"
)

func newAlloc(t *testing.T) tmpfile.Allocator {
	t.Helper()
	dir := t.TempDir()
	return tmpfile.NewDir(dir)
}

func col(ts int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(ts >> (8 * i))
	}
	return b
}

func schema() subquery.SchemaInfo {
	return subquery.SchemaInfo{Columns: []rowparse.Column{{Type: rowparse.Timestamp, Bytes: 8}}}
}

// Invariant 7 (spec §8): parent released exactly once under the
// data+EOF/data+EOF happy path, result carries the intersected range.
func TestCoordinatorHappyPath(t *testing.T) {
	node := fakenode.New()
	node.AddTable("a", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 10, Columns: col(10)}, {Tag: 1, TS: 20, Columns: col(20)}, {Tag: 1, TS: 30, Columns: col(30)}},
	})
	node.AddTable("b", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 20, Columns: col(20)}, {Tag: 1, TS: 30, Columns: col(30)}, {Tag: 1, TS: 40, Columns: col(40)}},
	})

	sub := node.WithTable(0, "a").Bind(1, "b")
	alloc := newAlloc(t)
	c := New(sub, node, alloc, tsjoin.OrderAsc, intersect.Policy{Limit: -1}, Plan{})

	res, err := c.Fetch(context.Background(), "a", "b", 0, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.ErrCode != 0 {
		t.Fatalf("ErrCode = %d, want 0", res.ErrCode)
	}
	if res.Matched != 2 {
		t.Fatalf("Matched = %d, want 2", res.Matched)
	}
	if res.TSMin != 20 || res.TSMax != 30 {
		t.Fatalf("range = [%d,%d], want [20,30]", res.TSMin, res.TSMax)
	}
	if len(res.Rows[0]) != 2 || len(res.Rows[1]) != 2 {
		t.Fatalf("Rows = %v", res.Rows)
	}
}

// errSubmitter always reports the given error code for one SubIndex
// and forwards everything else to a delegate, letting tests simulate
// scenario 6 (spec §8): "one subquery errors, its sibling has data."
type errSubmitter struct {
	errIndex int
	errCode  int32
	delegate subquery.Submitter
}

func (s errSubmitter) Submit(ctx context.Context, req subquery.Request, cb subquery.Callback) {
	if req.SubIndex == s.errIndex {
		cb(subquery.Result{ErrCode: s.errCode})
		return
	}
	s.delegate.Submit(ctx, req, cb)
}

// Scenario 6 (spec §8): subquery A errors with -42, subquery B has
// data; parent released once with |ErrCode|==42, no second stage.
func TestCoordinatorOneSideErrors(t *testing.T) {
	node := fakenode.New()
	node.AddTable("a", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 10, Columns: col(10)}},
	})
	node.AddTable("b", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 10, Columns: col(10)}},
	})

	sub := errSubmitter{errIndex: 0, errCode: -42, delegate: node.WithTable(0, "a").Bind(1, "b")}
	alloc := newAlloc(t)
	c := New(sub, node, alloc, tsjoin.OrderAsc, intersect.Policy{Limit: -1}, Plan{})

	res, err := c.Fetch(context.Background(), "a", "b", 0, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.ErrCode != 42 {
		t.Fatalf("ErrCode = %d, want 42", res.ErrCode)
	}
	if res.Rows[0] != nil || res.Rows[1] != nil {
		t.Fatalf("Rows should be empty on error, got %v", res.Rows)
	}
}

// No-match case: intersection empty, parent released with a zero
// Result and no second-stage subqueries launched.
func TestCoordinatorNoMatches(t *testing.T) {
	node := fakenode.New()
	node.AddTable("a", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 10, Columns: col(10)}},
	})
	node.AddTable("b", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 999, Columns: col(999)}},
	})

	sub := node.WithTable(0, "a").Bind(1, "b")
	alloc := newAlloc(t)
	c := New(sub, node, alloc, tsjoin.OrderAsc, intersect.Policy{Limit: -1}, Plan{})

	res, err := c.Fetch(context.Background(), "a", "b", 0, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.ErrCode != 0 || res.Matched != 0 {
		t.Fatalf("res = %+v, want empty match", res)
	}
}

func TestCoordinatorUnknownTable(t *testing.T) {
	node := fakenode.New()
	node.AddTable("a", schema(), map[uint32][]fakenode.Row{0: {{Tag: 1, TS: 10, Columns: col(10)}}})
	sub := node.WithTable(0, "a").Bind(1, "missing")
	alloc := newAlloc(t)
	c := New(sub, node, alloc, tsjoin.OrderAsc, intersect.Policy{Limit: -1}, Plan{})

	if _, err := c.Fetch(context.Background(), "a", "missing", 0, 0); err == nil {
		t.Fatalf("expected error for unknown table")
	}
}

// Second-stage launch (spec §4.5): a Plan whose Output draws only
// from side B drops side A's second-stage subquery entirely, and the
// output-column-index map records where the surviving expression's
// column lands in B's rewritten projection.
func TestCoordinatorSecondStageLaunchDropsEmptySide(t *testing.T) {
	node := fakenode.New()
	node.AddTable("a", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 10, Columns: col(10)}, {Tag: 1, TS: 20, Columns: col(20)}},
	})
	node.AddTable("b", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 10, Columns: col(10)}, {Tag: 1, TS: 20, Columns: col(20)}},
	})

	sub := node.WithTable(0, "a").Bind(1, "b")
	alloc := newAlloc(t)
	plan := Plan{Output: []ExprSource{{SubIndex: 1, ColIndex: 3}}}
	c := New(sub, node, alloc, tsjoin.OrderAsc, intersect.Policy{Limit: -1}, plan)

	res, err := c.Fetch(context.Background(), "a", "b", 0, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.ErrCode != 0 {
		t.Fatalf("ErrCode = %d, want 0", res.ErrCode)
	}
	if res.Rows[0] != nil {
		t.Fatalf("Rows[0] should be nil, side A's projection was empty: %v", res.Rows[0])
	}
	if len(res.Rows[1]) != 2 {
		t.Fatalf("Rows[1] = %v, want 2 rows", res.Rows[1])
	}
	if len(res.ColumnMap) != 1 || res.ColumnMap[0] != (ExprSource{SubIndex: 1, ColIndex: 0}) {
		t.Fatalf("ColumnMap = %v, want [{1 0}]", res.ColumnMap)
	}
}

// A Windowed plan injects a timestamp projection on every surviving
// side even when the side's Output list is otherwise empty, so it
// isn't dropped.
func TestCoordinatorSecondStageLaunchWindowedKeepsEmptySide(t *testing.T) {
	node := fakenode.New()
	node.AddTable("a", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 10, Columns: col(10)}},
	})
	node.AddTable("b", schema(), map[uint32][]fakenode.Row{
		0: {{Tag: 1, TS: 10, Columns: col(10)}},
	})

	sub := node.WithTable(0, "a").Bind(1, "b")
	alloc := newAlloc(t)
	plan := Plan{Output: []ExprSource{{SubIndex: 1, ColIndex: 0}}, Windowed: true}
	c := New(sub, node, alloc, tsjoin.OrderAsc, intersect.Policy{Limit: -1}, plan)

	res, err := c.Fetch(context.Background(), "a", "b", 0, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(res.Rows[0]) != 1 {
		t.Fatalf("Rows[0] = %v, want 1 row (kept alive by Windowed)", res.Rows[0])
	}
}
