// Package intersect implements the sort-merge intersection of two
// TS-Buffers on (tag, ts) (spec C2), producing two narrowed output
// buffers plus the matched timestamp range.
//
// Grounded on original_source/src/client/src/tscJoinProcess.c's
// tsBufMerge/vnodeOriginal "merge" comment describing support for
// exactly two vnode/tag-ordered buffers, and the sort-merge shape
// itself is the natural Go analogue of a two-way k-way-merge; there is
// no example-pack library for this (it is pure domain algorithm), so
// it is hand-rolled like the teacher's own from-scratch algorithms in
// internal/squashfs (e.g. the FUSE directory-entry ordering logic).
package intersect

import (
	"github.com/distr1/tsjoin"
	"github.com/distr1/tsjoin/internal/tsbuffer"
)

// Policy carries the parent query's offset/limit, and whether it
// applies during intersection at all (spec §4.2: it does not for
// aggregated queries or queries against a super-table — those apply
// offset/limit downstream instead).
type Policy struct {
	Offset int64
	Limit  int64 // < 0 means unlimited
	Apply  bool
}

// Result is what Intersect produces: the two narrowed buffers (ready
// to drive second-stage subqueries) and the matched timestamp range.
type Result struct {
	OutA, OutB     *tsbuffer.Buffer
	TSMin, TSMax   int64
	Count          int64
}

// Run performs the sort-merge intersection of a and b in the given
// order, writing matches to outA/outB (already created by the caller,
// typically via an internal/tmpfile path), and closes a and b on
// return regardless of outcome (spec §4.2 step 4: "destroy inputs").
func Run(a, b *tsbuffer.Buffer, order tsjoin.Order, outA, outB *tsbuffer.Buffer, policy Policy) (Result, error) {
	defer a.Close()
	defer b.Close()

	curA := a.NewCursor(order)
	curB := b.NewCursor(order)
	okA := curA.NextPos()
	okB := curB.NextPos()

	var res Result
	res.OutA, res.OutB = outA, outB

	offset := policy.Offset
	var haveRange bool

	for okA && okB {
		elemA, _ := curA.GetElem()
		elemB, _ := curB.GetElem()

		switch {
		case elemA.Tag != elemB.Tag:
			if elemA.Tag < elemB.Tag {
				okA = curA.NextPos()
			} else {
				okB = curB.NextPos()
			}
			continue
		case elemA.TS != elemB.TS:
			aFirst := elemA.TS < elemB.TS
			if order == tsjoin.OrderDesc {
				aFirst = elemA.TS > elemB.TS
			}
			if aFirst {
				okA = curA.NextPos()
			} else {
				okB = curB.NextPos()
			}
			continue
		}

		// Match.
		if policy.Apply {
			if offset > 0 {
				offset--
				okA, okB = curA.NextPos(), curB.NextPos()
				continue
			}
			if policy.Limit >= 0 && res.Count >= policy.Limit {
				break
			}
		}

		if err := outA.Append(elemA.ShardID, elemA.Tag, []int64{elemA.TS}); err != nil {
			return res, err
		}
		if err := outB.Append(elemB.ShardID, elemB.Tag, []int64{elemB.TS}); err != nil {
			return res, err
		}
		if !haveRange || elemA.TS < res.TSMin {
			res.TSMin = elemA.TS
		}
		if !haveRange || elemA.TS > res.TSMax {
			res.TSMax = elemA.TS
		}
		haveRange = true
		res.Count++

		okA, okB = curA.NextPos(), curB.NextPos()
	}

	if err := finalize(outA); err != nil {
		return res, err
	}
	if err := finalize(outB); err != nil {
		return res, err
	}
	return res, nil
}

// finalize flushes an output buffer and, per spec §4.2's tie-break
// rule, coerces its order to Asc when fewer than two distinct
// timestamps were ever written to it (so its order never locked in).
func finalize(buf *tsbuffer.Buffer) error {
	if err := buf.Flush(); err != nil {
		return err
	}
	if buf.Order() == tsjoin.OrderUnset {
		buf.SetOrder(tsjoin.OrderAsc)
		return buf.Sync()
	}
	return nil
}
