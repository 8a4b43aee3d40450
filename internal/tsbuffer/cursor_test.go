package tsbuffer

import (
	"path/filepath"
	"testing"

	"github.com/distr1/tsjoin"
)

func TestCursorEmptyBuffer(t *testing.T) {
	dir := t.TempDir()
	b, err := Create(filepath.Join(dir, "empty"), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer b.Close()

	cur := b.NewCursor(tsjoin.OrderAsc)
	if cur.NextPos() {
		t.Fatalf("NextPos on empty buffer returned true")
	}
	if _, ok := cur.GetElem(); ok {
		t.Fatalf("GetElem on empty buffer returned ok=true")
	}
}

func TestCursorSaveRestore(t *testing.T) {
	dir := t.TempDir()
	b, err := Create(filepath.Join(dir, "buf"), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer b.Close()

	if err := b.Append(0, 1, []int64{10, 20, 30}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	cur := b.NewCursor(tsjoin.OrderAsc)
	cur.NextPos()
	cur.NextPos()
	mid, ok := cur.GetElem()
	if !ok || mid.TS != 20 {
		t.Fatalf("GetElem after two NextPos = %v, ok=%v, want ts=20", mid, ok)
	}
	saved := cur.GetCursor()

	cur.NextPos()
	last, _ := cur.GetElem()
	if last.TS != 30 {
		t.Fatalf("GetElem after third NextPos = %v, want ts=30", last)
	}

	if err := cur.SetCursor(saved); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	restored, ok := cur.GetElem()
	if !ok || restored != mid {
		t.Fatalf("after SetCursor, GetElem = %v, want %v", restored, mid)
	}
}

func TestCursorResetPosKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	b, err := Create(filepath.Join(dir, "buf"), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer b.Close()
	if err := b.Append(0, 1, []int64{10, 20}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	cur := b.NewCursor(tsjoin.OrderDesc)
	cur.NextPos()
	cur.ResetPos()
	if cur.order != tsjoin.OrderDesc {
		t.Fatalf("ResetPos changed order to %v", cur.order)
	}
	if !cur.NextPos() {
		t.Fatalf("NextPos after ResetPos returned false")
	}
	elem, _ := cur.GetElem()
	if elem.TS != 20 {
		t.Fatalf("first elem after reset in Desc order = %v, want ts=20", elem)
	}
}
