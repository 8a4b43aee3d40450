// Command tsjoin is a demo driver for the join execution core: it
// builds a small in-memory fake of two sharded tables, runs a
// two-table join through the full TS-Buffer/Intersector/Coordinator
// pipeline, and prints the result.
//
// Grounded on the teacher's cmd/distri (flag-based CLI, log.Printf
// status reporting, distri.InterruptibleContext-style signal
// handling) and internal/batch.go's isTerminal/go-isatty pattern for
// deciding whether to print a live progress line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/distr1/tsjoin"
	"github.com/distr1/tsjoin/internal/intersect"
	"github.com/distr1/tsjoin/internal/join"
	"github.com/distr1/tsjoin/internal/rowparse"
	"github.com/distr1/tsjoin/internal/subquery"
	"github.com/distr1/tsjoin/internal/subquery/fakenode"
	"github.com/distr1/tsjoin/internal/tmpfile"
)

var (
	rowsPerSide = flag.Int("rows", 5, "number of rows to generate per side of the demo join")
	limit       = flag.Int64("limit", -1, "LIMIT applied during intersection, or -1 for unlimited")
	offset      = flag.Int64("offset", 0, "OFFSET applied during intersection")
	debug       = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
)

var isTerminal = isatty.IsTerminal(os.Stdout.Fd())

func progress(msg string) {
	if !isTerminal {
		return
	}
	fmt.Fprintf(os.Stderr, "\r\033[K%s", msg)
}

func buildDemoNode(n int) *fakenode.Node {
	node := fakenode.New()
	schema := subquery.SchemaInfo{Columns: []rowparse.Column{{Type: rowparse.Timestamp, Bytes: 8}}}

	rowsA := make([]fakenode.Row, 0, n)
	rowsB := make([]fakenode.Row, 0, n)
	for i := 0; i < n; i++ {
		ts := int64(i) * 1000
		rowsA = append(rowsA, fakenode.Row{Tag: 1, TS: ts, Columns: tsBytes(ts)})
		// Side B only overlaps on even indices, to produce a partial match.
		if i%2 == 0 {
			rowsB = append(rowsB, fakenode.Row{Tag: 1, TS: ts, Columns: tsBytes(ts)})
		}
	}
	node.AddTable("sensors_a", schema, map[uint32][]fakenode.Row{0: rowsA})
	node.AddTable("sensors_b", schema, map[uint32][]fakenode.Row{0: rowsB})
	return node
}

func tsBytes(ts int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(ts >> (8 * i))
	}
	return b
}

func run(ctx context.Context) error {
	node := buildDemoNode(*rowsPerSide)
	submitter := node.WithTable(0, "sensors_a").Bind(1, "sensors_b")

	scratchDir, err := os.MkdirTemp("", "tsjoin-")
	if err != nil {
		return err
	}
	tsjoin.RegisterAtExit(func() error { return os.RemoveAll(scratchDir) })
	alloc := tmpfile.NewDir(scratchDir)

	policy := intersect.Policy{Offset: *offset, Limit: *limit, Apply: true}
	coord := join.New(submitter, node, alloc, tsjoin.OrderAsc, policy, join.Plan{})

	progress("running join...")
	start := time.Now()
	res, err := coord.Fetch(ctx, "sensors_a", "sensors_b", 0, 0)
	if isTerminal {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}
	if res.ErrCode != 0 {
		return fmt.Errorf("join failed with code %d", res.ErrCode)
	}

	log.Printf("join matched %d rows in %v (ts range [%d, %d])", res.Matched, time.Since(start), res.TSMin, res.TSMax)
	log.Printf("side A rows: %d, side B rows: %d", len(res.Rows[0]), len(res.Rows[1]))
	return nil
}

func main() {
	flag.Parse()
	ctx, cancel := tsjoin.InterruptibleContext()
	defer cancel()

	if err := run(ctx); err != nil {
		if *debug {
			log.Fatalf("%+v", err)
		}
		log.Fatal(err)
	}
	if err := tsjoin.RunAtExit(); err != nil {
		log.Fatal(err)
	}
}
