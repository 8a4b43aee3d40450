package tscodec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]int64{
		nil,
		{100},
		{100, 200},
		{100, 200, 150}, // non-monotonic, still must round-trip
		{1, 1, 1, 1, 1},
		{-5, -3, 0, 3, 5},
		{1700000000000, 1700000000001, 1700000000050, 1700000009999},
	}
	for _, ts := range cases {
		ts := ts
		t.Run("", func(t *testing.T) {
			enc, err := Default.Compress(ts, nil)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			got, err := Default.Decompress(enc, uint32(len(ts)), nil)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if len(ts) == 0 {
				if len(got) != 0 {
					t.Fatalf("got %v, want empty", got)
				}
				return
			}
			if diff := cmp.Diff(ts, got); diff != "" {
				t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestZigzag(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 2, -2, 1 << 40, -(1 << 40)} {
		if got := unzigzag(zigzag(v)); got != v {
			t.Errorf("unzigzag(zigzag(%d)) = %d", v, got)
		}
	}
}
