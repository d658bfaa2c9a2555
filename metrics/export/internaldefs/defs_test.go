package internaldefs

import (
	"strings"
	"testing"
)

func TestCumulativeBuckets(t *testing.T) {
	got := Cumulative([]uint64{1, 2, 3})
	want := [BucketCount]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDefinitionsAreUnique(t *testing.T) {
	seen := map[string]bool{AuditDroppedName: true}
	for _, def := range CounterDefs {
		if seen[def.Name] {
			t.Fatalf("duplicate metric name %q", def.Name)
		}
		if !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("counter %q must end in _total", def.Name)
		}
		seen[def.Name] = true
	}
	for _, def := range HistogramDefs {
		if seen[def.Name] {
			t.Fatalf("duplicate metric name %q", def.Name)
		}
		seen[def.Name] = true
	}
}

func TestCumulativeIgnoresExtraBuckets(t *testing.T) {
	got := Cumulative([]uint64{1, 1, 1, 1, 1, 1, 1, 1, 100})
	if got[BucketCount-1] != 8 {
		t.Fatalf("expected total 8, got %d", got[BucketCount-1])
	}
}

func TestBucketSuffix(t *testing.T) {
	want := []string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}
	if len(want) != BucketCount {
		t.Fatalf("expected %d buckets, got %d", len(want), BucketCount)
	}
	for i, w := range want {
		if got := BucketSuffix(i); got != w {
			t.Fatalf("BucketSuffix(%d) = %q, want %q", i, got, w)
		}
	}
}
