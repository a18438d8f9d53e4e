package cli

import (
	"testing"

	"github.com/fragmesh/stornode/internal/signaling"
)

func entries(n int) []signaling.HashEntry {
	out := make([]signaling.HashEntry, n)
	for i := range out {
		out[i] = signaling.HashEntry{FragmentID: string(rune('a' + i)), Hash: "h"}
	}
	return out
}

func TestHashBatches(t *testing.T) {
	batches := hashBatches(entries(12), 5)

	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	for i, b := range batches {
		if b.Total != 3 {
			t.Errorf("batch %d total = %d, want 3", i, b.Total)
		}
	}
	if batches[0].Index != 0 || batches[1].Index != 5 || batches[2].Index != 10 {
		t.Errorf("unexpected batch offsets %d/%d/%d", batches[0].Index, batches[1].Index, batches[2].Index)
	}
	if len(batches[2].Resources) != 2 {
		t.Errorf("expected final batch of 2, got %d", len(batches[2].Resources))
	}
}

func TestHashBatchesExactMultiple(t *testing.T) {
	batches := hashBatches(entries(10), 5)
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if len(batches[0].Resources) != 5 || len(batches[1].Resources) != 5 {
		t.Error("expected two full batches")
	}
}

func TestHashBatchesEmpty(t *testing.T) {
	if batches := hashBatches(nil, 5); len(batches) != 0 {
		t.Errorf("expected no batches for empty inventory, got %d", len(batches))
	}
}
