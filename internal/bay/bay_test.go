package bay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aerogramme-go/aerogramme/internal/storage"
	"github.com/aerogramme-go/aerogramme/internal/storage/blobfs"
	"github.com/aerogramme-go/aerogramme/internal/storage/kvmem"
	"github.com/aerogramme-go/aerogramme/internal/timestamp"
)

// counterState and addOp are a minimal (State, Op) pair used only to
// exercise the engine mechanics (bootstrap, submit, refresh, rewind,
// checkpoint, GC) independent of any concrete domain instantiation.
type counterState struct {
	Total int
	Seen  []string
}

func (c counterState) Clone() counterState {
	seen := make([]string, len(c.Seen))
	copy(seen, c.Seen)
	return counterState{Total: c.Total, Seen: seen}
}

type addOp struct {
	N     int
	Label string
}

func (o addOp) Apply(s *counterState) {
	s.Total += o.N
	s.Seen = append(s.Seen, o.Label)
}

func seedCounter() counterState {
	return counterState{}
}

func testConfig() Config {
	return Config{CheckpointEvery: 1000, CheckpointKeep: 2, ExternalizeThreshold: 1024, GCQuarantine: 0}
}

var testMK = [32]byte{1, 2, 3, 4, 5, 6, 7, 8}

func TestSubmitAppliesLocally(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	blob, err := blobfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobfs.New failed: %v", err)
	}

	b, err := Open[counterState, addOp](ctx, "counter1", kv, blob, testMK, seedCounter, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := b.Submit(ctx, addOp{N: 1, Label: "a"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := b.Submit(ctx, addOp{N: 2, Label: "b"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	state := b.State()
	if state.Total != 3 {
		t.Fatalf("expected Total=3, got %d", state.Total)
	}
}

// TestConvergence exercises the universal Convergence property: two
// Bay instances over the same storage, once both have received the
// same ops (one writes, the other refreshes), hold equal State.
func TestConvergence(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	blob, err := blobfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobfs.New failed: %v", err)
	}

	writer, err := Open[counterState, addOp](ctx, "counter2", kv, blob, testMK, seedCounter, testConfig())
	if err != nil {
		t.Fatalf("Open (writer) failed: %v", err)
	}
	reader, err := Open[counterState, addOp](ctx, "counter2", kv, blob, testMK, seedCounter, testConfig())
	if err != nil {
		t.Fatalf("Open (reader) failed: %v", err)
	}

	if err := writer.Submit(ctx, addOp{N: 5, Label: "x"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := writer.Submit(ctx, addOp{N: 7, Label: "y"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := reader.Refresh(pollCtx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	ws, rs := writer.State(), reader.State()
	if ws.Total != rs.Total {
		t.Fatalf("diverged: writer.Total=%d reader.Total=%d", ws.Total, rs.Total)
	}
}

// TestCheckpointEquivalence is spec scenario S4's shape at the engine
// level: replaying from a checkpoint plus the remaining ops matches a
// full replay from empty.
func TestCheckpointEquivalence(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	blob, err := blobfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobfs.New failed: %v", err)
	}

	b, err := Open[counterState, addOp](ctx, "counter3", kv, blob, testMK, seedCounter, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i, label := range []string{"a", "b", "c"} {
		if err := b.Submit(ctx, addOp{N: i + 1, Label: label}); err != nil {
			t.Fatalf("Submit(%s) failed: %v", label, err)
		}
	}
	if err := b.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	if err := b.Submit(ctx, addOp{N: 10, Label: "d"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	full, err := Open[counterState, addOp](ctx, "counter3", kv, blob, testMK, seedCounter, testConfig())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	want, got := b.State(), full.State()
	if want.Total != got.Total {
		t.Fatalf("checkpoint+remaining replay diverged from full replay: want %d got %d", want.Total, got.Total)
	}
	if len(want.Seen) != len(got.Seen) {
		t.Fatalf("expected same op count, want %d got %d", len(want.Seen), len(got.Seen))
	}
}

// TestRewindOnLateOp checks that an op inserted with a timestamp
// earlier than an instance's cursor ends up in its causal position
// once a fresh instance bootstraps from the log; Refresh on the
// original instance does not surface it (see the comment below).
func TestRewindOnLateOp(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	blob, err := blobfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobfs.New failed: %v", err)
	}

	b, err := Open[counterState, addOp](ctx, "counter4", kv, blob, testMK, seedCounter, testConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	early := timestamp.Of(1000)
	late := timestamp.Of(2000)

	if err := writeRawOp(ctx, b, late, addOp{N: 100, Label: "late"}); err != nil {
		t.Fatalf("writeRawOp(late) failed: %v", err)
	}
	if err := b.Refresh(ctx); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if b.State().Total != 100 {
		t.Fatalf("expected Total=100 after late op, got %d", b.State().Total)
	}

	if err := writeRawOp(ctx, b, early, addOp{N: 1, Label: "early"}); err != nil {
		t.Fatalf("writeRawOp(early) failed: %v", err)
	}
	// PollNew only surfaces rows after the current cursor, so a real
	// writer never observes its own out-of-order row via Refresh; the
	// rewind rule is instead exercised by a fresh bootstrap, which
	// always full-replays every row in sort order regardless of when
	// each was written.
	reopened, err := Open[counterState, addOp](ctx, "counter4", kv, blob, testMK, seedCounter, testConfig())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.State().Total != 101 {
		t.Fatalf("expected Total=101 after full replay, got %d", reopened.State().Total)
	}
}

func writeRawOp(ctx context.Context, b *Bay[counterState, addOp], ts timestamp.Timestamp, op addOp) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}
	sealed := b.seal(payload)
	return b.kv.Insert(ctx, storage.Row{Partition: b.path, SortKey: ts.Hex(), Value: sealed})
}
