package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aerogramme-go/aerogramme/internal/bay"
	"github.com/aerogramme-go/aerogramme/internal/storage/blobfs"
	"github.com/aerogramme-go/aerogramme/internal/storage/kvmem"
)

var testMK = [32]byte{9, 9, 9, 9}

func testDeps(t *testing.T, kv *kvmem.Store) bay.Deps {
	blob, err := blobfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobfs.New failed: %v", err)
	}
	return bay.Deps{
		KV:   kv,
		Blob: blob,
		MK:   testMK,
		Config: bay.Config{
			CheckpointEvery:      1000,
			CheckpointKeep:       2,
			ExternalizeThreshold: 1024,
		},
	}
}

// TestSequentialInsert is spec scenario S1: two messages deposited one
// after the other land at UIDs 1 and 2 with UIDVALIDITY unchanged.
func TestSequentialInsert(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	idx, err := Open(ctx, "mbox-s1", testDeps(t, kv))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	x, y := uuid.New(), uuid.New()
	if err := idx.AddMail(ctx, x); err != nil {
		t.Fatalf("AddMail(x) failed: %v", err)
	}
	if err := idx.AddMail(ctx, y); err != nil {
		t.Fatalf("AddMail(y) failed: %v", err)
	}

	s := idx.State()
	if s.V != 1 {
		t.Fatalf("expected UIDVALIDITY=1, got %d", s.V)
	}
	if s.I[x] != 1 || s.I[y] != 2 {
		t.Fatalf("expected UIDs 1,2, got %d,%d", s.I[x], s.I[y])
	}
	if s.N != 3 {
		t.Fatalf("expected UIDNEXT=3, got %d", s.N)
	}
}

// TestConcurrentInsertTriggersBump is spec scenario S2: two replicas
// each independently claim sequence value 2 for a distinct uuid; once
// merged, the later-applied op observes a stale claim and bumps
// UIDVALIDITY rather than silently colliding on imap_uid.
func TestConcurrentInsertTriggersBump(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()

	a, err := Open(ctx, "mbox-s2", testDeps(t, kv))
	if err != nil {
		t.Fatalf("Open (a) failed: %v", err)
	}
	b, err := Open(ctx, "mbox-s2", testDeps(t, kv))
	if err != nil {
		t.Fatalf("Open (b) failed: %v", err)
	}

	w, err := Open(ctx, "mbox-s2", testDeps(t, kv))
	if err != nil {
		t.Fatalf("Open (seed writer) failed: %v", err)
	}
	seed := uuid.New()
	if err := w.AddMail(ctx, seed); err != nil {
		t.Fatalf("seed AddMail failed: %v", err)
	}
	pollCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Refresh(pollCtx); err != nil {
		t.Fatalf("a.Refresh failed: %v", err)
	}
	pollCtx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	if err := b.Refresh(pollCtx2); err != nil {
		t.Fatalf("b.Refresh failed: %v", err)
	}

	y, z := uuid.New(), uuid.New()
	if err := a.AddMail(ctx, y); err != nil {
		t.Fatalf("a.AddMail(y) failed: %v", err)
	}
	if err := b.AddMail(ctx, z); err != nil {
		t.Fatalf("b.AddMail(z) failed: %v", err)
	}

	pollCtx3, cancel3 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel3()
	if err := a.Refresh(pollCtx3); err != nil {
		t.Fatalf("a.Refresh (converge) failed: %v", err)
	}
	pollCtx4, cancel4 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel4()
	if err := b.Refresh(pollCtx4); err != nil {
		t.Fatalf("b.Refresh (converge) failed: %v", err)
	}

	sa, sb := a.State(), b.State()
	if sa.V != sb.V || sa.S != sb.S || sa.N != sb.N {
		t.Fatalf("replicas diverged: a=%+v b=%+v", sa, sb)
	}
	if sa.V <= 1 {
		t.Fatalf("expected UIDVALIDITY bump after conflicting claim, got %d", sa.V)
	}
	if len(sa.I) != 3 {
		t.Fatalf("expected 3 indexed messages, got %d", len(sa.I))
	}
}

// TestFlagAddAfterDeleteIsNoop is spec scenario S3: a FlagAdd targeting
// a uuid already removed from the index is silently ignored rather
// than resurrecting or erroring.
func TestFlagAddAfterDeleteIsNoop(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	idx, err := Open(ctx, "mbox-s3", testDeps(t, kv))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	x := uuid.New()
	if err := idx.AddMail(ctx, x); err != nil {
		t.Fatalf("AddMail failed: %v", err)
	}
	if err := idx.DeleteMail(ctx, x); err != nil {
		t.Fatalf("DeleteMail failed: %v", err)
	}
	if err := idx.SetFlag(ctx, x, "\\Seen"); err != nil {
		t.Fatalf("SetFlag failed: %v", err)
	}

	s := idx.State()
	if _, present := s.I[x]; present {
		t.Fatal("expected x to remain absent from the index")
	}
	if _, present := s.F[x]; present {
		t.Fatal("expected FlagAdd on a deleted uuid to be a no-op")
	}
}

func TestResurrectionPreservesFlags(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	idx, err := Open(ctx, "mbox-resurrect", testDeps(t, kv))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	x := uuid.New()
	op := MailAdd(x, idx.NextClaim())
	s := idx.State()
	op.Apply(&s)
	s.F[x]["\\Seen"] = struct{}{}
	delete(s.F[x], RecentFlag)

	// Simulate a uuid that still carries flags in F surviving a replay
	// where I has already been cleared by a concurrent delete, then
	// being re-added: Apply must not reset its flags to \Recent.
	delete(s.I, x)
	again := MailAdd(x, 0)
	again.Apply(&s)
	if _, hasSeen := s.F[x]["\\Seen"]; !hasSeen {
		t.Fatal("expected \\Seen flag to survive resurrection")
	}
	if _, hasRecent := s.F[x][RecentFlag]; hasRecent {
		t.Fatal("resurrection must not reintroduce \\Recent once cleared")
	}
}
