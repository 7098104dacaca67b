package mailstore

import (
	"context"
	"testing"
	"time"

	"github.com/aerogramme-go/aerogramme/internal/bay"
	"github.com/aerogramme-go/aerogramme/internal/mailbox"
	"github.com/aerogramme-go/aerogramme/internal/storage/blobfs"
	"github.com/aerogramme-go/aerogramme/internal/storage/kvmem"
	"github.com/aerogramme-go/aerogramme/internal/vault"
)

// TestDepositLoginMoveLoad is spec scenario S6: a message deposited
// pre-auth via the public capability is later integrated into INBOX
// and loads back to the original bytes.
func TestDepositLoginMoveLoad(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	blob, err := blobfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobfs.New failed: %v", err)
	}

	v := vault.New(kv)
	keys, err := v.Initialize(ctx, "user-secret", "hunter2")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	pubCap, err := v.PublicOnly(ctx)
	if err != nil {
		t.Fatalf("PublicOnly failed: %v", err)
	}

	store := New(blob, kv)
	msg := []byte("From: a@example.com\r\nSubject: hi\r\n\r\nhello inbox")
	id, err := Deposit(ctx, blob, kv, pubCap, msg)
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pending, err := PollIncoming(pollCtx, kv, "")
	if err != nil {
		t.Fatalf("PollIncoming failed: %v", err)
	}
	if len(pending) != 1 || pending[0].UUID != id {
		t.Fatalf("expected exactly the deposited message pending, got %+v", pending)
	}

	inbox, err := mailbox.Open(ctx, "INBOX", bay.Deps{KV: kv, Blob: blob, MK: keys.MK, Config: bay.Config{}})
	if err != nil {
		t.Fatalf("mailbox.Open failed: %v", err)
	}

	if err := store.MoveToMailbox(ctx, pubCap, keys.SKPriv, pending[0], Summary{Subject: "hi"}, inbox); err != nil {
		t.Fatalf("MoveToMailbox failed: %v", err)
	}

	s := inbox.State()
	if len(s.I) != 1 {
		t.Fatalf("expected exactly one indexed message, got %d", len(s.I))
	}
	if _, present := s.I[id]; !present {
		t.Fatal("expected the deposited uuid to be indexed")
	}

	loaded, err := store.Load(ctx, keys.SKPriv, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(loaded) != string(msg) {
		t.Fatalf("round-tripped body mismatch: got %q", loaded)
	}
}
