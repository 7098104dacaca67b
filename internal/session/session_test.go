package session

import (
	"context"
	"testing"
	"time"

	imap "github.com/emersion/go-imap"
	"github.com/google/uuid"

	"github.com/aerogramme-go/aerogramme/internal/bay"
	"github.com/aerogramme-go/aerogramme/internal/storage/blobfs"
	"github.com/aerogramme-go/aerogramme/internal/storage/kvmem"
	"github.com/aerogramme-go/aerogramme/internal/vault"
)

func TestAppendFetchStatusExpunge(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	blob, err := blobfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobfs.New failed: %v", err)
	}

	v := vault.New(kv)
	keys, err := v.Initialize(ctx, "us", "p1")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	pubCap, err := v.PublicOnly(ctx)
	if err != nil {
		t.Fatalf("PublicOnly failed: %v", err)
	}

	sess, err := Open(ctx, kv, blob, keys, pubCap, bay.Config{})
	if err != nil {
		t.Fatalf("session.Open failed: %v", err)
	}

	inbox, err := sess.Mailbox(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Mailbox(INBOX) failed: %v", err)
	}

	id, err := inbox.Append(ctx, []byte("hello"), time.Now())
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	status := inbox.Status([]imap.StatusItem{imap.StatusMessages, imap.StatusUidNext})
	if status.Messages != 1 {
		t.Fatalf("expected 1 message, got %d", status.Messages)
	}
	if status.UidNext != 2 {
		t.Fatalf("expected UIDNEXT=2, got %d", status.UidNext)
	}

	msgs, err := inbox.Fetch(ctx, []uint32{1}, []imap.FetchItem{imap.FetchUid, imap.FetchFlags})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Uid != 1 {
		t.Fatalf("expected one message with UID 1, got %+v", msgs)
	}

	if err := inbox.SetFlags(ctx, []uuid.UUID{id}, imap.AddFlags, []string{imap.DeletedFlag}); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	if err := inbox.Expunge(ctx); err != nil {
		t.Fatalf("Expunge failed: %v", err)
	}

	status = inbox.Status([]imap.StatusItem{imap.StatusMessages})
	if status.Messages != 0 {
		t.Fatalf("expected 0 messages after expunge, got %d", status.Messages)
	}
}

func TestMailboxListCreateAndOpen(t *testing.T) {
	ctx := context.Background()
	kv := kvmem.New()
	blob, err := blobfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobfs.New failed: %v", err)
	}

	v := vault.New(kv)
	keys, err := v.Initialize(ctx, "us", "p1")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	pubCap, err := v.PublicOnly(ctx)
	if err != nil {
		t.Fatalf("PublicOnly failed: %v", err)
	}

	sess, err := Open(ctx, kv, blob, keys, pubCap, bay.Config{})
	if err != nil {
		t.Fatalf("session.Open failed: %v", err)
	}

	if err := sess.CreateMailbox(ctx, "Archive"); err != nil {
		t.Fatalf("CreateMailbox failed: %v", err)
	}
	names := sess.ListMailboxes()
	if len(names) != 2 {
		t.Fatalf("expected 2 mailboxes, got %v", names)
	}

	if _, err := sess.Mailbox(ctx, "Archive"); err != nil {
		t.Fatalf("Mailbox(Archive) failed: %v", err)
	}
	if _, err := sess.Mailbox(ctx, "Nonexistent"); err == nil {
		t.Fatal("expected error opening a mailbox absent from the list")
	}
}
