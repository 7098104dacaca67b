package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
	"github.com/aerogramme-go/aerogramme/internal/storage/kvmem"
)

func TestInitializeThenOpenRoundTrip(t *testing.T) {
	v := New(kvmem.New())
	ctx := context.Background()

	keys, err := v.Initialize(ctx, "user-secret", "hunter2")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	got, err := v.Open(ctx, "user-secret", "hunter2")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got.MK != keys.MK || got.SKPriv != keys.SKPriv {
		t.Fatal("Open did not recover the keys produced by Initialize")
	}
}

func TestInitializeTwiceConflicts(t *testing.T) {
	v := New(kvmem.New())
	ctx := context.Background()

	if _, err := v.Initialize(ctx, "us", "p1"); err != nil {
		t.Fatalf("first Initialize failed: %v", err)
	}
	if _, err := v.Initialize(ctx, "us", "p1"); !errors.Is(err, aeroerr.ErrConflict) {
		t.Fatalf("expected ErrConflict on second Initialize, got %v", err)
	}
}

func TestOpenWrongPasswordFails(t *testing.T) {
	v := New(kvmem.New())
	ctx := context.Background()

	if _, err := v.Initialize(ctx, "us", "p1"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := v.Open(ctx, "us", "wrong"); !errors.Is(err, aeroerr.ErrBadPassword) {
		t.Fatalf("expected ErrBadPassword, got %v", err)
	}
}

// TestMultiplePasswords is spec scenario S5.
func TestMultiplePasswords(t *testing.T) {
	v := New(kvmem.New())
	ctx := context.Background()

	keys, err := v.Initialize(ctx, "us", "p1")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := v.AddPassword(ctx, "us", "p1", "p2"); err != nil {
		t.Fatalf("AddPassword failed: %v", err)
	}

	k1, err := v.Open(ctx, "us", "p1")
	if err != nil {
		t.Fatalf("Open(p1) failed: %v", err)
	}
	k2, err := v.Open(ctx, "us", "p2")
	if err != nil {
		t.Fatalf("Open(p2) failed: %v", err)
	}
	if k1.MK != keys.MK || k2.MK != keys.MK || k1.SKPriv != k2.SKPriv {
		t.Fatal("both passwords must decrypt to the same keys")
	}

	salt, err := v.Salt(ctx)
	if err != nil {
		t.Fatalf("Salt failed: %v", err)
	}
	if err := v.RemovePassword(ctx, salt, "p1", false); err != nil {
		t.Fatalf("RemovePassword failed: %v", err)
	}

	if _, err := v.Open(ctx, "us", "p1"); !errors.Is(err, aeroerr.ErrBadPassword) {
		t.Fatalf("expected ErrBadPassword for removed slot, got %v", err)
	}
	if _, err := v.Open(ctx, "us", "p2"); err != nil {
		t.Fatalf("Open(p2) should still succeed: %v", err)
	}
}

func TestRemovePasswordRefusesLastSlot(t *testing.T) {
	v := New(kvmem.New())
	ctx := context.Background()

	if _, err := v.Initialize(ctx, "us", "p1"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	salt, err := v.Salt(ctx)
	if err != nil {
		t.Fatalf("Salt failed: %v", err)
	}
	if err := v.RemovePassword(ctx, salt, "p1", false); err == nil {
		t.Fatal("expected refusal to remove the last password slot")
	}
	if err := v.RemovePassword(ctx, salt, "p1", true); err != nil {
		t.Fatalf("force removal should succeed: %v", err)
	}
}

func TestPublicOnlySealRoundTrip(t *testing.T) {
	v := New(kvmem.New())
	ctx := context.Background()

	keys, err := v.Initialize(ctx, "us", "p1")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	pubCap, err := v.PublicOnly(ctx)
	if err != nil {
		t.Fatalf("PublicOnly failed: %v", err)
	}

	sealed, err := pubCap.Seal([]byte("hello inbox"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	plain, err := OpenSealed(keys.SKPriv, sealed)
	if err != nil {
		t.Fatalf("OpenSealed failed: %v", err)
	}
	if string(plain) != "hello inbox" {
		t.Fatalf("expected 'hello inbox', got %q", plain)
	}
}
