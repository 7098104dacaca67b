// Package mailstore implements the Mail Storage component: content-
// addressed message bodies sealed under a user's asymmetric public
// key, a staging area for mail deposited before the owner is known to
// be logged in, and the move into a mailbox's UID Index once
// integrated. Its deposit-without-credentials shape is grounded on
// vault.Capability's anonymous seal, and its blob layout follows the
// teacher's content-addressed-by-uuid convention from
// internal/storage/memory/mailbox.go, generalized from an in-process
// map to the Storage Abstraction.
package mailstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
	"github.com/aerogramme-go/aerogramme/internal/mailbox"
	"github.com/aerogramme-go/aerogramme/internal/storage"
	"github.com/aerogramme-go/aerogramme/internal/vault"
)

const (
	mailPrefix     = "mail/"
	mailMetaPrefix = "mail_meta/"
	incomingBlob   = "incoming/"
	incomingPart   = "incoming"
)

// Summary is the plaintext-once-decrypted header data needed to
// answer IMAP ENVELOPE/BODYSTRUCTURE without fetching the full body.
type Summary struct {
	Subject string
	From    string
	To      string
	Date    time.Time
	Size    int
}

// Store is the Mail Storage component for one user: a blob store for
// bodies/summaries and the KV partition backing the incoming staging
// area.
type Store struct {
	blob storage.Blob
	kv   storage.KV
}

// New returns a Store over blob and kv.
func New(blob storage.Blob, kv storage.KV) *Store {
	return &Store{blob: blob, kv: kv}
}

// Deposit seals raw under the public capability and writes it to the
// incoming staging area, then notifies watchers via a KV row, per
// §4.E's deposit operation. It requires no credential beyond the
// capability, so the LMTP path can call it pre-auth.
func Deposit(ctx context.Context, blob storage.Blob, kv storage.KV, cap vault.Capability, raw []byte) (uuid.UUID, error) {
	id := uuid.New()
	sealed, err := cap.Seal(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mailstore: seal: %w", err)
	}
	if err := blob.Put(ctx, incomingBlob+id.String(), sealed); err != nil {
		return uuid.Nil, fmt.Errorf("mailstore: put incoming blob: %w", err)
	}
	row := storage.Row{Partition: incomingPart, SortKey: storage.NewSortKey(), Value: []byte(id.String())}
	if err := kv.Insert(ctx, row); err != nil {
		return uuid.Nil, fmt.Errorf("mailstore: notify incoming: %w", err)
	}
	return id, nil
}

// PendingIncoming is one row of the incoming staging area awaiting
// integration.
type PendingIncoming struct {
	SortKey string
	UUID    uuid.UUID
}

// PollIncoming blocks until at least one row newer than cursor exists
// in the incoming partition, returning them in arrival order.
func PollIncoming(ctx context.Context, kv storage.KV, cursor string) ([]PendingIncoming, error) {
	rows, err := kv.PollNew(ctx, incomingPart, cursor)
	if err != nil {
		return nil, err
	}
	out := make([]PendingIncoming, 0, len(rows))
	for _, row := range rows {
		id, err := uuid.Parse(string(row.Value))
		if err != nil {
			return nil, fmt.Errorf("mailstore: %w: bad incoming row %q", aeroerr.ErrCorrupt, row.SortKey)
		}
		out = append(out, PendingIncoming{SortKey: row.SortKey, UUID: id})
	}
	return out, nil
}

// Load reads mail/<uuid> and unseals it for skPriv, per §4.E's load
// operation.
func (s *Store) Load(ctx context.Context, skPriv [32]byte, id uuid.UUID) ([]byte, error) {
	sealed, err := s.blob.Get(ctx, mailPrefix+id.String())
	if err != nil {
		return nil, err
	}
	return vault.OpenSealed(skPriv, sealed)
}

// LoadSummary reads mail_meta/<uuid> and unseals it.
func (s *Store) LoadSummary(ctx context.Context, skPriv [32]byte, id uuid.UUID) (Summary, error) {
	sealed, err := s.blob.Get(ctx, mailMetaPrefix+id.String())
	if err != nil {
		return Summary{}, err
	}
	plain, err := vault.OpenSealed(skPriv, sealed)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	if err := json.Unmarshal(plain, &sum); err != nil {
		return Summary{}, fmt.Errorf("mailstore: %w: summary decode", aeroerr.ErrCorrupt)
	}
	return sum, nil
}

// PutMailBody writes sealed directly under mail/<uuid>, used by the
// IMAP APPEND path where the body is already sealed for the user's
// own public key and never passed through the incoming staging area.
func (s *Store) PutMailBody(ctx context.Context, id uuid.UUID, sealed []byte) error {
	return s.blob.Put(ctx, mailPrefix+id.String(), sealed)
}

// MoveToMailbox integrates a message sitting in the incoming staging
// area into the target mailbox's UID Index: it persists the body
// under mail/<uuid> (re-sealing it for the user's own public key
// rather than the ephemeral deposit seal, so later Load calls go
// through one consistent path), writes the summary sidecar, submits
// MailAdd, then deletes the incoming row — §4.E's move_to operation.
func (s *Store) MoveToMailbox(ctx context.Context, cap vault.Capability, skPriv [32]byte, pending PendingIncoming, sum Summary, target *mailbox.Index) error {
	raw, err := s.loadFromIncoming(ctx, skPriv, pending.UUID)
	if err != nil {
		return err
	}

	resealed, err := cap.Seal(raw)
	if err != nil {
		return fmt.Errorf("mailstore: reseal body: %w", err)
	}
	if err := s.blob.Put(ctx, mailPrefix+pending.UUID.String(), resealed); err != nil {
		return fmt.Errorf("mailstore: put mail blob: %w", err)
	}

	sum.Size = len(raw)
	metaPlain, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("mailstore: marshal summary: %w", err)
	}
	metaSealed, err := cap.Seal(metaPlain)
	if err != nil {
		return fmt.Errorf("mailstore: seal summary: %w", err)
	}
	if err := s.blob.Put(ctx, mailMetaPrefix+pending.UUID.String(), metaSealed); err != nil {
		return fmt.Errorf("mailstore: put mail_meta blob: %w", err)
	}

	if err := target.AddMail(ctx, pending.UUID); err != nil {
		return fmt.Errorf("mailstore: index: %w", err)
	}

	if err := s.kv.Delete(ctx, incomingPart, pending.SortKey); err != nil {
		return fmt.Errorf("mailstore: clear incoming row: %w", err)
	}
	if err := s.blob.Delete(ctx, incomingBlob+pending.UUID.String()); err != nil {
		return fmt.Errorf("mailstore: clear incoming blob: %w", err)
	}
	return nil
}

// ClearIncomingNotification removes pending's staging KV row without
// touching its blob, so a deposit that has been quarantined after
// repeated integration failures stops being re-polled while its body
// stays under incoming/ for administrator inspection, per §4.F.
func ClearIncomingNotification(ctx context.Context, kv storage.KV, pending PendingIncoming) error {
	if err := kv.Delete(ctx, incomingPart, pending.SortKey); err != nil {
		return fmt.Errorf("mailstore: clear incoming row: %w", err)
	}
	return nil
}

func (s *Store) loadFromIncoming(ctx context.Context, skPriv [32]byte, id uuid.UUID) ([]byte, error) {
	sealed, err := s.blob.Get(ctx, incomingBlob+id.String())
	if err != nil {
		return nil, err
	}
	return vault.OpenSealed(skPriv, sealed)
}
