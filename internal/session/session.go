// Package session gives the eventual IMAP front-end a concrete,
// typed surface over the core: UserSession holds one authenticated
// user's vault/keys and mailbox list, MailboxHandle wraps one open
// UID Index plus the message bodies behind it. Every verb here
// delegates straight to Bay ops and Mail Storage calls, the same
// split the teacher's imapbackend.Mailbox implementation
// (internal/storage/memory/mailbox.go) draws between mailbox-level
// operations and per-message storage, except the wire encoding
// (imap.MailboxStatus, imap.Message, imap.Envelope) is reused from
// emersion/go-imap directly instead of re-declared, since the front
// end that will eventually sit above this package speaks that API.
package session

import (
	"context"
	"fmt"
	"time"

	imap "github.com/emersion/go-imap"
	"github.com/google/uuid"

	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
	"github.com/aerogramme-go/aerogramme/internal/bay"
	"github.com/aerogramme-go/aerogramme/internal/mailbox"
	"github.com/aerogramme-go/aerogramme/internal/mailboxlist"
	"github.com/aerogramme-go/aerogramme/internal/mailstore"
	"github.com/aerogramme-go/aerogramme/internal/storage"
	"github.com/aerogramme-go/aerogramme/internal/vault"
)

// UserSession holds everything scoped to one logged-in user: their
// unsealed keys, the mailbox list, and the storage handles needed to
// open individual mailboxes on demand.
type UserSession struct {
	kv    storage.KV
	blob  storage.Blob
	keys  vault.Keys
	cap   vault.Capability
	store *mailstore.Store
	list  *mailboxlist.List
	cfg   bay.Config
}

// Open constructs a UserSession for a user who has already unsealed
// their vault (via vault.Vault.Open), bootstrapping the mailbox list.
func Open(ctx context.Context, kv storage.KV, blob storage.Blob, keys vault.Keys, cap vault.Capability, cfg bay.Config) (*UserSession, error) {
	list, err := mailboxlist.Open(ctx, "mailbox_list", bay.Deps{KV: kv, Blob: blob, MK: keys.MK, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("session: open mailbox list: %w", err)
	}
	return &UserSession{
		kv:    kv,
		blob:  blob,
		keys:  keys,
		cap:   cap,
		store: mailstore.New(blob, kv),
		list:  list,
		cfg:   cfg,
	}, nil
}

// Close zeroes the session's copy of the user's secret material. The
// caller must not use the UserSession afterward.
func (s *UserSession) Close() {
	s.keys.Zero()
}

// ListMailboxes returns every mailbox name known to the session.
func (s *UserSession) ListMailboxes() []string {
	return s.list.State().Names()
}

// CreateMailbox creates a new mailbox backed by its own Bay path.
func (s *UserSession) CreateMailbox(ctx context.Context, name string) error {
	return s.list.Create(ctx, name, name)
}

// DeleteMailbox removes a mailbox from the list. It does not erase
// the mailbox's own Bay path, matching the UID Index's general policy
// of never destroying history purely on this side's say-so.
func (s *UserSession) DeleteMailbox(ctx context.Context, name string) error {
	return s.list.Delete(ctx, name)
}

// RenameMailbox renames a mailbox in the list.
func (s *UserSession) RenameMailbox(ctx context.Context, name, newName string) error {
	return s.list.Rename(ctx, name, newName)
}

// Mailbox opens a MailboxHandle for name, which must already exist in
// the mailbox list.
func (s *UserSession) Mailbox(ctx context.Context, name string) (*MailboxHandle, error) {
	path, exists := s.list.State().Paths[name]
	if !exists {
		return nil, fmt.Errorf("session: %w: mailbox %q", aeroerr.ErrNotFound, name)
	}
	idx, err := mailbox.Open(ctx, path, bay.Deps{KV: s.kv, Blob: s.blob, MK: s.keys.MK, Config: s.cfg})
	if err != nil {
		return nil, err
	}
	return &MailboxHandle{name: name, idx: idx, store: s.store, cap: s.cap, skPriv: s.keys.SKPriv}, nil
}

// MailboxHandle is one open mailbox: the UID Index plus the message
// storage behind it.
type MailboxHandle struct {
	name   string
	idx    *mailbox.Index
	store  *mailstore.Store
	cap    vault.Capability
	skPriv [32]byte
}

// Name returns the mailbox's display name.
func (h *MailboxHandle) Name() string {
	return h.name
}

// Status returns an imap.MailboxStatus populated from the UID Index's
// current state, matching the fields the teacher's in-memory mailbox
// fills in Status.
func (h *MailboxHandle) Status(items []imap.StatusItem) *imap.MailboxStatus {
	s := h.idx.State()
	status := imap.NewMailboxStatus(h.name, items)
	status.Messages = uint32(len(s.I))
	status.UidNext = uint32(s.N)
	status.UidValidity = uint32(s.V)
	status.Unseen = uint32(len(s.I) - len(s.ByFlag(imap.SeenFlag)))
	status.Recent = uint32(len(s.ByFlag(mailbox.RecentFlag)))
	return status
}

// Fetch streams an imap.Message per requested UID, filling in the
// fields named by items.
func (h *MailboxHandle) Fetch(ctx context.Context, uids []uint32, items []imap.FetchItem) ([]*imap.Message, error) {
	s := h.idx.State()
	byUID := make(map[int64]uuid.UUID, len(s.I))
	for id, uid := range s.I {
		byUID[uid] = id
	}

	var out []*imap.Message
	for _, want := range uids {
		id, ok := byUID[int64(want)]
		if !ok {
			continue
		}
		msg := imap.NewMessage(want, items)
		for _, item := range items {
			switch item {
			case imap.FetchUid:
				msg.Uid = want
			case imap.FetchFlags:
				msg.Flags = h.flagsFor(s, id)
			case imap.FetchEnvelope:
				sum, err := h.store.LoadSummary(ctx, h.skPriv, id)
				if err != nil {
					return nil, err
				}
				msg.Envelope = buildEnvelope(sum)
			case imap.FetchRFC822Size:
				sum, err := h.store.LoadSummary(ctx, h.skPriv, id)
				if err != nil {
					return nil, err
				}
				msg.Size = uint32(sum.Size)
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

func (h *MailboxHandle) flagsFor(s mailbox.State, id uuid.UUID) []string {
	set := s.F[id]
	flags := make([]string, 0, len(set))
	for f := range set {
		flags = append(flags, f)
	}
	return flags
}

func buildEnvelope(sum mailstore.Summary) *imap.Envelope {
	env := &imap.Envelope{Date: sum.Date, Subject: sum.Subject}
	if sum.From != "" {
		env.From = []*imap.Address{{MailboxName: sum.From}}
	}
	if sum.To != "" {
		env.To = []*imap.Address{{MailboxName: sum.To}}
	}
	return env
}

// SetFlags applies an imap.FlagsOp against every uuid named by uids.
// imap.SetFlags replaces the whole set: every flag currently held is
// cleared before flags is applied.
func (h *MailboxHandle) SetFlags(ctx context.Context, uids []uuid.UUID, op imap.FlagsOp, flags []string) error {
	s := h.idx.State()
	for _, id := range uids {
		if op == imap.SetFlags {
			for existing := range s.F[id] {
				if err := h.idx.ClearFlag(ctx, id, existing); err != nil {
					return err
				}
			}
		}
		for _, f := range flags {
			var err error
			if op == imap.RemoveFlags {
				err = h.idx.ClearFlag(ctx, id, f)
			} else {
				err = h.idx.SetFlag(ctx, id, f)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Append seals and stores raw directly into this mailbox (the IMAP
// APPEND path, as opposed to the LMTP deposit-then-integrate path).
func (h *MailboxHandle) Append(ctx context.Context, raw []byte, date time.Time) (uuid.UUID, error) {
	id := uuid.New()
	sealed, err := h.cap.Seal(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("session: seal append: %w", err)
	}
	if err := h.store.PutMailBody(ctx, id, sealed); err != nil {
		return uuid.Nil, err
	}
	if err := h.idx.AddMail(ctx, id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Expunge deletes every uuid carrying the \Deleted flag.
func (h *MailboxHandle) Expunge(ctx context.Context) error {
	s := h.idx.State()
	for _, uidVal := range s.ByFlag(imap.DeletedFlag) {
		found, ok := findByUID(s, uint32(uidVal))
		if !ok {
			continue
		}
		if err := h.idx.DeleteMail(ctx, found); err != nil {
			return err
		}
	}
	return nil
}

func findByUID(s mailbox.State, uid uint32) (uuid.UUID, bool) {
	for id, u := range s.I {
		if uint32(u) == uid {
			return id, true
		}
	}
	return uuid.Nil, false
}
