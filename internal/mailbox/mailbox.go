// Package mailbox is the UID Index: the concrete (State, Op)
// instantiation over bay.Bay that assigns IMAP UIDs and tracks flags
// so UIDVALIDITY/UIDNEXT hold under concurrent writers, per §4.D. Its
// conflict-driven UIDVALIDITY bump is the one piece of this core with
// no teacher analogue — the in-memory mailbox.Mailbox's own nextUID
// counter (internal/storage/memory/mailbox.go) grounds only the
// "assign the next UID" half, never the conflict/bump half, which is
// new machinery built to the operation semantics below.
package mailbox

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/aerogramme-go/aerogramme/internal/bay"
)

// State is Σ: UIDVALIDITY, the internal sequence, UIDNEXT, the
// uuid→uid map, and the uuid→flag-set map.
type State struct {
	V int64 // UIDVALIDITY
	S int64 // internal sequence
	N int64 // UIDNEXT
	I map[uuid.UUID]int64
	F map[uuid.UUID]map[string]struct{}
}

// Empty returns Σ₀ = (1, 1, 1, ∅, ∅), the seed required by
// bay.State.
func Empty() State {
	return State{
		V: 1,
		S: 1,
		N: 1,
		I: make(map[uuid.UUID]int64),
		F: make(map[uuid.UUID]map[string]struct{}),
	}
}

// Clone satisfies bay.State[State].
func (s State) Clone() State {
	out := State{V: s.V, S: s.S, N: s.N}
	out.I = make(map[uuid.UUID]int64, len(s.I))
	for k, v := range s.I {
		out.I[k] = v
	}
	out.F = make(map[uuid.UUID]map[string]struct{}, len(s.F))
	for k, flags := range s.F {
		fc := make(map[string]struct{}, len(flags))
		for f := range flags {
			fc[f] = struct{}{}
		}
		out.F[k] = fc
	}
	return out
}

// Kind identifies which operation an Op carries.
type Kind uint8

const (
	KindMailAdd Kind = iota
	KindMailDel
	KindFlagAdd
	KindFlagDel
)

// Op is the UID Index's single wire shape for all four operations the
// spec names; a tagged struct instead of four distinct Go types keeps
// Bay's (State, Op) pair concrete and trivially JSON-serialisable.
type Op struct {
	Kind Kind
	UUID uuid.UUID

	// Claimed is i_claimed, set only on MailAdd.
	Claimed int64 `json:",omitempty"`
	// Flag is set only on FlagAdd/FlagDel.
	Flag string `json:",omitempty"`
}

// MailAdd returns an Op claiming s (the sequence value observed at
// generation time) for a newly deposited message h.
func MailAdd(h uuid.UUID, claimedSeq int64) Op {
	return Op{Kind: KindMailAdd, UUID: h, Claimed: claimedSeq}
}

// MailDel returns an Op removing h from the index.
func MailDel(h uuid.UUID) Op {
	return Op{Kind: KindMailDel, UUID: h}
}

// FlagAdd returns an Op adding flag f to h.
func FlagAdd(h uuid.UUID, f string) Op {
	return Op{Kind: KindFlagAdd, UUID: h, Flag: f}
}

// FlagDel returns an Op removing flag f from h.
func FlagDel(h uuid.UUID, f string) Op {
	return Op{Kind: KindFlagDel, UUID: h, Flag: f}
}

// RecentFlag is the flag new messages start with unless resurrecting
// a uuid that still carries flags from a prior incarnation (Q1).
const RecentFlag = "\\Recent"

// Apply satisfies bay.Op[State]; it implements §4.D's four apply
// rules verbatim, including the conflict-driven v-bump.
func (o Op) Apply(s *State) {
	switch o.Kind {
	case KindMailAdd:
		if o.Claimed < s.S {
			// Conflict: this op was generated against a stale s. Bump
			// v by exactly the drift so any client holding a cached
			// UID for the shifted position observes a UIDVALIDITY
			// change and resyncs, per §4.D's theorem.
			s.V += s.S - o.Claimed
		}
		if _, ok := s.F[o.UUID]; !ok {
			// Q1: a uuid resurrected with its flags still present
			// keeps them; only a genuinely new uuid starts \Recent.
			s.F[o.UUID] = map[string]struct{}{RecentFlag: {}}
		}
		s.I[o.UUID] = s.S
		s.S++
		s.N = s.S

	case KindMailDel:
		delete(s.I, o.UUID)
		delete(s.F, o.UUID)
		s.S++

	case KindFlagAdd:
		if flags, ok := s.F[o.UUID]; ok {
			flags[o.Flag] = struct{}{}
		}

	case KindFlagDel:
		if flags, ok := s.F[o.UUID]; ok {
			delete(flags, o.Flag)
		}
	}
}

// Entry is one row of the derived ordered view.
type Entry struct {
	UID   int64
	UUID  uuid.UUID
	Flags []string
}

// View returns the derived ordered sequence of (imap_uid, uuid,
// flags) sorted by imap_uid, per §3's "Derived view".
func (s State) View() []Entry {
	entries := make([]Entry, 0, len(s.I))
	for h, uid := range s.I {
		flags := make([]string, 0, len(s.F[h]))
		for f := range s.F[h] {
			flags = append(flags, f)
		}
		sort.Strings(flags)
		entries = append(entries, Entry{UID: uid, UUID: h, Flags: flags})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UID < entries[j].UID })
	return entries
}

// ByFlag returns the per-flag index: an ordered list of UIDs carrying
// flag f.
func (s State) ByFlag(f string) []int64 {
	var uids []int64
	for h, flags := range s.F {
		if _, ok := flags[f]; ok {
			if uid, present := s.I[h]; present {
				uids = append(uids, uid)
			}
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// Index is a UID Index mailbox mounted on a Bay instance.
type Index struct {
	bay *bay.Bay[State, Op]
}

// Open bootstraps the UID Index at path via bay.Open.
func Open(ctx context.Context, path string, deps bay.Deps) (*Index, error) {
	b, err := bay.Open[State, Op](ctx, path, deps.KV, deps.Blob, deps.MK, Empty, deps.Config)
	if err != nil {
		return nil, err
	}
	return &Index{bay: b}, nil
}

// State returns a snapshot of the current Σ.
func (idx *Index) State() State {
	return idx.bay.State()
}

// NextClaim returns the sequence value a caller should embed as
// i_claimed in a MailAdd generated right now, per §4.D's "generated
// only when I[h] = ⊥ at generation time".
func (idx *Index) NextClaim() int64 {
	return idx.bay.State().S
}

// AddMail submits a MailAdd for a freshly deposited message h,
// claiming the sequence value observed at generation time.
func (idx *Index) AddMail(ctx context.Context, h uuid.UUID) error {
	claimed := idx.NextClaim()
	return idx.bay.Submit(ctx, MailAdd(h, claimed))
}

// DeleteMail submits a MailDel for h.
func (idx *Index) DeleteMail(ctx context.Context, h uuid.UUID) error {
	return idx.bay.Submit(ctx, MailDel(h))
}

// SetFlag submits a FlagAdd for h.
func (idx *Index) SetFlag(ctx context.Context, h uuid.UUID, flag string) error {
	return idx.bay.Submit(ctx, FlagAdd(h, flag))
}

// ClearFlag submits a FlagDel for h.
func (idx *Index) ClearFlag(ctx context.Context, h uuid.UUID, flag string) error {
	return idx.bay.Submit(ctx, FlagDel(h, flag))
}

// Refresh polls for ops from other writers and applies them.
func (idx *Index) Refresh(ctx context.Context) error {
	return idx.bay.Refresh(ctx)
}

// Checkpoint forces a checkpoint write.
func (idx *Index) Checkpoint(ctx context.Context) error {
	return idx.bay.Checkpoint(ctx)
}

// GC runs the supplemented garbage-collection pass.
func (idx *Index) GC(ctx context.Context) error {
	return idx.bay.GC(ctx)
}
