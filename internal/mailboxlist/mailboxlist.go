// Package mailboxlist is the supplemented "mailbox_list" Bay
// instantiation: spec.md names the KV partition but never gives it an
// Op set, so this package demonstrates Bay's genericity a second time
// over a different (State, Op) pair — tracking which mailbox names
// exist rather than which messages a single mailbox holds.
package mailboxlist

import (
	"context"
	"fmt"
	"sort"

	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
	"github.com/aerogramme-go/aerogramme/internal/bay"
)

// State is the set of mailbox names currently known to exist, each
// mapped to the Bay path backing its UID Index.
type State struct {
	Paths map[string]string // name -> bay path
}

// Empty returns an empty mailbox list, always containing INBOX.
func Empty() State {
	return State{Paths: map[string]string{"INBOX": "INBOX"}}
}

// Clone satisfies bay.State[State].
func (s State) Clone() State {
	out := State{Paths: make(map[string]string, len(s.Paths))}
	for k, v := range s.Paths {
		out.Paths[k] = v
	}
	return out
}

// Names returns every mailbox name, sorted.
func (s State) Names() []string {
	names := make([]string, 0, len(s.Paths))
	for n := range s.Paths {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Kind identifies which operation an Op carries.
type Kind uint8

const (
	KindCreate Kind = iota
	KindDelete
	KindRename
)

// Op is mailboxlist's single wire shape for Create/Delete/Rename.
type Op struct {
	Kind    Kind
	Name    string
	NewName string `json:",omitempty"`
	Path    string `json:",omitempty"`
}

// CreateMailbox returns an Op creating name backed by path.
func CreateMailbox(name, path string) Op {
	return Op{Kind: KindCreate, Name: name, Path: path}
}

// DeleteMailbox returns an Op deleting name.
func DeleteMailbox(name string) Op {
	return Op{Kind: KindDelete, Name: name}
}

// RenameMailbox returns an Op renaming name to newName, keeping its
// backing path.
func RenameMailbox(name, newName string) Op {
	return Op{Kind: KindRename, Name: name, NewName: newName}
}

// Apply satisfies bay.Op[State]. Create/Delete/Rename targeting a
// name that does not exist (or already does, for Create) are silent
// no-ops, matching the UID Index's own "ignore don't error" stance on
// operations that no longer apply by the time they are learned.
func (o Op) Apply(s *State) {
	switch o.Kind {
	case KindCreate:
		if _, exists := s.Paths[o.Name]; !exists {
			s.Paths[o.Name] = o.Path
		}
	case KindDelete:
		if o.Name != "INBOX" {
			delete(s.Paths, o.Name)
		}
	case KindRename:
		if o.Name == "INBOX" {
			return
		}
		if path, exists := s.Paths[o.Name]; exists {
			if _, taken := s.Paths[o.NewName]; !taken {
				delete(s.Paths, o.Name)
				s.Paths[o.NewName] = path
			}
		}
	}
}

// List is a mailbox_list mounted on a Bay instance.
type List struct {
	bay *bay.Bay[State, Op]
}

// Open bootstraps the mailbox list at path via bay.Open.
func Open(ctx context.Context, path string, deps bay.Deps) (*List, error) {
	b, err := bay.Open[State, Op](ctx, path, deps.KV, deps.Blob, deps.MK, Empty, deps.Config)
	if err != nil {
		return nil, err
	}
	return &List{bay: b}, nil
}

// State returns a snapshot of the current mailbox set.
func (l *List) State() State {
	return l.bay.State()
}

// Create submits a CreateMailbox op, failing with aeroerr.ErrConflict
// if name already exists at call time (a cheap local check; true
// uniqueness still depends on convergence like everything else Bay
// manages).
func (l *List) Create(ctx context.Context, name, path string) error {
	if _, exists := l.bay.State().Paths[name]; exists {
		return fmt.Errorf("mailboxlist: %w: %s already exists", aeroerr.ErrConflict, name)
	}
	return l.bay.Submit(ctx, CreateMailbox(name, path))
}

// Delete submits a DeleteMailbox op.
func (l *List) Delete(ctx context.Context, name string) error {
	return l.bay.Submit(ctx, DeleteMailbox(name))
}

// Rename submits a RenameMailbox op.
func (l *List) Rename(ctx context.Context, name, newName string) error {
	return l.bay.Submit(ctx, RenameMailbox(name, newName))
}

// Refresh polls for ops from other writers and applies them.
func (l *List) Refresh(ctx context.Context) error {
	return l.bay.Refresh(ctx)
}

// Checkpoint forces a checkpoint write.
func (l *List) Checkpoint(ctx context.Context) error {
	return l.bay.Checkpoint(ctx)
}
