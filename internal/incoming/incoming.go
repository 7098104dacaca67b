// Package incoming is the per-user background task bridging the Mail
// Storage staging area into an authenticated mailbox's UID Index: it
// polls the "incoming" partition, calls MoveToMailbox for each row,
// and quarantines anything that keeps failing. Its poll-loop shape —
// one goroutine owning a path, fed by kv_poll_new, cancelled via a
// shared context — follows the teacher's updatepipe notification
// idiom (internal/updatepipe/unix_pipe.go's listener-per-subscriber
// loop) generalized from "notify on any mailbox change" to "integrate
// each newly deposited message".
package incoming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aerogramme-go/aerogramme/framework/log"
	"github.com/aerogramme-go/aerogramme/internal/mailbox"
	"github.com/aerogramme-go/aerogramme/internal/mailstore"
	"github.com/aerogramme-go/aerogramme/internal/metrics"
	"github.com/aerogramme-go/aerogramme/internal/storage"
	"github.com/aerogramme-go/aerogramme/internal/timestamp"
	"github.com/aerogramme-go/aerogramme/internal/vault"
)

const (
	quarantinePartition = "incoming_quarantine"
	// MaxAttempts bounds how many times a deposit is retried before it
	// is quarantined rather than retried again on the next poll.
	MaxAttempts = 5
	// retryBackoff is the pause between re-attempting a row that has
	// not yet hit MaxAttempts, so a failing deposit does not spin the
	// loop against the storage backend while cursor is held at it.
	retryBackoff = 500 * time.Millisecond
)

// Quarantine is the supplemented record describing a deposit that
// failed to integrate MaxAttempts times in a row.
type Quarantine struct {
	SortKey   string
	UUID      string
	LastError string
	Attempts  int
	FirstSeen time.Time
}

// Watcher drives one user's incoming integration loop.
type Watcher struct {
	kv     storage.KV
	blob   storage.Blob
	store  *mailstore.Store
	cap    vault.Capability
	skPriv [32]byte
	inbox  *mailbox.Index
	log    log.Logger

	cursor string
	fails  map[string]int
}

// New returns a Watcher that integrates deposits into inbox.
func New(kv storage.KV, blob storage.Blob, store *mailstore.Store, cap vault.Capability, skPriv [32]byte, inbox *mailbox.Index) *Watcher {
	return &Watcher{
		kv:     kv,
		blob:   blob,
		store:  store,
		cap:    cap,
		skPriv: skPriv,
		inbox:  inbox,
		log:    log.Logger{Name: "incoming"},
		fails:  make(map[string]int),
	}
}

// Run blocks, integrating newly deposited messages until ctx is
// cancelled. Each iteration blocks on kv_poll_new, so Run imposes no
// busy-polling cost while idle, matching §4.F's loop description.
//
// The cursor only advances past a row once it has resolved — either
// integrated successfully or been quarantined after MaxAttempts — so a
// row that fails keeps being handed back by the next PollIncoming call
// instead of being skipped past forever, and attempts can actually
// accumulate toward MaxAttempts.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		pending, err := mailstore.PollIncoming(ctx, w.kv, w.cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, p := range pending {
			if ts, err := timestamp.Parse(p.SortKey); err == nil {
				metrics.WatcherLag.Set(time.Since(time.UnixMilli(int64(ts.Millis()))).Seconds())
			}
			resolved, err := w.integrate(ctx, p)
			if err != nil {
				w.log.Error("integrate failed", err)
			}
			if !resolved {
				// Leave the cursor where it is so this row is
				// re-handed to us on the next poll; stop walking the
				// rest of this batch since later rows would otherwise
				// advance past an unresolved earlier one.
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(retryBackoff):
				}
				break
			}
			w.cursor = p.SortKey
		}
	}
}

// integrate attempts to move p into the target mailbox. It returns
// resolved=true once p no longer needs to be retried, whether because
// it succeeded or because it was quarantined.
func (w *Watcher) integrate(ctx context.Context, p mailstore.PendingIncoming) (resolved bool, err error) {
	sum, err := w.summaryFor(ctx, p)
	if err != nil {
		return w.recordFailure(ctx, p, err)
	}
	if err := w.store.MoveToMailbox(ctx, w.cap, w.skPriv, p, sum, w.inbox); err != nil {
		return w.recordFailure(ctx, p, err)
	}
	delete(w.fails, p.UUID.String())
	return true, nil
}

// summaryFor extracts a minimal Summary by peeking at the deposited
// bytes; a full header parse belongs to the eventual RFC 5322 parser
// layered above this package, not to staging integration itself.
func (w *Watcher) summaryFor(ctx context.Context, p mailstore.PendingIncoming) (mailstore.Summary, error) {
	sealed, err := w.blob.Get(ctx, "incoming/"+p.UUID.String())
	if err != nil {
		return mailstore.Summary{}, err
	}
	raw, err := vault.OpenSealed(w.skPriv, sealed)
	if err != nil {
		return mailstore.Summary{}, err
	}
	return mailstore.Summary{Size: len(raw)}, nil
}

// recordFailure tracks one failed attempt at p and, once MaxAttempts is
// reached, quarantines it: the quarantine sidecar row is written and
// the incoming staging row is cleared (its blob is left in place for
// administrator inspection per §4.F) so the cursor can move past it.
// resolved reports whether p no longer needs retrying.
func (w *Watcher) recordFailure(ctx context.Context, p mailstore.PendingIncoming, cause error) (resolved bool, err error) {
	key := p.UUID.String()
	w.fails[key]++
	if w.fails[key] < MaxAttempts {
		return false, cause
	}

	q := Quarantine{
		SortKey:   p.SortKey,
		UUID:      key,
		LastError: cause.Error(),
		Attempts:  w.fails[key],
		FirstSeen: time.Now(),
	}
	payload, err := json.Marshal(q)
	if err != nil {
		return false, fmt.Errorf("incoming: marshal quarantine record: %w", err)
	}
	row := storage.Row{Partition: quarantinePartition, SortKey: p.SortKey, Value: payload}
	if err := w.kv.Insert(ctx, row); err != nil {
		return false, fmt.Errorf("incoming: record quarantine: %w", err)
	}
	if err := mailstore.ClearIncomingNotification(ctx, w.kv, p); err != nil {
		return false, fmt.Errorf("incoming: clear quarantined row: %w", err)
	}
	delete(w.fails, key)
	metrics.QuarantinedTotal.Inc()
	w.log.Printf("quarantined incoming message %s after %d attempts: %v", key, q.Attempts, cause)
	return true, nil
}

// RunAll starts every watcher in ws concurrently and blocks until one
// returns an error or ctx is cancelled, at which point it cancels the
// rest and returns the first failure. One process hosts many users'
// watchers this way rather than one goroutine per user with no shared
// fate, mirroring how a single aerogramme core owns every logged-in
// user's background integration loop.
func RunAll(ctx context.Context, ws []*Watcher) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, w := range ws {
		w := w
		group.Go(func() error {
			return w.Run(groupCtx)
		})
	}
	return group.Wait()
}

// ListQuarantine returns every currently quarantined deposit, oldest
// first, for the operator CLI's inspection command.
func ListQuarantine(ctx context.Context, kv storage.KV) ([]Quarantine, error) {
	rows, err := kv.Range(ctx, quarantinePartition, "", "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]Quarantine, 0, len(rows))
	for _, row := range rows {
		var q Quarantine
		if err := json.Unmarshal(row.Value, &q); err != nil {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}
