// Package bay implements the generic log-replicated state engine: a
// path P's State is seeded from the latest checkpoint, advanced by
// replaying an ordered log of Op rows from the Storage Abstraction,
// and periodically snapshotted. Every concrete Bay instantiation
// (the UID index, the mailbox list) supplies its own State/Op pair;
// this package owns bootstrap, submit, refresh, checkpoint and GC.
//
// The per-path-owner-task design in the surrounding architecture maps
// naturally onto a single goroutine holding a Bay value and serving
// requests off a channel; Bay itself only requires that its exported
// methods not be called concurrently on the same instance, mirroring
// the teacher's "one task owns the state" convention rather than
// adding internal locking that would duplicate it.
package bay

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/aerogramme-go/aerogramme/framework/log"
	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
	"github.com/aerogramme-go/aerogramme/internal/metrics"
	"github.com/aerogramme-go/aerogramme/internal/storage"
	"github.com/aerogramme-go/aerogramme/internal/timestamp"
)

// State is the constraint every Bay-managed state type must satisfy:
// a Clone that produces an independent deep copy, so Bay can hand out
// snapshots and rewind without aliasing the live value.
type State[S any] interface {
	Clone() S
}

// Op is the constraint every Bay-managed operation type must satisfy:
// a pure, deterministic transform applied in timestamp order.
type Op[S any] interface {
	Apply(*S)
}

// Config bounds a Bay instance's checkpoint/GC behavior.
type Config struct {
	CheckpointEvery      int
	CheckpointKeep       int
	ExternalizeThreshold int
	GCQuarantine         time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 1000
	}
	if c.CheckpointKeep <= 0 {
		c.CheckpointKeep = 2
	}
	if c.ExternalizeThreshold <= 0 {
		c.ExternalizeThreshold = 1024
	}
	if c.GCQuarantine <= 0 {
		c.GCQuarantine = 24 * time.Hour
	}
	return c
}

// Deps bundles the storage handles and secret every Bay instantiation
// needs, so higher-level packages (the UID index, the mailbox list)
// can take a single argument instead of threading four.
type Deps struct {
	KV     storage.KV
	Blob   storage.Blob
	MK     [32]byte
	Config Config
}

// Bay holds path P's in-memory State and the machinery to keep it
// converged with the durable op log and checkpoints.
type Bay[S State[S], O Op[S]] struct {
	path string
	kv   storage.KV
	blob storage.Blob
	mk   [32]byte
	cfg  Config
	log  log.Logger

	seed func() S

	state          S
	lastTS         timestamp.Timestamp
	sinceCheckpoint int
}

// Open bootstraps a Bay instance at path: it loads the latest
// checkpoint (if any), then replays every op at or after its cursor,
// per §4.C "Bootstrapping".
func Open[S State[S], O Op[S]](ctx context.Context, path string, kv storage.KV, blob storage.Blob, mk [32]byte, seed func() S, cfg Config) (*Bay[S, O], error) {
	b := &Bay[S, O]{
		path: path,
		kv:   kv,
		blob: blob,
		mk:   mk,
		cfg:  cfg.withDefaults(),
		log:  log.Logger{Name: "bay." + path},
		seed: seed,
		state: seed(),
	}

	cpTS, state, err := b.loadLatestCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	b.state = state
	b.lastTS = cpTS

	if err := b.replayFrom(ctx, cpTS); err != nil {
		return nil, err
	}

	return b, nil
}

// State returns a deep copy of the current in-memory state, safe for
// the caller to read without racing a subsequent Submit/Refresh.
func (b *Bay[S, O]) State() S {
	return b.state.Clone()
}

// Cursor returns the timestamp of the last applied op.
func (b *Bay[S, O]) Cursor() timestamp.Timestamp {
	return b.lastTS
}

// Submit encodes and writes op, retrying on Conflict with a fresh
// timestamp per §4.C "Writing", then applies it locally.
func (b *Bay[S, O]) Submit(ctx context.Context, op O) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("bay: marshal op: %w", err)
	}
	sealed := b.seal(payload)

	const maxAttempts = 8
	var ts timestamp.Timestamp
	for attempt := 0; ; attempt++ {
		ts = timestamp.New()
		if !b.lastTS.Less(ts) {
			// Clock went backwards or collided with a just-applied op;
			// a fresh random low half still yields a Timestamp greater
			// than lastTS with overwhelming probability, so just retry.
			continue
		}

		value, err := b.externalizeIfNeeded(ctx, ts, sealed)
		if err != nil {
			return err
		}

		err = b.kv.Insert(ctx, storage.Row{Partition: b.path, SortKey: ts.Hex(), Value: value})
		if err == nil {
			break
		}
		if aeroerr.Classify(err) == aeroerr.KindConflict && attempt < maxAttempts {
			continue
		}
		return err
	}

	return b.applyLearned(ctx, ts, op)
}

// Refresh polls for ops written by other writers since Cursor and
// applies them, per §4.C "Refresh".
func (b *Bay[S, O]) Refresh(ctx context.Context) error {
	rows, err := b.kv.PollNew(ctx, b.path, b.lastTS.Hex())
	if err != nil {
		return err
	}
	for _, row := range rows {
		ts, err := timestamp.Parse(row.SortKey)
		if err != nil {
			return fmt.Errorf("bay: %w: bad sort key %q", aeroerr.ErrCorrupt, row.SortKey)
		}
		op, err := b.decodeRow(ctx, row.Value)
		if err != nil {
			return err
		}
		if err := b.applyLearned(ctx, ts, op); err != nil {
			return err
		}
	}
	return nil
}

// applyLearned applies op at ts, rewinding from the nearest
// checkpoint first if ts < lastTS per §4.C "Rewind rule".
func (b *Bay[S, O]) applyLearned(ctx context.Context, ts timestamp.Timestamp, op O) error {
	if ts.Less(b.lastTS) {
		metrics.RecordRewind(b.path)
		if err := b.rewindTo(ctx, ts); err != nil {
			return err
		}
		// rewindTo replays every row up to and including the just-
		// learned op's own row (already visible in KV by the time
		// Refresh observed it), so op has already been applied; a
		// second op.Apply here would double it.
		if !b.lastTS.Less(ts) {
			return b.maybeCheckpoint(ctx)
		}
	}
	op.Apply(&b.state)
	metrics.RecordOpApplied(b.path)
	if b.lastTS.Less(ts) {
		b.lastTS = ts
	}
	return b.maybeCheckpoint(ctx)
}

// maybeCheckpoint triggers a checkpoint once sinceCheckpoint crosses
// CheckpointEvery, per §4.C's checkpoint-interval policy.
func (b *Bay[S, O]) maybeCheckpoint(ctx context.Context) error {
	b.sinceCheckpoint++
	if b.sinceCheckpoint >= b.cfg.CheckpointEvery {
		if err := b.Checkpoint(ctx); err != nil {
			b.log.Error("checkpoint after threshold failed", err)
		}
	}
	return nil
}

// rewindTo rebuilds State from the newest checkpoint at or before ts,
// then replays every op between that checkpoint and the current
// cursor in sort order, so a late-arriving op lands in its correct
// causal position instead of being merely appended.
func (b *Bay[S, O]) rewindTo(ctx context.Context, ts timestamp.Timestamp) error {
	cpTS, state, err := b.loadCheckpointBefore(ctx, ts)
	if err != nil {
		return err
	}
	b.state = state
	upTo := b.lastTS
	b.lastTS = cpTS
	return b.replayRange(ctx, cpTS, &upTo)
}

func (b *Bay[S, O]) replayFrom(ctx context.Context, from timestamp.Timestamp) error {
	return b.replayRange(ctx, from, nil)
}

// replayRange applies every op in (from, to] to b.state, advancing
// b.lastTS as it goes. A nil to means unbounded (replay everything
// found). It does not itself trigger checkpointing.
func (b *Bay[S, O]) replayRange(ctx context.Context, from timestamp.Timestamp, to *timestamp.Timestamp) error {
	cursor := from.Hex()
	for {
		rows, err := b.kv.Range(ctx, b.path, nextAfter(cursor), "", 256)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			rowTS, err := timestamp.Parse(row.SortKey)
			if err != nil {
				return fmt.Errorf("bay: %w: bad sort key %q", aeroerr.ErrCorrupt, row.SortKey)
			}
			if to != nil && bytes.Compare(rowTS[:], (*to)[:]) > 0 {
				return nil
			}
			op, err := b.decodeRow(ctx, row.Value)
			if err != nil {
				return err
			}
			op.Apply(&b.state)
			if b.lastTS.Less(rowTS) {
				b.lastTS = rowTS
			}
			cursor = row.SortKey
		}
		if len(rows) < 256 {
			return nil
		}
	}
}

// Checkpoint serialises the current State, seals it with mk, and
// writes it at P/checkpoint/<T_cp>, per §4.C "Checkpoint" steps 1-2.
func (b *Bay[S, O]) Checkpoint(ctx context.Context) error {
	ts := timestamp.New()
	for !b.lastTS.Less(ts) {
		ts = timestamp.New()
	}

	raw, err := json.Marshal(b.state)
	if err != nil {
		return fmt.Errorf("bay: marshal checkpoint: %w", err)
	}
	sealed := b.seal(raw)

	key := b.path + "/checkpoint/" + ts.Hex()
	if err := b.blob.Put(ctx, key, sealed); err != nil {
		return err
	}
	b.sinceCheckpoint = 0
	metrics.RecordCheckpointAge(b.path, 0)
	return nil
}

// GC implements the supplemented bay.GC(ctx) operation (see
// SPEC_FULL's "Bay garbage collection"): it prunes checkpoints older
// than the newest-minus-CheckpointKeep, deletes ops before the oldest
// kept checkpoint's cursor, and sweeps orphaned REMOTE op blobs older
// than GCQuarantine.
func (b *Bay[S, O]) GC(ctx context.Context) error {
	checkpoints, err := b.listCheckpoints(ctx)
	if err != nil {
		return err
	}
	if len(checkpoints) > b.cfg.CheckpointKeep {
		stale := checkpoints[:len(checkpoints)-b.cfg.CheckpointKeep]
		for _, ts := range stale {
			if err := b.blob.Delete(ctx, b.path+"/checkpoint/"+ts.Hex()); err != nil {
				return err
			}
		}
		checkpoints = checkpoints[len(checkpoints)-b.cfg.CheckpointKeep:]
	}

	if len(checkpoints) > 0 {
		oldestKept := checkpoints[0]
		rows, err := b.kv.Range(ctx, b.path, "", oldestKept.Hex(), 0)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := b.kv.Delete(ctx, b.path, row.SortKey); err != nil {
				return err
			}
		}
	}

	return b.sweepOrphanedBlobs(ctx)
}

func (b *Bay[S, O]) sweepOrphanedBlobs(ctx context.Context) error {
	keys, err := b.blob.List(ctx, b.path+"/op/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		sortKey := key[len(b.path+"/op/"):]
		_, err := b.kv.Get(ctx, b.path, sortKey)
		if err == nil {
			continue
		}
		if aeroerr.Classify(err) != aeroerr.KindNotFound {
			return err
		}
		ts, parseErr := timestamp.Parse(sortKey)
		if parseErr != nil {
			continue
		}
		age := time.Since(time.UnixMilli(int64(ts.Millis())))
		if age < b.cfg.GCQuarantine {
			continue
		}
		if err := b.blob.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bay[S, O]) listCheckpoints(ctx context.Context) ([]timestamp.Timestamp, error) {
	keys, err := b.blob.List(ctx, b.path+"/checkpoint/")
	if err != nil {
		return nil, err
	}
	prefix := b.path + "/checkpoint/"
	out := make([]timestamp.Timestamp, 0, len(keys))
	for _, key := range keys {
		ts, err := timestamp.Parse(key[len(prefix):])
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && bytes.Compare(out[j-1][:], out[j][:]) > 0; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

func (b *Bay[S, O]) loadLatestCheckpoint(ctx context.Context) (timestamp.Timestamp, S, error) {
	checkpoints, err := b.listCheckpoints(ctx)
	if err != nil {
		return timestamp.Timestamp{}, b.seed(), err
	}
	if len(checkpoints) == 0 {
		return timestamp.Timestamp{}, b.seed(), nil
	}
	latest := checkpoints[len(checkpoints)-1]
	state, err := b.loadCheckpointAt(ctx, latest)
	return latest, state, err
}

// loadCheckpointBefore returns the newest checkpoint with cursor <=
// ts, or the seed state at the zero timestamp if none exists.
func (b *Bay[S, O]) loadCheckpointBefore(ctx context.Context, ts timestamp.Timestamp) (timestamp.Timestamp, S, error) {
	checkpoints, err := b.listCheckpoints(ctx)
	if err != nil {
		return timestamp.Timestamp{}, b.seed(), err
	}
	var best *timestamp.Timestamp
	for i := range checkpoints {
		if bytes.Compare(checkpoints[i][:], ts[:]) <= 0 {
			best = &checkpoints[i]
		}
	}
	if best == nil {
		return timestamp.Timestamp{}, b.seed(), nil
	}
	state, err := b.loadCheckpointAt(ctx, *best)
	return *best, state, err
}

func (b *Bay[S, O]) loadCheckpointAt(ctx context.Context, ts timestamp.Timestamp) (S, error) {
	sealed, err := b.blob.Get(ctx, b.path+"/checkpoint/"+ts.Hex())
	if err != nil {
		return b.seed(), err
	}
	raw, err := b.unseal(sealed)
	if err != nil {
		return b.seed(), err
	}
	state := b.seed()
	if err := json.Unmarshal(raw, &state); err != nil {
		return b.seed(), fmt.Errorf("bay: %w: checkpoint decode: %v", aeroerr.ErrCorrupt, err)
	}
	return state, nil
}

func (b *Bay[S, O]) decodeRow(ctx context.Context, value []byte) (O, error) {
	var zero O
	sealed := value
	if remoteKey, ok := remotePointer(value); ok {
		data, err := b.blob.Get(ctx, remoteKey)
		if err != nil {
			return zero, err
		}
		sealed = data
	}
	raw, err := b.unseal(sealed)
	if err != nil {
		return zero, err
	}
	op := new(O)
	if err := json.Unmarshal(raw, op); err != nil {
		return zero, fmt.Errorf("bay: %w: op decode: %v", aeroerr.ErrCorrupt, err)
	}
	return *op, nil
}

// externalizeIfNeeded writes payload to the blob store at P/op/<T>
// and returns a REMOTE pointer if it exceeds the externalization
// threshold (§4.C "Writing" step 2), per Q3 blob-first.
func (b *Bay[S, O]) externalizeIfNeeded(ctx context.Context, ts timestamp.Timestamp, sealed []byte) ([]byte, error) {
	if len(sealed) <= b.cfg.ExternalizeThreshold {
		return sealed, nil
	}
	key := b.path + "/op/" + ts.Hex()
	if err := b.blob.Put(ctx, key, sealed); err != nil {
		return nil, err
	}
	return []byte("REMOTE(" + key + ")"), nil
}

func remotePointer(value []byte) (string, bool) {
	const prefix = "REMOTE("
	if len(value) > len(prefix)+1 && string(value[:len(prefix)]) == prefix && value[len(value)-1] == ')' {
		return string(value[len(prefix) : len(value)-1]), true
	}
	return "", false
}

func (b *Bay[S, O]) seal(plain []byte) []byte {
	var nonce [24]byte
	_, _ = rand.Read(nonce[:])
	return secretbox.Seal(nonce[:], plain, &nonce, &b.mk)
}

func (b *Bay[S, O]) unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < 24+secretbox.Overhead {
		return nil, fmt.Errorf("bay: %w: sealed payload too short", aeroerr.ErrCorrupt)
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &b.mk)
	if !ok {
		return nil, fmt.Errorf("bay: %w", aeroerr.ErrCorrupt)
	}
	return plain, nil
}

func nextAfter(sortKey string) string {
	// Range's lower bound is inclusive; bump the cursor's last byte up
	// by appending a separator so a subsequent scan excludes the row
	// at sortKey itself. Timestamps are fixed-width hex, so appending
	// a char sorts strictly after any other timestamp string without
	// colliding with a real sort key.
	if sortKey == "" {
		return ""
	}
	return sortKey + "\x00"
}
