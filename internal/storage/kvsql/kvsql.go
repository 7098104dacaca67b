// Package kvsql mounts storage.KV on a SQL database through GORM,
// grounded in the teacher's table.GORMTable query shapes: Insert
// relies on the (partition, sort_key) primary key to turn a duplicate
// row into storage's Conflict semantics, and PollNew uses Postgres
// LISTEN/NOTIFY (teacher: updatepipe/pubsub/pq.go) when the driver is
// "postgres", falling back to a plain poll loop otherwise.
package kvsql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/aerogramme-go/aerogramme/framework/log"
	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
	"github.com/aerogramme-go/aerogramme/internal/db"
	"github.com/aerogramme-go/aerogramme/internal/storage"
)

// Store is a storage.KV implementation backed by a SQL database.
type Store struct {
	conn   *gorm.DB
	driver string
	dsn    string

	listener *pq.Listener
	log      log.Logger
}

// Config configures a Store.
type Config struct {
	Driver   string // "postgres" or "sqlite"
	DSN      string
	Debug    bool
	InMemory bool // sqlite only
}

// New opens a Store and migrates its schema.
func New(cfg Config) (*Store, error) {
	conn, err := db.New(db.Config{
		Driver:   cfg.Driver,
		DSN:      cfg.DSN,
		Debug:    cfg.Debug,
		InMemory: cfg.InMemory,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.AutoMigrate(&db.KVRow{}); err != nil {
		return nil, fmt.Errorf("kvsql: migrate: %w", err)
	}

	s := &Store{
		conn:   conn,
		driver: cfg.Driver,
		dsn:    cfg.DSN,
		log:    log.Logger{Name: "storage.kvsql"},
	}

	if cfg.Driver == "postgres" {
		s.listener = pq.NewListener(cfg.DSN, 10*time.Second, time.Minute, s.listenerEvent)
	}

	return s, nil
}

func (s *Store) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed:
		s.log.Error("listen connection attempt failed", err)
	case pq.ListenerEventDisconnected:
		s.log.Msg("listen connection closed", "error", err)
	}
}

// Close releases the underlying connection and, for Postgres, the
// LISTEN connection.
func (s *Store) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}
	sqlDB, err := s.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Insert(ctx context.Context, row storage.Row) error {
	rec := db.KVRow{Partition: row.Partition, SortKey: row.SortKey, Value: row.Value}
	err := s.conn.WithContext(ctx).Create(&rec).Error
	if err != nil {
		if isUniqueViolation(err) {
			return aeroerr.ErrConflict
		}
		return err
	}
	if s.listener != nil {
		if notifyErr := s.conn.WithContext(ctx).Exec(`SELECT pg_notify(?, ?)`, channelFor(row.Partition), row.SortKey).Error; notifyErr != nil {
			s.log.Error("pg_notify failed", notifyErr)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, partition, sortKey string) (storage.Row, error) {
	var rec db.KVRow
	err := s.conn.WithContext(ctx).Where("partition = ? AND sort_key = ?", partition, sortKey).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storage.Row{}, aeroerr.ErrNotFound
		}
		return storage.Row{}, err
	}
	return storage.Row{Partition: rec.Partition, SortKey: rec.SortKey, Value: rec.Value}, nil
}

func (s *Store) Range(ctx context.Context, partition, from, to string, limit int) ([]storage.Row, error) {
	q := s.conn.WithContext(ctx).Where("partition = ?", partition)
	if from != "" {
		q = q.Where("sort_key >= ?", from)
	}
	if to != "" {
		q = q.Where("sort_key < ?", to)
	}
	q = q.Order("sort_key ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []db.KVRow
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	rows := make([]storage.Row, len(recs))
	for i, r := range recs {
		rows[i] = storage.Row{Partition: r.Partition, SortKey: r.SortKey, Value: r.Value}
	}
	return rows, nil
}

func (s *Store) Delete(ctx context.Context, partition, sortKey string) error {
	return s.conn.WithContext(ctx).Where("partition = ? AND sort_key = ?", partition, sortKey).Delete(&db.KVRow{}).Error
}

// PollNew waits for a row with sort_key > after to become visible in
// partition. On Postgres it LISTENs on a per-partition channel and
// falls back to a range scan once woken (the NOTIFY payload is only a
// hint, never trusted as the full result); on sqlite it polls.
func (s *Store) PollNew(ctx context.Context, partition, after string) ([]storage.Row, error) {
	if s.listener == nil {
		return s.pollBySleeping(ctx, partition, after)
	}

	channel := channelFor(partition)
	if err := s.listener.Listen(channel); err != nil && err != pq.ErrChannelAlreadyOpen {
		return nil, fmt.Errorf("kvsql: listen %s: %w", channel, err)
	}
	defer s.listener.Unlisten(channel)

	rows, err := s.Range(ctx, partition, after, "", 0)
	if err != nil {
		return nil, err
	}
	rows = excludeNotAfter(rows, after)
	if len(rows) > 0 {
		return rows, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.listener.Notify:
			rows, err := s.Range(ctx, partition, after, "", 0)
			if err != nil {
				return nil, err
			}
			rows = excludeNotAfter(rows, after)
			if len(rows) > 0 {
				return rows, nil
			}
		case <-time.After(90 * time.Second):
			// lib/pq recommends an occasional ping to detect a dead
			// connection the driver hasn't noticed yet.
			_ = s.listener.Ping()
		}
	}
}

func (s *Store) pollBySleeping(ctx context.Context, partition, after string) ([]storage.Row, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		rows, err := s.Range(ctx, partition, after, "", 0)
		if err != nil {
			return nil, err
		}
		rows = excludeNotAfter(rows, after)
		if len(rows) > 0 {
			return rows, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func excludeNotAfter(rows []storage.Row, after string) []storage.Row {
	out := rows[:0]
	for _, r := range rows {
		if r.SortKey > after {
			out = append(out, r)
		}
	}
	return out
}

func channelFor(partition string) string {
	// Postgres channel identifiers are limited to 63 bytes and a
	// restricted charset; partitions are already storage-internal
	// identifiers (uuids, usernames normalized by the vault) so a
	// fixed prefix plus the raw partition is safe in practice; long
	// ones are truncated, and since PollNew re-scans after every wake a
	// shared channel only costs a spurious wake-up.
	if len(partition) <= 56 {
		return "kv_" + partition
	}
	return "kv_" + partition[:56]
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// sqlite driver reports constraint violations as plain strings.
	return errors.Is(err, gorm.ErrDuplicatedKey) || containsConstraintText(err)
}

func containsConstraintText(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
