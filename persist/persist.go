// Package persist is the surrounding system's persistence collaborator: a
// write-only observer that periodically polls live sessions for their
// encoded merge state and upserts it into SQLite. The collaboration core
// never reads from this store; losing it affects durability, not the
// correctness of active sessions.
package persist

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coedit/collab-server-go/sessions"
)

// Store persists document snapshots in a SQLite database.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS snapshots (
		doc_id text not null primary key,
		content text not null,
		updated_at text not null
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveSnapshot upserts the encoded state for a document. The write is
// skipped when the content is unchanged.
func (s *Store) SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) (changed bool, err error) {
	content := base64.StdEncoding.EncodeToString(snapshot)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (doc_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
		WHERE snapshots.content != excluded.content`,
		documentID, content, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("upsert snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("count rows affected: %w", err)
	}
	return n > 0, nil
}

// LoadSnapshot returns the persisted state for a document, or false when
// none has been written. Serves external consumers (exports, recovery
// tooling); the live coordinator does not call it.
func (s *Store) LoadSnapshot(ctx context.Context, documentID string) ([]byte, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM snapshots WHERE doc_id = ?`, documentID,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query snapshot: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return raw, true, nil
}

// Snapshotter polls the registry on an interval and persists every live
// session's snapshot.
type Snapshotter struct {
	reg      *sessions.Registry
	store    *Store
	interval time.Duration
	log      *slog.Logger
}

func NewSnapshotter(reg *sessions.Registry, store *Store, interval time.Duration, log *slog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Snapshotter{reg: reg, store: store, interval: interval, log: log}
}

// Run blocks until the context ends, flushing all live sessions each tick
// and once more on the way out.
func (sn *Snapshotter) Run(ctx context.Context) {
	t := time.NewTicker(sn.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			sn.flush(ctx)
		case <-ctx.Done():
			sn.flush(context.WithoutCancel(ctx))
			return
		}
	}
}

func (sn *Snapshotter) flush(ctx context.Context) {
	sn.reg.Range(func(documentID string, s *sessions.Session) bool {
		changed, err := sn.store.SaveSnapshot(ctx, documentID, s.Snapshot())
		if err != nil {
			sn.log.Error("failed to persist snapshot", slog.String("doc_id", documentID), slog.String("err", err.Error()))
		} else if changed {
			sn.log.Debug("snapshot persisted", slog.String("doc_id", documentID))
		}
		return true
	})
}
