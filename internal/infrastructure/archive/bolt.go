package archive

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/studiocdz/collaborative-editor/internal/domain"
	"go.etcd.io/bbolt"
)

const sessionsBucket = "sessions"

// BoltArchive keeps the event log of finished sessions, one nested bucket per
// session keyed by big-endian sequence number.
type BoltArchive struct {
	db *bbolt.DB
}

func OpenBoltArchive(path string) (*BoltArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltArchive{db: db}, nil
}

func (a *BoltArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Store replaces the archived log of sessionID.
func (a *BoltArchive) Store(ctx context.Context, sessionID string, events []domain.SessionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(sessionsBucket))
		if root.Bucket([]byte(sessionID)) != nil {
			if err := root.DeleteBucket([]byte(sessionID)); err != nil {
				return err
			}
		}
		bucket, err := root.CreateBucket([]byte(sessionID))
		if err != nil {
			return err
		}
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event %d: %w", ev.Seq, err)
			}
			if err := bucket.Put(seqKey(ev.Seq), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the archived events of sessionID in sequence order, or
// domain.ErrNotFound.
func (a *BoltArchive) Load(ctx context.Context, sessionID string) ([]domain.SessionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.SessionEvent
	err := a.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket)).Bucket([]byte(sessionID))
		if bucket == nil {
			return domain.ErrNotFound
		}
		out = make([]domain.SessionEvent, 0, bucket.Stats().KeyN)
		return bucket.ForEach(func(_, v []byte) error {
			var ev domain.SessionEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		})
	})
	return out, err
}

// Sessions lists archived session ids.
func (a *BoltArchive) Sessions() ([]string, error) {
	var ids []string
	err := a.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
