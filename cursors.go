package chatcore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CursorStore persists per-conversation sync cursors. SetCursor never moves a
// cursor backwards.
type CursorStore interface {
	Cursors() (map[string]time.Time, error)
	SetCursor(conversationID string, at time.Time) error
	DeleteCursor(conversationID string) error
}

// Watermark is a confirmed read position.
type Watermark struct {
	MessageID string    `json:"messageId"`
	At        time.Time `json:"at"`
}

// WatermarkStore persists confirmed read watermarks.
type WatermarkStore interface {
	Watermarks() (map[string]Watermark, error)
	SetWatermark(conversationID string, w Watermark) error
}

// ============================================================================
// MemoryCursorStore
// ============================================================================

// MemoryCursorStore keeps cursors and watermarks for the process lifetime.
type MemoryCursorStore struct {
	mu         sync.RWMutex
	cursors    map[string]time.Time
	watermarks map[string]Watermark
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{
		cursors:    make(map[string]time.Time),
		watermarks: make(map[string]Watermark),
	}
}

func (s *MemoryCursorStore) Cursors() (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryCursorStore) SetCursor(conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors[conversationID]; !ok || at.After(cur) {
		s.cursors[conversationID] = at
	}
	return nil
}

func (s *MemoryCursorStore) DeleteCursor(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, conversationID)
	return nil
}

func (s *MemoryCursorStore) Watermarks() (map[string]Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Watermark, len(s.watermarks))
	for k, v := range s.watermarks {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryCursorStore) SetWatermark(conversationID string, w Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.watermarks[conversationID]; !ok || compareKeys(w.At, w.MessageID, cur.At, cur.MessageID) > 0 {
		s.watermarks[conversationID] = w
	}
	return nil
}

// ============================================================================
// BoltCursorStore
// ============================================================================

var (
	cursorBucket    = []byte("cursors")
	watermarkBucket = []byte("watermarks")
)

// BoltCursorStore keeps cursors and watermarks in a bbolt file so a cold
// start resumes offline sync where the last run stopped.
type BoltCursorStore struct {
	db *bolt.DB
}

// OpenBoltCursorStore opens (or creates) the database at path.
func OpenBoltCursorStore(path string) (*BoltCursorStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cursor db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{cursorBucket, watermarkBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cursor db: %w", err)
	}
	return &BoltCursorStore{db: db}, nil
}

func (s *BoltCursorStore) Close() error {
	return s.db.Close()
}

func (s *BoltCursorStore) Cursors() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).ForEach(func(k, v []byte) error {
			at, err := time.Parse(time.RFC3339Nano, string(v))
			if err != nil {
				return fmt.Errorf("cursor %s: %w", k, err)
			}
			out[string(k)] = at
			return nil
		})
	})
	return out, err
}

func (s *BoltCursorStore) SetCursor(conversationID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cursorBucket)
		if v := b.Get([]byte(conversationID)); v != nil {
			if cur, err := time.Parse(time.RFC3339Nano, string(v)); err == nil && !at.After(cur) {
				return nil
			}
		}
		return b.Put([]byte(conversationID), []byte(at.UTC().Format(time.RFC3339Nano)))
	})
}

func (s *BoltCursorStore) DeleteCursor(conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cursorBucket).Delete([]byte(conversationID))
	})
}

func (s *BoltCursorStore) Watermarks() (map[string]Watermark, error) {
	out := make(map[string]Watermark)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(watermarkBucket).ForEach(func(k, v []byte) error {
			var w Watermark
			if err := json.Unmarshal(v, &w); err != nil {
				return fmt.Errorf("watermark %s: %w", k, err)
			}
			out[string(k)] = w
			return nil
		})
	})
	return out, err
}

func (s *BoltCursorStore) SetWatermark(conversationID string, w Watermark) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(watermarkBucket)
		if v := b.Get([]byte(conversationID)); v != nil {
			var cur Watermark
			if json.Unmarshal(v, &cur) == nil && compareKeys(w.At, w.MessageID, cur.At, cur.MessageID) <= 0 {
				return nil
			}
		}
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(conversationID), data)
	})
}
