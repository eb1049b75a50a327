// Package history keeps a bounded, most-recent-first archive of generated
// echoes on top of a key-value store.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/echoes/internal/echo"
	"github.com/kalambet/echoes/internal/storage"
)

const (
	indexKey   = "echoes/index/v1"
	itemPrefix = "echoes/item/v1/"

	// DefaultCapacity is the number of entries kept before the oldest is evicted.
	DefaultCapacity = 50

	// DefaultThumbnailMaxBytes bounds image data copied into index entries.
	DefaultThumbnailMaxBytes = 64 << 10
)

// KV is the storage surface the archive is built on.
// Implemented by storage.Store and storage.Memory.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options tune a Store. Zero values select the defaults.
type Options struct {
	Capacity          int
	ThumbnailMaxBytes int
	Clock             Clock
	Logger            *slog.Logger
}

// Store is the echo archive. It is safe for concurrent use.
type Store struct {
	kv       KV
	capacity int
	thumbMax int
	clock    Clock
	logger   *slog.Logger

	mu    sync.Mutex
	index []echo.HistoryEntry
}

// Open loads the index from kv. An unreadable index is logged and replaced by
// an empty one; the orphaned blobs are swept by the next Reconcile.
func Open(kv KV, opts Options) (*Store, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.ThumbnailMaxBytes <= 0 {
		opts.ThumbnailMaxBytes = DefaultThumbnailMaxBytes
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		kv:       kv,
		capacity: opts.Capacity,
		thumbMax: opts.ThumbnailMaxBytes,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}

	raw, err := kv.Get(indexKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("reading history index: %w", err)
	default:
		if err := json.Unmarshal(raw, &s.index); err != nil {
			s.logger.Warn("history index unreadable, starting empty", "error", err)
			s.index = nil
		}
	}
	if len(s.index) > s.capacity {
		s.index = s.index[:s.capacity]
	}
	return s, nil
}

// Capacity returns the configured bound on the number of entries.
func (s *Store) Capacity() int { return s.capacity }

// List returns the entries, most recent first.
func (s *Store) List() []echo.HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]echo.HistoryEntry, len(s.index))
	copy(out, s.index)
	return out
}

// Add archives result and returns its new index entry. Entries whose blob has
// gone missing are dropped in the same index write. When the store rejects a
// write for lack of space the index is left exactly as it was and the error
// matches echo.ErrStorageQuotaExceeded.
func (s *Store) Add(result echo.Result) (echo.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.index
	present, err := s.blobIDs()
	if err != nil {
		s.logger.Warn("history reconcile failed", "error", err)
	} else {
		if _, err := s.removeOrphans(present); err != nil {
			s.logger.Warn("history reconcile failed", "error", err)
		}
		base = s.live(present)
	}

	now := s.clock.Now().UTC()
	if len(s.index) > 0 && !now.After(s.index[0].CreatedAt) {
		now = s.index[0].CreatedAt.Add(time.Millisecond)
	}
	entry := echo.HistoryEntry{
		ID:        newID(now),
		Title:     result.Title(),
		DateLabel: result.DateContext.FullDate,
		CreatedAt: now,
	}
	if len(result.ImageURL) <= s.thumbMax {
		entry.ThumbnailURL = result.ImageURL
	}

	blob, err := json.Marshal(result)
	if err != nil {
		return echo.HistoryEntry{}, fmt.Errorf("encoding result: %w", err)
	}
	if err := s.kv.Set(itemPrefix+entry.ID, blob); err != nil {
		return echo.HistoryEntry{}, storageFailure(err)
	}

	next := make([]echo.HistoryEntry, 0, len(base)+1)
	next = append(next, entry)
	next = append(next, base...)
	var evicted []echo.HistoryEntry
	if len(next) > s.capacity {
		evicted = next[s.capacity:]
		next = next[:s.capacity]
	}

	if err := s.writeIndex(next); err != nil {
		if rmErr := s.kv.Remove(itemPrefix + entry.ID); rmErr != nil {
			s.logger.Warn("history rollback failed", "id", entry.ID, "error", rmErr)
		}
		return echo.HistoryEntry{}, storageFailure(err)
	}
	if dropped := len(s.index) - len(base); dropped > 0 {
		s.logger.Info("dropped history entries without content", "count", dropped)
	}
	s.index = next

	for _, e := range evicted {
		if err := s.kv.Remove(itemPrefix + e.ID); err != nil {
			s.logger.Warn("evicting history blob failed", "id", e.ID, "error", err)
		}
	}
	s.logger.Debug("history entry added", "id", entry.ID, "evicted", len(evicted))
	return entry, nil
}

// Load returns the stored result for id. A missing or undecodable blob
// matches echo.ErrStorageCorrupted; the index entry is left in place.
func (s *Store) Load(id string) (echo.Result, error) {
	raw, err := s.kv.Get(itemPrefix + id)
	if errors.Is(err, storage.ErrNotFound) {
		return echo.Result{}, corrupted(id, err)
	}
	if err != nil {
		return echo.Result{}, fmt.Errorf("loading %s: %w", id, err)
	}
	var r echo.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return echo.Result{}, corrupted(id, err)
	}
	return r, nil
}

// Delete removes the entry and its blob. Deleting an unknown id succeeds.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := -1
	for i, e := range s.index {
		if e.ID == id {
			pos = i
			break
		}
	}
	if pos >= 0 {
		next := make([]echo.HistoryEntry, 0, len(s.index)-1)
		next = append(next, s.index[:pos]...)
		next = append(next, s.index[pos+1:]...)
		if err := s.writeIndex(next); err != nil {
			return fmt.Errorf("deleting %s: %w", id, err)
		}
		s.index = next
	}
	if err := s.kv.Remove(itemPrefix + id); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

// Reconcile drops index entries whose blob is missing and removes blobs no
// entry points at. It returns the number of entries and blobs removed.
func (s *Store) Reconcile() (droppedEntries, removedBlobs int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.index)
	removedBlobs, err = s.sweep()
	return before - len(s.index), removedBlobs, err
}

func (s *Store) sweep() (int, error) {
	present, err := s.blobIDs()
	if err != nil {
		return 0, err
	}
	if kept := s.live(present); len(kept) != len(s.index) {
		if err := s.writeIndex(kept); err != nil {
			return 0, fmt.Errorf("rewriting history index: %w", err)
		}
		s.logger.Info("dropped history entries without content", "count", len(s.index)-len(kept))
		s.index = kept
	}
	return s.removeOrphans(present)
}

// blobIDs returns the ids that have a stored blob.
func (s *Store) blobIDs() (map[string]bool, error) {
	keys, err := s.kv.Keys(itemPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing history blobs: %w", err)
	}
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[strings.TrimPrefix(k, itemPrefix)] = true
	}
	return present, nil
}

// live returns the index entries whose blob is present, in order.
func (s *Store) live(present map[string]bool) []echo.HistoryEntry {
	kept := make([]echo.HistoryEntry, 0, len(s.index))
	for _, e := range s.index {
		if present[e.ID] {
			kept = append(kept, e)
		}
	}
	return kept
}

// removeOrphans deletes blobs no index entry points at.
func (s *Store) removeOrphans(present map[string]bool) (int, error) {
	indexed := make(map[string]bool, len(s.index))
	for _, e := range s.index {
		indexed[e.ID] = true
	}
	removed := 0
	for id := range present {
		if indexed[id] {
			continue
		}
		if err := s.kv.Remove(itemPrefix + id); err != nil {
			return removed, fmt.Errorf("removing orphan %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) writeIndex(entries []echo.HistoryEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding history index: %w", err)
	}
	return s.kv.Set(indexKey, raw)
}

func newID(t time.Time) string {
	return fmt.Sprintf("echo_%d_%s", t.UnixMilli(), uuid.New().String()[:8])
}

func storageFailure(err error) error {
	if errors.Is(err, storage.ErrQuotaExceeded) {
		return &echo.Error{
			Kind:    echo.KindStorageQuotaExceeded,
			Cause:   echo.CauseStorage,
			Message: "Archive capacity reached. Please clear old echoes.",
			Err:     err,
		}
	}
	return fmt.Errorf("writing history: %w", err)
}

func corrupted(id string, err error) error {
	return &echo.Error{
		Kind:    echo.KindStorageCorrupted,
		Cause:   echo.CauseStorage,
		Message: "This archival fragment is lost.",
		Err:     fmt.Errorf("history item %s: %w", id, err),
	}
}
