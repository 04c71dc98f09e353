package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"nimbusd/pkg/logger"
	"nimbusd/pkg/models"
	"nimbusd/pkg/utils"
)

// ErrNotFound is returned when a thread or settings document does not exist.
var ErrNotFound = errors.New("not found")

// ErrRevisionConflict is returned when a write carries a stale revision.
// Callers should re-read the thread and retry.
var ErrRevisionConflict = errors.New("revision conflict")

// maxCASRetries bounds optimistic-write retry loops.
const maxCASRetries = 3

// Store is the persistence client. All thread and settings documents are
// namespaced by owner; keys look like
//
//	owner:<ownerKey>:thread:<threadID>:meta
//	owner:<ownerKey>:settings
//
// where ownerKey is "user:<id>" or "guest:<id>". Thread documents carry a
// revision compared on write, so a stale full-document overwrite cannot
// stomp newer data.
type Store struct {
	db   *pebble.DB
	path string
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("pebble_opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying pebble DB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

func threadKey(owner models.Owner, threadID string) []byte {
	return []byte("owner:" + owner.Key() + ":thread:" + threadID + ":meta")
}

func threadPrefix(owner models.Owner) []byte {
	return []byte("owner:" + owner.Key() + ":thread:")
}

func settingsKey(owner models.Owner) []byte {
	return []byte("owner:" + owner.Key() + ":settings")
}

// CreateThread creates an empty thread under the owner's namespace with
// timestamps set to now and returns it, including the assigned id.
func (s *Store) CreateThread(owner models.Owner, title string) (models.Thread, error) {
	now := time.Now().UTC().UnixNano()
	th := models.Thread{
		ID:        utils.GenThreadID(),
		Title:     title,
		History:   []models.Exchange{},
		CreatedTS: now,
		UpdatedTS: now,
		Rev:       1,
	}
	if title != "" {
		th.Slug = utils.MakeSlug(title, th.ID)
	}
	b, err := json.Marshal(th)
	if err != nil {
		return models.Thread{}, fmt.Errorf("failed to marshal thread: %w", err)
	}
	if err := s.db.Set(threadKey(owner, th.ID), b, pebble.Sync); err != nil {
		logger.Error("create_thread_failed", "owner", owner.Key(), "thread", th.ID, "error", err)
		return models.Thread{}, err
	}
	threadsCreated.Inc()
	logger.Info("thread_created", "owner", owner.Key(), "thread", th.ID)
	return th, nil
}

// GetThread returns the stored thread for the owner, or ErrNotFound.
func (s *Store) GetThread(owner models.Owner, threadID string) (models.Thread, error) {
	v, closer, err := s.db.Get(threadKey(owner, threadID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.Thread{}, ErrNotFound
		}
		return models.Thread{}, err
	}
	defer closer.Close()
	var th models.Thread
	if err := json.Unmarshal(v, &th); err != nil {
		return models.Thread{}, fmt.Errorf("invalid thread document: %w", err)
	}
	return th, nil
}

// SaveThread overwrites the thread document if the stored revision matches
// expectedRev, bumping the revision and refreshing UpdatedTS. A stale
// expectedRev yields ErrRevisionConflict; a missing thread yields
// ErrNotFound.
func (s *Store) SaveThread(owner models.Owner, th models.Thread, expectedRev uint64) (models.Thread, error) {
	cur, err := s.GetThread(owner, th.ID)
	if err != nil {
		return models.Thread{}, err
	}
	if cur.Rev != expectedRev {
		revConflicts.Inc()
		logger.Warn("thread_revision_conflict", "owner", owner.Key(), "thread", th.ID,
			"stored_rev", cur.Rev, "expected_rev", expectedRev)
		return models.Thread{}, ErrRevisionConflict
	}
	th.Rev = expectedRev + 1
	th.UpdatedTS = time.Now().UTC().UnixNano()
	b, err := json.Marshal(th)
	if err != nil {
		return models.Thread{}, fmt.Errorf("failed to marshal thread: %w", err)
	}
	if err := s.db.Set(threadKey(owner, th.ID), b, pebble.Sync); err != nil {
		logger.Error("save_thread_failed", "owner", owner.Key(), "thread", th.ID, "error", err)
		return models.Thread{}, err
	}
	logger.Debug("thread_saved", "owner", owner.Key(), "thread", th.ID, "rev", th.Rev)
	return th, nil
}

// PutThreadIfAbsent writes the thread verbatim under the owner's namespace
// unless a document already exists there. It reports whether the write
// happened. The guest-merge process uses this to stay idempotent across
// partial retries.
func (s *Store) PutThreadIfAbsent(owner models.Owner, th models.Thread) (bool, error) {
	key := threadKey(owner, th.ID)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, err
	}
	b, merr := json.Marshal(th)
	if merr != nil {
		return false, fmt.Errorf("failed to marshal thread: %w", merr)
	}
	if err := s.db.Set(key, b, pebble.Sync); err != nil {
		logger.Error("put_thread_failed", "owner", owner.Key(), "thread", th.ID, "error", err)
		return false, err
	}
	return true, nil
}

// AppendExchange loads the thread, appends the exchange and writes the
// history back, retrying on revision conflict. It returns the saved thread.
func (s *Store) AppendExchange(owner models.Owner, threadID string, ex models.Exchange) (models.Thread, error) {
	var lastErr error
	for i := 0; i < maxCASRetries; i++ {
		th, err := s.GetThread(owner, threadID)
		if err != nil {
			return models.Thread{}, err
		}
		rev := th.Rev
		th.History = append(th.History, ex)
		saved, err := s.SaveThread(owner, th, rev)
		if err == nil {
			exchangesAppended.Inc()
			return saved, nil
		}
		if !errors.Is(err, ErrRevisionConflict) {
			return models.Thread{}, err
		}
		lastErr = err
	}
	return models.Thread{}, lastErr
}

// SetExchangeResponse fills the response of the exchange identified by its
// creation timestamp. Completions are bound to the thread id captured at
// submission time, so a response landing after the user switched threads
// still updates the originating thread. The response must be written whole;
// an already-filled exchange is left untouched.
func (s *Store) SetExchangeResponse(owner models.Owner, threadID string, exchangeTS int64, response string) (models.Thread, error) {
	var lastErr error
	for i := 0; i < maxCASRetries; i++ {
		th, err := s.GetThread(owner, threadID)
		if err != nil {
			return models.Thread{}, err
		}
		rev := th.Rev
		idx := -1
		for j := len(th.History) - 1; j >= 0; j-- {
			if th.History[j].TS == exchangeTS {
				idx = j
				break
			}
		}
		if idx < 0 {
			return models.Thread{}, fmt.Errorf("exchange %d not found in thread %s: %w", exchangeTS, threadID, ErrNotFound)
		}
		if th.History[idx].Response != "" {
			// already completed; do not overwrite
			return th, nil
		}
		th.History[idx].Response = response
		saved, err := s.SaveThread(owner, th, rev)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, ErrRevisionConflict) {
			return models.Thread{}, err
		}
		lastErr = err
	}
	return models.Thread{}, lastErr
}

// ClearHistory removes all exchanges from the thread, keeping the thread
// document itself.
func (s *Store) ClearHistory(owner models.Owner, threadID string) (models.Thread, error) {
	var lastErr error
	for i := 0; i < maxCASRetries; i++ {
		th, err := s.GetThread(owner, threadID)
		if err != nil {
			return models.Thread{}, err
		}
		rev := th.Rev
		th.History = []models.Exchange{}
		saved, err := s.SaveThread(owner, th, rev)
		if err == nil {
			logger.Info("thread_history_cleared", "owner", owner.Key(), "thread", threadID)
			return saved, nil
		}
		if !errors.Is(err, ErrRevisionConflict) {
			return models.Thread{}, err
		}
		lastErr = err
	}
	return models.Thread{}, lastErr
}

// DeleteThread removes the thread permanently. No tombstone, no undo.
func (s *Store) DeleteThread(owner models.Owner, threadID string) error {
	if _, err := s.GetThread(owner, threadID); err != nil {
		return err
	}
	if err := s.db.Delete(threadKey(owner, threadID), pebble.Sync); err != nil {
		logger.Error("delete_thread_failed", "owner", owner.Key(), "thread", threadID, "error", err)
		return err
	}
	logger.Info("thread_deleted", "owner", owner.Key(), "thread", threadID)
	return nil
}

// ListThreads returns all threads for the owner. Order is whatever the
// iterator delivers; callers that care should sort by UpdatedTS.
func (s *Store) ListThreads(owner models.Owner) ([]models.Thread, error) {
	prefix := threadPrefix(owner)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			logger.Warn("list_threads_bad_document", "owner", owner.Key(), "key", string(iter.Key()))
			continue
		}
		out = append(out, th)
	}
	return out, iter.Error()
}

// GetSettings returns the owner's settings document, or ErrNotFound when
// none was saved yet.
func (s *Store) GetSettings(owner models.Owner) (models.UserSettings, error) {
	v, closer, err := s.db.Get(settingsKey(owner))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return models.UserSettings{}, ErrNotFound
		}
		return models.UserSettings{}, err
	}
	defer closer.Close()
	var us models.UserSettings
	if err := json.Unmarshal(v, &us); err != nil {
		return models.UserSettings{}, fmt.Errorf("invalid settings document: %w", err)
	}
	return us, nil
}

// SaveSettings overwrites the owner's settings document.
func (s *Store) SaveSettings(owner models.Owner, us models.UserSettings) error {
	us.UpdatedTS = time.Now().UTC().UnixNano()
	b, err := json.Marshal(us)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := s.db.Set(settingsKey(owner), b, pebble.Sync); err != nil {
		logger.Error("save_settings_failed", "owner", owner.Key(), "error", err)
		return err
	}
	logger.Info("settings_saved", "owner", owner.Key())
	return nil
}

// DeleteSettings removes the owner's settings document if present.
func (s *Store) DeleteSettings(owner models.Owner) error {
	return s.db.Delete(settingsKey(owner), pebble.Sync)
}

// ListGuestOwners returns the distinct guest ids that have at least one
// stored document. The retention sweeper uses this to find stale guest
// namespaces.
func (s *Store) ListGuestOwners() ([]string, error) {
	prefix := []byte("owner:guest:")
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	seen := map[string]struct{}{}
	var out []string
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		rest := string(iter.Key()[len(prefix):])
		id := rest
		if i := strings.Index(rest, ":"); i >= 0 {
			id = rest[:i]
		}
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, iter.Error()
}

// LastActivity returns the newest UpdatedTS across the owner's threads and
// settings, or zero when the namespace is empty.
func (s *Store) LastActivity(owner models.Owner) (int64, error) {
	threads, err := s.ListThreads(owner)
	if err != nil {
		return 0, err
	}
	var latest int64
	for _, th := range threads {
		if th.UpdatedTS > latest {
			latest = th.UpdatedTS
		}
	}
	if us, err := s.GetSettings(owner); err == nil && us.UpdatedTS > latest {
		latest = us.UpdatedTS
	}
	return latest, nil
}
