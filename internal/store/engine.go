package store

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"docsync/internal/docmodel"
	"docsync/internal/eventbus"
)

// DefaultCacheSize is the default capacity of Engine's revision read cache.
const DefaultCacheSize = 1000

// Engine is the orchestration layer above a raw Store: it publishes the
// change-notification events specified for every mutating operation, and
// fronts reads with a bounded cache of decoded revision bodies. This mirrors
// the split the teacher draws between its dumb Database CRUD layer and the
// business-logic BTService that sits on top of it.
type Engine struct {
	store  Store
	bus    *eventbus.Bus
	clock  Clock
	logger Logger

	// cache holds immutable, explicit-revision reads keyed by
	// "docID\x00revID", plus the current winner keyed by "docID\x00" — the
	// latter is invalidated on every mutation event for that doc id.
	cache *lru.Cache
}

// NewEngine wires a Store to an event bus, clock, and logger, with a read
// cache of the given capacity (0 uses DefaultCacheSize).
func NewEngine(s Store, bus *eventbus.Bus, clock Clock, logger Logger, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating read cache: %w", err)
	}
	return &Engine{store: s, bus: bus, clock: clock, logger: logger, cache: c}, nil
}

func cacheKey(docID, revID string) string { return docID + "\x00" + revID }

func (e *Engine) invalidate(docID string) {
	e.cache.Remove(cacheKey(docID, ""))
}

// Create inserts a new document and publishes DocumentCreated.
func (e *Engine) Create(docID string, body []byte, attachments []AttachmentInput) (docmodel.Revision, error) {
	rev, err := e.store.Create(docID, body, attachments)
	if err != nil {
		return docmodel.Revision{}, err
	}
	e.cache.Add(cacheKey(docID, rev.RevID), rev)
	e.invalidate(docID)
	e.bus.Publish(docmodel.DocumentCreated{DocID: docID, Rev: rev, At: e.clock.Now()})
	e.logger.Info("document created", "doc_id", docID, "rev", rev.RevID)
	return rev, nil
}

// Read returns a revision, preferring the cache for explicit-revision reads
// and for repeated winner reads of the same document between mutations.
func (e *Engine) Read(docID, revID string) (docmodel.Revision, error) {
	key := cacheKey(docID, revID)
	if v, ok := e.cache.Get(key); ok {
		return v.(docmodel.Revision), nil
	}
	rev, err := e.store.Read(docID, revID)
	if err != nil {
		return docmodel.Revision{}, err
	}
	e.cache.Add(key, rev)
	if revID != "" {
		// An explicit-rev read also primes the winner slot if it happens to
		// be the current winner — harmless if it isn't, since invalidate on
		// the next mutation clears it regardless.
		if rev.Current {
			e.cache.Add(cacheKey(docID, ""), rev)
		}
	}
	return rev, nil
}

// Update writes a new revision and publishes DocumentUpdated.
func (e *Engine) Update(docID, parentRevID string, body []byte, attachments []AttachmentInput) (docmodel.Revision, error) {
	prev, err := e.store.Read(docID, parentRevID)
	if err != nil {
		return docmodel.Revision{}, err
	}
	rev, err := e.store.Update(docID, parentRevID, body, attachments)
	if err != nil {
		return docmodel.Revision{}, err
	}
	e.cache.Add(cacheKey(docID, rev.RevID), rev)
	e.invalidate(docID)
	e.bus.Publish(docmodel.DocumentUpdated{DocID: docID, Prev: prev, New: rev, At: e.clock.Now()})
	e.logger.Info("document updated", "doc_id", docID, "rev", rev.RevID, "parent", parentRevID)
	return rev, nil
}

// Delete writes a tombstone and publishes DocumentDeleted.
func (e *Engine) Delete(docID, revID string) (docmodel.Revision, error) {
	prev, err := e.store.Read(docID, revID)
	if err != nil {
		return docmodel.Revision{}, err
	}
	tomb, err := e.store.Delete(docID, revID)
	if err != nil {
		return docmodel.Revision{}, err
	}
	e.cache.Add(cacheKey(docID, tomb.RevID), tomb)
	e.invalidate(docID)
	e.bus.Publish(docmodel.DocumentDeleted{DocID: docID, Prev: prev, Tombstone: tomb, At: e.clock.Now()})
	e.logger.Info("document deleted", "doc_id", docID, "rev", tomb.RevID)
	return tomb, nil
}

// ForceInsert writes revID and its ancestor history, publishing whichever of
// DocumentCreated/DocumentUpdated/DocumentDeleted matches the resulting
// change in winner. Used by the replication write path.
func (e *Engine) ForceInsert(docID, revID string, history []string, body []byte, deleted bool, attachments []AttachmentInput) error {
	oldWinner, err := e.store.Read(docID, "")
	hadDoc := true
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		hadDoc = false
	}

	if err := e.store.ForceInsert(docID, revID, history, body, deleted, attachments); err != nil {
		return err
	}

	newWinner, err := e.store.Read(docID, "")
	if err != nil {
		return fmt.Errorf("reading winner after forceInsert: %w", err)
	}
	e.invalidate(docID)
	e.cache.Add(cacheKey(docID, newWinner.RevID), newWinner)

	now := e.clock.Now()
	switch {
	case !hadDoc:
		e.bus.Publish(docmodel.DocumentCreated{DocID: docID, Rev: newWinner, At: now})
	case oldWinner.RevID == newWinner.RevID:
		// Idempotent replay of an already-known revision: no change, no event.
	case newWinner.Deleted && !oldWinner.Deleted:
		e.bus.Publish(docmodel.DocumentDeleted{DocID: docID, Prev: oldWinner, Tombstone: newWinner, At: now})
	default:
		e.bus.Publish(docmodel.DocumentUpdated{DocID: docID, Prev: oldWinner, New: newWinner, At: now})
	}
	e.logger.Debug("force-inserted revision", "doc_id", docID, "rev", revID)
	return nil
}

// ConflictedIDs delegates to the underlying store.
func (e *Engine) ConflictedIDs() ([]string, error) { return e.store.ConflictedIDs() }

// ResolveConflicts delegates to the underlying store and invalidates the
// cached winner for docID.
func (e *Engine) ResolveConflicts(docID, keptRevID string) error {
	if err := e.store.ResolveConflicts(docID, keptRevID); err != nil {
		return err
	}
	e.invalidate(docID)
	return nil
}

// Compact delegates to the underlying store and clears the cache, since
// compaction rewrites bodies the cache may be holding stale copies of.
func (e *Engine) Compact() error {
	if err := e.store.Compact(); err != nil {
		return err
	}
	e.cache.Purge()
	return nil
}

// Changes delegates to the underlying store.
func (e *Engine) Changes(since int64, limit int) ([]docmodel.ChangeEntry, int64, error) {
	return e.store.Changes(since, limit)
}

// DocumentCount delegates to the underlying store.
func (e *Engine) DocumentCount() (int, error) { return e.store.DocumentCount() }

// CurrentSequence delegates to the underlying store.
func (e *Engine) CurrentSequence() (int64, error) { return e.store.CurrentSequence() }

// PutLocalDocument delegates to the underlying store.
func (e *Engine) PutLocalDocument(docID string, body []byte) error {
	return e.store.PutLocalDocument(docID, body)
}

// GetLocalDocument delegates to the underlying store.
func (e *Engine) GetLocalDocument(docID string) ([]byte, error) {
	return e.store.GetLocalDocument(docID)
}

// DeleteLocalDocument delegates to the underlying store.
func (e *Engine) DeleteLocalDocument(docID string) error {
	return e.store.DeleteLocalDocument(docID)
}

// Close closes the underlying store.
func (e *Engine) Close() error { return e.store.Close() }

// EventBus returns the engine's event bus, so replication strategies and
// the query engine's index updater can subscribe to document events.
func (e *Engine) EventBus() *eventbus.Bus { return e.bus }

var _ Store = (*Engine)(nil)
