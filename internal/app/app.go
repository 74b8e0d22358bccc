package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/spf13/afero"

	"docsync/internal/blobstore"
	"docsync/internal/config"
	"docsync/internal/docmodel"
	"docsync/internal/eventbus"
	"docsync/internal/queryengine"
	"docsync/internal/replication"
	"docsync/internal/sqlitestore"
	"docsync/internal/store"
)

// App is the application layer between the CLI and the Revision Tree
// Engine, the ad-hoc query engine, and the pull/push replication engine. It
// constructs every collaborator from config, exposes high-level operations
// that accept raw strings and JSON, and manages their lifecycle on Close.
type App struct {
	cfg    *config.Config
	bus    *eventbus.Bus
	blobs  *blobstore.FileSystemBlobStore
	engine *store.Engine
	query  *queryengine.Engine

	logFile *os.File
}

// NewApp creates a fully wired App from the given config. operation
// identifies the CLI command being run (e.g. "put", "replicate"); it is
// logged once, on the "app started" line, while every log line carries the
// process's start timestamp as its operation id.
func NewApp(cfg *config.Config, operation string) (*App, error) {
	enc, err := newBlobEncryptor(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("configuring attachment encryption: %w", err)
	}

	blobs, err := blobstore.New(afero.NewOsFs(), cfg.BlobStore.Root, enc)
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}

	if err := os.MkdirAll(cfg.Store.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	sqlStore, err := sqlitestore.Open(filepath.Join(cfg.Store.DataDir, "docsync.db"), blobs)
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	logger.Info("app started", "operation", operation)

	bus := eventbus.New()
	engine, err := store.NewEngine(sqlStore, bus, store.RealClock{}, &slogAdapter{l: logger}, store.DefaultCacheSize)
	if err != nil {
		sqlStore.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	var qe *queryengine.Engine
	if cfg.QueryEngine.Enabled {
		if err := os.MkdirAll(cfg.QueryEngine.DataDir, 0755); err != nil {
			engine.Close()
			logFile.Close()
			return nil, fmt.Errorf("creating query engine directory: %w", err)
		}
		qe, err = queryengine.Open(filepath.Join(cfg.QueryEngine.DataDir, "index.db"), engine, bus)
		if err != nil {
			engine.Close()
			logFile.Close()
			return nil, fmt.Errorf("opening query engine: %w", err)
		}
	}

	return &App{
		cfg:     cfg,
		bus:     bus,
		blobs:   blobs,
		engine:  engine,
		query:   qe,
		logFile: logFile,
	}, nil
}

// newBlobEncryptor builds the attachment-at-rest Encryptor named by cfg, or
// nil (blobstore.New then uses a no-op passthrough) when cfg.Type is empty.
func newBlobEncryptor(cfg config.EncryptionConfig) (blobstore.Encryptor, error) {
	if cfg.Type == "" {
		return nil, nil
	}
	if cfg.Type != "age" {
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}

	pub, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(pub))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in public key file")
	}
	enc := blobstore.NewAgeEncryptor(recipients[0])

	// Attachments can always be written without the passphrase; reading an
	// encrypted attachment back needs the private key unlocked. DOCSYNC_PASSPHRASE
	// lets a long-running or scripted process (replication, a daemon) unlock at
	// startup instead of blocking on an interactive prompt it has no terminal for.
	if passphrase := os.Getenv("DOCSYNC_PASSPHRASE"); passphrase != "" {
		identity, err := blobstore.UnlockIdentityFile(cfg.PrivateKeyPath, passphrase)
		if err != nil {
			return nil, fmt.Errorf("unlocking attachment encryption key: %w", err)
		}
		enc.Unlock(identity)
	}
	return enc, nil
}

// Create inserts a new document.
func (a *App) Create(docID string, body []byte, attachments []store.AttachmentInput) (docmodel.Revision, error) {
	return a.engine.Create(docID, body, attachments)
}

// Get returns a document revision. An empty revID returns the current
// winner.
func (a *App) Get(docID, revID string) (docmodel.Revision, error) {
	return a.engine.Read(docID, revID)
}

// Update writes a new child revision of parentRevID.
func (a *App) Update(docID, parentRevID string, body []byte, attachments []store.AttachmentInput) (docmodel.Revision, error) {
	return a.engine.Update(docID, parentRevID, body, attachments)
}

// Delete writes a tombstone child of revID.
func (a *App) Delete(docID, revID string) (docmodel.Revision, error) {
	return a.engine.Delete(docID, revID)
}

// ConflictedIDs returns every doc id with more than one non-deleted current
// leaf.
func (a *App) ConflictedIDs() ([]string, error) {
	return a.engine.ConflictedIDs()
}

// ResolveConflicts tombstones every leaf of docID except keptRevID.
func (a *App) ResolveConflicts(docID, keptRevID string) error {
	return a.engine.ResolveConflicts(docID, keptRevID)
}

// Compact purges the bodies of non-leaf revisions.
func (a *App) Compact() error {
	return a.engine.Compact()
}

// Changes returns the next page of the change feed after since.
func (a *App) Changes(since int64, limit int) ([]docmodel.ChangeEntry, int64, error) {
	return a.engine.Changes(since, limit)
}

// Find runs an ad-hoc query. Returns an error if the query engine is
// disabled in config.
func (a *App) Find(ctx context.Context, sel queryengine.Selector, limit int) ([]queryengine.Result, error) {
	if a.query == nil {
		return nil, fmt.Errorf("query engine is disabled")
	}
	return a.query.Find(ctx, sel, limit)
}

// CreateIndex creates a named index over fields, and brings it up to date
// with every document already in the store.
func (a *App) CreateIndex(ctx context.Context, name string, fields []string, typ queryengine.IndexType) error {
	if a.query == nil {
		return fmt.Errorf("query engine is disabled")
	}
	if err := a.query.CreateIndex(ctx, name, fields, typ); err != nil {
		return err
	}
	return a.query.Reindex(ctx)
}

// ListIndexes lists every index currently defined.
func (a *App) ListIndexes(ctx context.Context) ([]queryengine.IndexInfo, error) {
	if a.query == nil {
		return nil, fmt.Errorf("query engine is disabled")
	}
	return a.query.ListIndexes(ctx)
}

// DeleteIndex drops a previously created index.
func (a *App) DeleteIndex(ctx context.Context, name string) error {
	if a.query == nil {
		return fmt.Errorf("query engine is disabled")
	}
	return a.query.DeleteIndex(ctx, name)
}

// Replicate runs the named replication from config to completion (or until
// ctx is canceled), returning the number of documents it transferred.
func (a *App) Replicate(ctx context.Context, name string) (int64, error) {
	rc, err := a.replicationConfig(name)
	if err != nil {
		return 0, err
	}

	replays := uint64(3)
	if rc.NumberOfReplays > 0 {
		replays = uint64(rc.NumberOfReplays)
	}
	initialBackoff := time.Duration(rc.InitialBackoffMillis) * time.Millisecond

	transport, err := replication.NewDefaultTransport(30*time.Second, replays, initialBackoff, rc.PreferRetryAfter)
	if err != nil {
		return 0, fmt.Errorf("creating transport: %w", err)
	}
	client := replication.NewClient(rc.RemoteURL, transport)
	filter := replication.Filter{DocIDs: rc.DocIDs}
	batchCfg := replication.BatchConfig{
		ChangeLimitPerBatch:   rc.ChangeLimitPerBatch,
		InsertBatchSize:       rc.InsertBatchSize,
		PullAttachmentsInline: rc.PullAttachmentsInline,
	}

	var strategy replication.Strategy
	switch rc.Type {
	case "pull":
		strategy, err = replication.NewPullStrategy(client, a.engine, a.blobs, a.cfg.HostID, rc.RemoteURL, filter, batchCfg)
	case "push":
		strategy, err = replication.NewPushStrategy(client, a.engine, a.blobs, a.cfg.HostID, rc.RemoteURL, filter, batchCfg)
	default:
		return 0, fmt.Errorf("replication %q has unknown type %q", name, rc.Type)
	}
	if err != nil {
		return 0, fmt.Errorf("building %s replication: %w", rc.Type, err)
	}

	if err := strategy.Run(ctx); err != nil {
		return strategy.DocumentCounter(), err
	}
	return strategy.DocumentCounter(), nil
}

func (a *App) replicationConfig(name string) (config.ReplicationConfig, error) {
	for _, rc := range a.cfg.Replication {
		if rc.Name == name {
			return rc, nil
		}
	}
	return config.ReplicationConfig{}, fmt.Errorf("no replication configured with name %q", name)
}

// EventBus returns the app's process-wide event bus, so a CLI command that
// wants to print progress can subscribe before starting a long operation.
func (a *App) EventBus() *eventbus.Bus { return a.bus }

// Close releases every collaborator's resources, query engine first since
// it holds a subscription into the store's event bus.
func (a *App) Close() error {
	var firstErr error
	if a.query != nil {
		if err := a.query.Close(); err != nil {
			firstErr = fmt.Errorf("closing query engine: %w", err)
		}
	}
	if err := a.engine.Close(); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("closing engine: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
