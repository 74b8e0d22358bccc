package replication

import (
	"context"
	"sync/atomic"

	"docsync/internal/eventbus"
)

// BatchConfig carries the batching/attachment knobs a Config's Replication
// section documents, shared by NewPullStrategy and NewPushStrategy so both
// strategies read them the same way.
type BatchConfig struct {
	// ChangeLimitPerBatch is how many _changes/local-change rows to
	// request per round trip. Zero means DefaultBatchSize.
	ChangeLimitPerBatch int
	// InsertBatchSize is how many revisions a pull's bulk-get (or a
	// push's _bulk_docs) call carries per round trip. Zero means
	// DefaultBatchSize.
	InsertBatchSize int
	// PullAttachmentsInline, when false (the default), makes a pull
	// request attachment stubs only and stream any the local store
	// doesn't already hold under their digest, instead of having the
	// remote inline every attachment's bytes as base64 in the document
	// body.
	PullAttachmentsInline bool
}

func (c BatchConfig) changeLimit() int {
	if c.ChangeLimitPerBatch > 0 {
		return c.ChangeLimitPerBatch
	}
	return DefaultBatchSize
}

func (c BatchConfig) insertBatch() int {
	if c.InsertBatchSize > 0 {
		return c.InsertBatchSize
	}
	return DefaultBatchSize
}

// Strategy is implemented by PullStrategy and PushStrategy: a single run of
// a replication from start to completion (or cancellation).
type Strategy interface {
	Run(ctx context.Context) error
	Cancel()
	EventBus() *eventbus.Bus
	DocumentCounter() int64
	BatchCounter() int64
	Terminated() bool
}

// counters is embedded by both strategies to track progress the way a
// caller's UI or log line would report it.
type counters struct {
	docs      atomic.Int64
	batches   atomic.Int64
	terminate atomic.Bool
	canceled  atomic.Bool
}

func (c *counters) DocumentCounter() int64 { return c.docs.Load() }
func (c *counters) BatchCounter() int64    { return c.batches.Load() }
func (c *counters) Terminated() bool       { return c.terminate.Load() }

// markCanceled records a Cancel() call independently of the
// context.CancelFunc a strategy only creates once Run starts, so a Cancel()
// that arrives before Run() is still honored instead of silently no-oping.
func (c *counters) markCanceled() { c.canceled.Store(true) }

func (c *counters) isCanceled() bool { return c.canceled.Load() }

// --- Notifications -------------------------------------------------------

// ReplicationStarted is published when a strategy's Run begins.
type ReplicationStarted struct {
	ReplicationID string
}

// ReplicationCompleted is published when Run returns, successfully or not.
type ReplicationCompleted struct {
	ReplicationID  string
	DocsReplicated int64
	Err            error
}
