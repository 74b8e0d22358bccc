package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"docsync/internal/eventbus"
	"docsync/internal/store"
)

// DefaultBatchSize is how many _changes rows a pull or push requests per
// round trip, and the fallback insert-batch size when config leaves either
// at zero.
const DefaultBatchSize = 100

// openRevsPoolSize bounds the worker pool fetchViaOpenRevs spreads a
// sub-batch's per-document fetches across, the way a single bulk_get round
// trip gets approximated when the remote predates that endpoint.
const openRevsPoolSize = 8

// PullStrategy replicates documents from a remote CouchDB-compatible
// database into a local Store, checkpointing its progress so a resumed
// pull picks up where the last one left off instead of rescanning from
// the beginning.
type PullStrategy struct {
	counters

	client        *Client
	local         store.Store
	blobs         store.BlobStore
	replicationID string
	filter        Filter

	batchSize             int
	insertBatchSize       int
	pullAttachmentsInline bool

	bus *eventbus.Bus

	// bulkGetUnsupported is set the first time the remote reports it
	// doesn't implement _bulk_get, so every later chunk this run goes
	// straight to the open_revs fallback instead of probing again.
	bulkGetUnsupported bool

	cancel context.CancelFunc
}

// NewPullStrategy builds a PullStrategy pulling from client into local,
// identified by source/target (used only to compute the replication id,
// not to dial anywhere). blobs is consulted to skip re-streaming an
// attachment the local store already holds under its digest when
// cfg.PullAttachmentsInline is false.
func NewPullStrategy(client *Client, local store.Store, blobs store.BlobStore, source, target string, filter Filter, cfg BatchConfig) (*PullStrategy, error) {
	id, err := ID(source, target, filter)
	if err != nil {
		return nil, err
	}
	return &PullStrategy{
		client:                client,
		local:                 local,
		blobs:                 blobs,
		replicationID:         id,
		filter:                filter,
		batchSize:             cfg.changeLimit(),
		insertBatchSize:       cfg.insertBatch(),
		pullAttachmentsInline: cfg.PullAttachmentsInline,
		bus:                   eventbus.New(),
	}, nil
}

func (p *PullStrategy) EventBus() *eventbus.Bus { return p.bus }

func (p *PullStrategy) Cancel() {
	p.markCanceled()
	if p.cancel != nil {
		p.cancel()
	}
}

// Run pulls batches from the remote change feed until it is exhausted or
// ctx is canceled, force-inserting every revision the local store doesn't
// already have. A Cancel() that arrived before Run() was called is honored
// immediately: Run publishes a terminated event with zero counters and
// returns without touching the remote.
func (p *PullStrategy) Run(ctx context.Context) error {
	if p.isCanceled() {
		p.terminate.Store(true)
		p.bus.Publish(ReplicationStarted{ReplicationID: p.replicationID})
		err := context.Canceled
		p.bus.Publish(ReplicationCompleted{ReplicationID: p.replicationID, DocsReplicated: 0, Err: err})
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()
	defer p.terminate.Store(true)

	p.bus.Publish(ReplicationStarted{ReplicationID: p.replicationID})

	since, err := p.loadCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		resp, err := p.client.Changes(ctx, since, p.batchSize, p.filter.DocIDs, p.filter.Selector)
		if err != nil {
			runErr = fmt.Errorf("fetching changes: %w", err)
			break
		}
		if len(resp.Results) == 0 {
			break
		}

		if err := p.applyBatch(ctx, resp.Results); err != nil {
			runErr = fmt.Errorf("applying batch: %w", err)
			break
		}
		p.batches.Add(1)

		since = resp.Results[len(resp.Results)-1].Seq
		if err := p.saveCheckpoint(ctx, since); err != nil {
			runErr = fmt.Errorf("saving checkpoint: %w", err)
			break
		}
	}

	p.bus.Publish(ReplicationCompleted{ReplicationID: p.replicationID, DocsReplicated: p.docs.Load(), Err: runErr})
	return runErr
}

// applyBatch resolves a _changes batch's missing revisions and inserts
// them, partitioning the work into insertBatchSize-sized sub-batches so a
// round trip's worth of bulk_get (or its open_revs fallback) never exceeds
// the size config asked for.
func (p *PullStrategy) applyBatch(ctx context.Context, rows []ChangeRow) error {
	var requests []BulkGetRequest
	for _, row := range rows {
		missing, err := p.missingRevs(row)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			requests = append(requests, BulkGetRequest{ID: row.ID, Revs: missing})
		}
	}
	if len(requests) == 0 {
		return nil
	}

	size := p.insertBatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	for start := 0; start < len(requests); start += size {
		end := start + size
		if end > len(requests) {
			end = len(requests)
		}
		if err := p.applyChunk(ctx, requests[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *PullStrategy) applyChunk(ctx context.Context, requests []BulkGetRequest) error {
	results, err := p.fetchChunk(ctx, requests)
	if err != nil {
		return err
	}

	for _, result := range results {
		for _, d := range result.Docs {
			if d.Error != "" || d.OK == nil {
				continue
			}
			if err := p.forceInsertOne(ctx, d.OK); err != nil {
				return fmt.Errorf("document %s: %w", result.ID, err)
			}
			p.docs.Add(1)
		}
	}
	return nil
}

// fetchChunk resolves one sub-batch of (docid, revs) pairs via _bulk_get,
// falling back for the rest of the run to a bounded pool of open_revs
// fetches the first time the remote reports it doesn't support bulk_get.
func (p *PullStrategy) fetchChunk(ctx context.Context, requests []BulkGetRequest) ([]BulkGetResult, error) {
	if !p.bulkGetUnsupported {
		results, err := p.client.BulkGet(ctx, requests, p.pullAttachmentsInline)
		if err == nil {
			return results, nil
		}
		if !BulkGetUnsupported(err) {
			return nil, err
		}
		p.bulkGetUnsupported = true
	}
	return p.fetchViaOpenRevs(ctx, requests)
}

// fetchViaOpenRevs fetches each request's revisions individually through a
// fixed-size worker pool, the threaded open_revs fallback for a remote that
// doesn't implement _bulk_get.
func (p *PullStrategy) fetchViaOpenRevs(ctx context.Context, requests []BulkGetRequest) ([]BulkGetResult, error) {
	results := make([]BulkGetResult, len(requests))
	errs := make([]error, len(requests))

	sem := make(chan struct{}, openRevsPoolSize)
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, req BulkGetRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			docs, err := p.client.OpenRevsGet(ctx, req.ID, req.Revs, p.pullAttachmentsInline)
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = BulkGetResult{ID: req.ID, Docs: docs}
		}(i, req)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// missingRevs filters a ChangeRow's leaf revisions down to the ones the
// local store does not already have.
func (p *PullStrategy) missingRevs(row ChangeRow) ([]string, error) {
	var missing []string
	for _, c := range row.Changes {
		_, err := p.local.Read(row.ID, c.Rev)
		if err == store.ErrNotFound {
			missing = append(missing, c.Rev)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (p *PullStrategy) forceInsertOne(ctx context.Context, doc map[string]any) error {
	docID, _ := doc["_id"].(string)
	revID, _ := doc["_rev"].(string)
	deleted, _ := doc["_deleted"].(bool)

	history, err := historyFromRevisions(doc)
	if err != nil {
		return err
	}
	attachments, err := p.resolveAttachments(ctx, docID, revID, doc)
	if err != nil {
		return err
	}
	body := stripMetadataFields(doc)

	return p.local.ForceInsert(docID, revID, history, body, deleted, attachments)
}

// resolveAttachments decodes doc's _attachments and, when attachments
// weren't requested inline, streams only the ones the local store doesn't
// already hold under their digest — the skip-by-SHA1 half of the
// attachment-skipping algorithm, the other half being the remote only
// sending a stub in the first place.
func (p *PullStrategy) resolveAttachments(ctx context.Context, docID, revID string, doc map[string]any) ([]store.AttachmentInput, error) {
	inputs, err := attachmentsFromDocument(doc)
	if err != nil {
		return nil, err
	}
	if p.pullAttachmentsInline || p.blobs == nil {
		return inputs, nil
	}

	for i := range inputs {
		in := &inputs[i]
		if in.Data != nil || in.Digest == "" {
			continue
		}
		if p.blobs.Has(in.Digest) {
			continue
		}
		rc, err := p.client.GetAttachment(ctx, docID, in.Filename, revID)
		if err != nil {
			return nil, fmt.Errorf("streaming attachment %s of %s: %w", in.Filename, docID, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading attachment %s of %s: %w", in.Filename, docID, err)
		}
		in.Data = bytes.NewReader(data)
		in.Length = int64(len(data))
	}
	return inputs, nil
}

func (p *PullStrategy) loadCheckpoint(ctx context.Context) (string, error) {
	body, err := p.local.GetLocalDocument(checkpointDocID(p.replicationID))
	if err == store.ErrNotFound {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	var cp Checkpoint
	if err := json.Unmarshal(body, &cp); err != nil {
		return "0", nil
	}
	if cp.LastSeq == "" {
		return "0", nil
	}
	return cp.LastSeq, nil
}

func (p *PullStrategy) saveCheckpoint(ctx context.Context, seq string) error {
	cp := Checkpoint{ReplicationID: p.replicationID, LastSeq: seq}
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := p.local.PutLocalDocument(checkpointDocID(p.replicationID), body); err != nil {
		return err
	}

	remoteBody := map[string]any{"replication_id": p.replicationID, "last_seq": seq, "updated_at": time.Now().UTC().Format(time.RFC3339)}
	return p.client.PutLocalDoc(ctx, p.replicationID, remoteBody)
}

var _ Strategy = (*PullStrategy)(nil)
