package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"docsync/internal/docmodel"
	"docsync/internal/eventbus"
	"docsync/internal/store"
)

// PushStrategy replicates documents from a local Store to a remote
// CouchDB-compatible database, using _revs_diff to send only the
// revisions the remote doesn't already have, bulk-uploading the ones
// without new attachment bytes and multipart-uploading the ones that
// introduce an attachment individually.
type PushStrategy struct {
	counters

	client        *Client
	local         store.Store
	blobs         store.BlobStore
	replicationID string

	batchSize       int
	insertBatchSize int

	bus *eventbus.Bus

	cancel context.CancelFunc
}

// NewPushStrategy builds a PushStrategy pushing from local (backed by
// blobs, for attachment content) to client.
func NewPushStrategy(client *Client, local store.Store, blobs store.BlobStore, source, target string, filter Filter, cfg BatchConfig) (*PushStrategy, error) {
	id, err := ID(source, target, filter)
	if err != nil {
		return nil, err
	}
	return &PushStrategy{
		client:          client,
		local:           local,
		blobs:           blobs,
		replicationID:   id,
		batchSize:       cfg.changeLimit(),
		insertBatchSize: cfg.insertBatch(),
		bus:             eventbus.New(),
	}, nil
}

func (p *PushStrategy) EventBus() *eventbus.Bus { return p.bus }

func (p *PushStrategy) Cancel() {
	p.markCanceled()
	if p.cancel != nil {
		p.cancel()
	}
}

// Run walks the local change feed from the last checkpoint, asks the
// remote what it's missing via _revs_diff, and bulk-uploads every revision
// it doesn't already have. A Cancel() that arrived before Run() was called
// is honored immediately: Run publishes a terminated event with zero
// counters and returns without touching the remote.
func (p *PushStrategy) Run(ctx context.Context) error {
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

	since, err := p.loadCheckpoint()
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		entries, last, err := p.local.Changes(since, p.batchSize)
		if err != nil {
			runErr = fmt.Errorf("reading local changes: %w", err)
			break
		}
		if len(entries) == 0 {
			break
		}

		if err := p.pushBatch(ctx, entries); err != nil {
			runErr = fmt.Errorf("pushing batch: %w", err)
			break
		}
		p.batches.Add(1)

		since = last
		if err := p.saveCheckpoint(ctx, since); err != nil {
			runErr = fmt.Errorf("saving checkpoint: %w", err)
			break
		}
	}

	p.bus.Publish(ReplicationCompleted{ReplicationID: p.replicationID, DocsReplicated: p.docs.Load(), Err: runErr})
	return runErr
}

// multipartJob is one revision whose body declares new attachment bytes,
// queued to go out over PutDocumentMultipart once the batch's plain
// (attachment-free or stub-only) revisions have been bulk-uploaded.
type multipartJob struct {
	docID string
	doc   map[string]any
	parts []AttachmentPart
}

// pushBatch diffs entries' leaves against the remote, then uploads the
// ones it's missing: revisions that introduce no new attachment content
// are batched into insertBatchSize-sized _bulk_docs calls, and revisions
// that do are each sent individually as a multipart/related PUT, since
// _bulk_docs has no way to carry binary parts.
func (p *PushStrategy) pushBatch(ctx context.Context, entries []docmodel.ChangeEntry) error {
	revsByDocID := make(map[string][]string, len(entries))
	for _, e := range entries {
		for _, leaf := range e.Leaves {
			revsByDocID[e.DocID] = append(revsByDocID[e.DocID], leaf.RevID)
		}
	}
	diff, err := p.client.RevsDiff(ctx, revsByDocID)
	if err != nil {
		return err
	}

	size := p.insertBatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	var plain []map[string]any
	var multipartJobs []multipartJob

	flush := func() error {
		if len(plain) == 0 {
			return nil
		}
		if err := p.client.BulkDocs(ctx, plain); err != nil {
			return err
		}
		plain = plain[:0]
		return nil
	}

	for _, e := range entries {
		entry, ok := diff[e.DocID]
		if !ok || len(entry.Missing) == 0 {
			continue
		}
		missing := map[string]bool{}
		for _, r := range entry.Missing {
			missing[r] = true
		}
		for _, leaf := range e.Leaves {
			if !missing[leaf.RevID] {
				continue
			}
			doc, parts, err := p.buildRevisionDoc(e.DocID, leaf.RevID)
			if err != nil {
				return fmt.Errorf("building %s/%s: %w", e.DocID, leaf.RevID, err)
			}
			if len(parts) > 0 {
				multipartJobs = append(multipartJobs, multipartJob{docID: e.DocID, doc: doc, parts: parts})
			} else {
				plain = append(plain, doc)
				if len(plain) >= size {
					if err := flush(); err != nil {
						return fmt.Errorf("pushing %s/%s: %w", e.DocID, leaf.RevID, err)
					}
				}
			}
			p.docs.Add(1)
		}
	}
	if err := flush(); err != nil {
		return err
	}

	for _, job := range multipartJobs {
		if err := p.client.PutDocumentMultipart(ctx, job.docID, job.doc, job.parts); err != nil {
			return fmt.Errorf("pushing %s: %w", job.docID, err)
		}
	}
	return nil
}

// buildRevisionDoc assembles one revision's wire body plus, when it
// introduces new attachment bytes (revpos equal to its own generation),
// the multipart parts those bytes go out as. An attachment carried over
// unchanged from an earlier generation is sent as a stub; the remote is
// expected to already have it from when it was first pushed.
func (p *PushStrategy) buildRevisionDoc(docID, revID string) (map[string]any, []AttachmentPart, error) {
	rev, err := p.local.Read(docID, revID)
	if err != nil {
		return nil, nil, err
	}

	history, err := p.buildHistory(docID, rev)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, len(history))
	for i, h := range history {
		_, digest, _ := docmodel.SplitRevID(h)
		ids[len(history)-1-i] = digest
	}
	gen, _, _ := docmodel.SplitRevID(revID)

	doc := map[string]any{}
	if len(rev.Body) > 0 {
		if err := json.Unmarshal(rev.Body, &doc); err != nil {
			return nil, nil, fmt.Errorf("decoding local body: %w", err)
		}
	}
	doc["_id"] = docID
	doc["_rev"] = revID
	doc["_revisions"] = map[string]any{"start": gen, "ids": ids}
	if rev.Deleted {
		doc["_deleted"] = true
	}

	var parts []AttachmentPart
	if len(rev.Attachments) > 0 {
		atts := map[string]any{}
		for _, a := range rev.Attachments {
			entry := map[string]any{
				"content_type": a.ContentType,
				"revpos":       a.RevPos,
				"length":       a.Length,
				"digest":       "sha1-" + a.Key,
			}
			if a.RevPos == gen {
				data, err := p.readAttachment(a.Key)
				if err != nil {
					return nil, nil, err
				}
				entry["follows"] = true
				parts = append(parts, AttachmentPart{Filename: a.Filename, Data: bytes.NewReader(data)})
			} else {
				entry["stub"] = true
			}
			atts[a.Filename] = entry
		}
		doc["_attachments"] = atts
	}
	return doc, parts, nil
}

func (p *PushStrategy) readAttachment(digest string) ([]byte, error) {
	r, err := p.blobs.Get(digest)
	if err != nil {
		return nil, fmt.Errorf("reading attachment %s: %w", digest, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// buildHistory walks parent pointers from rev up to its tree root,
// returning the oldest-first rev id chain including rev itself.
func (p *PushStrategy) buildHistory(docID string, rev docmodel.Revision) ([]string, error) {
	chain := []string{rev.RevID}
	cur := rev
	for !cur.IsRoot() {
		parent, err := p.local.Read(docID, cur.ParentRevID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent.RevID)
		cur = parent
	}
	// chain is newest-first; reverse it.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (p *PushStrategy) loadCheckpoint() (int64, error) {
	body, err := p.local.GetLocalDocument(checkpointDocID(p.replicationID))
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var cp struct {
		LastSeq int64 `json:"last_seq"`
	}
	if err := json.Unmarshal(body, &cp); err != nil {
		return 0, nil
	}
	return cp.LastSeq, nil
}

func (p *PushStrategy) saveCheckpoint(ctx context.Context, seq int64) error {
	body, err := json.Marshal(map[string]any{"replication_id": p.replicationID, "last_seq": seq})
	if err != nil {
		return err
	}
	if err := p.local.PutLocalDocument(checkpointDocID(p.replicationID), body); err != nil {
		return err
	}
	return p.client.PutLocalDoc(ctx, p.replicationID, map[string]any{"replication_id": p.replicationID, "last_seq": seq})
}

var _ Strategy = (*PushStrategy)(nil)
