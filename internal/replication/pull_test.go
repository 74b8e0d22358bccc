package replication

import (
	"context"
	"fmt"
	"testing"

	"docsync/internal/testutil"
)

func TestPullStrategyAppliesRemoteChanges(t *testing.T) {
	local := testutil.NewTestStore(t)
	blobs := testutil.NewTestBlobStore(t)
	transport := testutil.NewFakeTransport()
	client := NewClient("", transport)

	filter := Filter{}
	id, err := ID("remote-src", "local-dst", filter)
	if err != nil {
		t.Fatalf("ID() error = %v", err)
	}

	transport.Respond("GET", "/_changes", 200, `{"results":[{"id":"doc1","seq":"1","changes":[{"rev":"1-abc"}]}],"last_seq":"1"}`)
	transport.Respond("GET", "/_changes", 200, `{"results":[]}`)
	transport.Respond("POST", "/_bulk_get", 200, `{"results":[{"id":"doc1","docs":[{"ok":{"_id":"doc1","_rev":"1-abc","value":"hello"}}]}]}`)
	transport.Respond("PUT", "/_local/"+id, 200, `{"ok":true}`)

	strategy, err := NewPullStrategy(client, local, blobs, "remote-src", "local-dst", filter, BatchConfig{})
	if err != nil {
		t.Fatalf("NewPullStrategy() error = %v", err)
	}

	if err := strategy.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strategy.DocumentCounter() != 1 {
		t.Errorf("DocumentCounter() = %d, want 1", strategy.DocumentCounter())
	}

	rev, err := local.Read("doc1", "1-abc")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(rev.Body) != `{"value":"hello"}` {
		t.Errorf("body = %s, want {\"value\":\"hello\"}", rev.Body)
	}
}

func TestPullStrategySkipsAlreadyLocalRevisions(t *testing.T) {
	local := testutil.NewTestStore(t)
	blobs := testutil.NewTestBlobStore(t)
	transport := testutil.NewFakeTransport()
	client := NewClient("", transport)
	filter := Filter{}
	id, err := ID("remote-src", "local-dst", filter)
	if err != nil {
		t.Fatalf("ID() error = %v", err)
	}

	if err := local.ForceInsert("doc1", "1-abc", nil, []byte(`{"value":"already here"}`), false, nil); err != nil {
		t.Fatalf("ForceInsert() error = %v", err)
	}

	transport.Respond("GET", "/_changes", 200, `{"results":[{"id":"doc1","seq":"1","changes":[{"rev":"1-abc"}]}],"last_seq":"1"}`)
	transport.Respond("GET", "/_changes", 200, `{"results":[]}`)
	transport.Respond("PUT", "/_local/"+id, 200, `{"ok":true}`)

	strategy, err := NewPullStrategy(client, local, blobs, "remote-src", "local-dst", filter, BatchConfig{})
	if err != nil {
		t.Fatalf("NewPullStrategy() error = %v", err)
	}
	if err := strategy.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, req := range transport.Requests() {
		if req.URL.Path == "/_bulk_get" {
			t.Fatalf("expected no _bulk_get call since the revision is already local")
		}
	}
	if strategy.DocumentCounter() != 0 {
		t.Errorf("DocumentCounter() = %d, want 0", strategy.DocumentCounter())
	}
}

func TestPullStrategyResumesFromCheckpoint(t *testing.T) {
	local := testutil.NewTestStore(t)
	blobs := testutil.NewTestBlobStore(t)
	transport := testutil.NewFakeTransport()
	client := NewClient("", transport)
	filter := Filter{}
	id, err := ID("remote-src", "local-dst", filter)
	if err != nil {
		t.Fatalf("ID() error = %v", err)
	}

	if err := local.PutLocalDocument(fmt.Sprintf("replication-%s", id), []byte(`{"replication_id":"`+id+`","last_seq":"42"}`)); err != nil {
		t.Fatalf("PutLocalDocument() error = %v", err)
	}

	transport.Respond("GET", "/_changes", 200, `{"results":[]}`)

	strategy, err := NewPullStrategy(client, local, blobs, "remote-src", "local-dst", filter, BatchConfig{})
	if err != nil {
		t.Fatalf("NewPullStrategy() error = %v", err)
	}
	if err := strategy.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	reqs := transport.Requests()
	if len(reqs) != 1 {
		t.Fatalf("len(Requests()) = %d, want 1", len(reqs))
	}
	if got := reqs[0].URL.Query().Get("since"); got != "42" {
		t.Errorf("since = %q, want 42", got)
	}
}
