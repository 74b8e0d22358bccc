package replication

import (
	"context"
	"encoding/json"
	"testing"

	"docsync/internal/testutil"
)

func TestPushStrategySendsMissingRevisions(t *testing.T) {
	local := testutil.NewTestStore(t)
	blobs := testutil.NewTestBlobStore(t)
	transport := testutil.NewFakeTransport()
	client := NewClient("", transport)

	rev, err := local.Create("doc1", []byte(`{"value":"hello"}`), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	filter := Filter{}
	id, err := ID("local-src", "remote-dst", filter)
	if err != nil {
		t.Fatalf("ID() error = %v", err)
	}

	transport.Respond("POST", "/_revs_diff", 200, `{"doc1":{"missing":["`+rev.RevID+`"]}}`)
	transport.Respond("POST", "/_bulk_docs", 201, `[{"ok":true,"id":"doc1","rev":"`+rev.RevID+`"}]`)
	transport.Respond("PUT", "/_local/"+id, 200, `{"ok":true}`)

	strategy, err := NewPushStrategy(client, local, blobs, "local-src", "remote-dst", filter, BatchConfig{})
	if err != nil {
		t.Fatalf("NewPushStrategy() error = %v", err)
	}
	if err := strategy.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strategy.DocumentCounter() != 1 {
		t.Errorf("DocumentCounter() = %d, want 1", strategy.DocumentCounter())
	}

	var bulkBody struct {
		Docs []map[string]any `json:"docs"`
	}
	for _, req := range transport.Requests() {
		if req.Method == "POST" && req.URL.Path == "/_bulk_docs" {
			if err := json.NewDecoder(req.Body).Decode(&bulkBody); err != nil {
				t.Fatalf("decoding _bulk_docs body: %v", err)
			}
		}
	}
	if len(bulkBody.Docs) != 1 {
		t.Fatalf("expected a POST /_bulk_docs request carrying 1 doc, got %d", len(bulkBody.Docs))
	}
	putBody := bulkBody.Docs[0]
	if putBody["_id"] != "doc1" || putBody["_rev"] != rev.RevID {
		t.Errorf("pushed doc = %+v, want _id=doc1 _rev=%s", putBody, rev.RevID)
	}
	if putBody["value"] != "hello" {
		t.Errorf("pushed doc value = %v, want hello", putBody["value"])
	}
}

func TestPushStrategySkipsWhenRemoteHasNothingMissing(t *testing.T) {
	local := testutil.NewTestStore(t)
	blobs := testutil.NewTestBlobStore(t)
	transport := testutil.NewFakeTransport()
	client := NewClient("", transport)

	if _, err := local.Create("doc1", []byte(`{}`), nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	filter := Filter{}
	id, err := ID("local-src", "remote-dst", filter)
	if err != nil {
		t.Fatalf("ID() error = %v", err)
	}

	transport.Respond("POST", "/_revs_diff", 200, `{"doc1":{"missing":[]}}`)
	transport.Respond("PUT", "/_local/"+id, 200, `{"ok":true}`)

	strategy, err := NewPushStrategy(client, local, blobs, "local-src", "remote-dst", filter, BatchConfig{})
	if err != nil {
		t.Fatalf("NewPushStrategy() error = %v", err)
	}
	if err := strategy.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, req := range transport.Requests() {
		if req.Method == "POST" && req.URL.Path == "/_bulk_docs" {
			t.Fatal("expected no POST /_bulk_docs request")
		}
	}
	if strategy.DocumentCounter() != 0 {
		t.Errorf("DocumentCounter() = %d, want 0", strategy.DocumentCounter())
	}
}
