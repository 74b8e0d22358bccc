package replication

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Filter describes what subset of a database a replication covers: at
// most one of DocIDs or Selector may be set, matching CouchDB's own rule
// that the two filter kinds are mutually exclusive on a single
// replication.
type Filter struct {
	DocIDs   []string       `json:"doc_ids,omitempty"`
	Selector map[string]any `json:"selector,omitempty"`
}

// ID computes the replication id CouchDB-style: the hex SHA-1 of a
// canonical JSON encoding of (source, target, filter), so two peers asked
// to replicate the same source/target/filter triple always agree on which
// checkpoint document to read and write, regardless of replication
// direction or which side initiated it.
func ID(source, target string, filter Filter) (string, error) {
	canonical, err := canonicalJSON(map[string]any{
		"source":   source,
		"target":   target,
		"doc_ids":  filter.DocIDs,
		"selector": filter.Selector,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalizing replication identity: %w", err)
	}
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-marshals v with object keys sorted, so the same logical
// value always serializes to the same bytes regardless of map iteration
// order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		return append(out, '}'), nil
	case []any:
		out := []byte("[")
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(t)
	}
}

// Checkpoint is the local record of how far a replication has progressed,
// stored as the local document "replication-<replication-id>" (see
// checkpointDocID). The copy written to the remote peer is built separately.
type Checkpoint struct {
	ReplicationID string `json:"replication_id"`
	Source        string `json:"source"`
	Target        string `json:"target"`
	LastSeq       string `json:"last_seq"`
}

func checkpointDocID(replicationID string) string {
	return "replication-" + replicationID
}
