package replication

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"docsync/internal/docmodel"
	"docsync/internal/store"
)

// historyFromRevisions reconstructs the oldest-first rev id chain from a
// decoded document's "_revisions" field: {"start": N, "ids": [h0, h1, ...]}
// where ids[0] is the document's own revision and later entries are
// successively older ancestors, all missing their generation prefix.
func historyFromRevisions(doc map[string]any) ([]string, error) {
	raw, ok := doc["_revisions"].(map[string]any)
	if !ok {
		rev, _ := doc["_rev"].(string)
		if rev == "" {
			return nil, fmt.Errorf("document has neither _revisions nor _rev")
		}
		return []string{rev}, nil
	}

	startF, ok := raw["start"].(float64)
	if !ok {
		return nil, fmt.Errorf("_revisions.start is not a number")
	}
	start := int(startF)

	idsRaw, ok := raw["ids"].([]any)
	if !ok {
		return nil, fmt.Errorf("_revisions.ids is not an array")
	}

	history := make([]string, len(idsRaw))
	for i, v := range idsRaw {
		hash, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("_revisions.ids[%d] is not a string", i)
		}
		gen := start - i
		// idsRaw is newest-first; history must be oldest-first.
		history[len(idsRaw)-1-i] = fmt.Sprintf("%d-%s", gen, hash)
	}
	return history, nil
}

// attachmentsFromDocument extracts "_attachments" into AttachmentInputs: an
// inline entry carries base64 "data", a stub entry only a digest the local
// store is expected to already hold under.
func attachmentsFromDocument(doc map[string]any) ([]store.AttachmentInput, error) {
	raw, ok := doc["_attachments"].(map[string]any)
	if !ok {
		return nil, nil
	}

	out := make([]store.AttachmentInput, 0, len(raw))
	for filename, v := range raw {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		input := store.AttachmentInput{Filename: filename}
		if ct, ok := entry["content_type"].(string); ok {
			input.ContentType = ct
		}
		if enc, ok := entry["encoding"].(string); ok && enc == "gzip" {
			input.Encoding = docmodel.EncodingGzip
		}
		if revpos, ok := entry["revpos"].(float64); ok {
			input.RevPos = int(revpos)
		}
		if length, ok := entry["length"].(float64); ok {
			input.Length = int64(length)
		}

		if digest, ok := entry["digest"].(string); ok {
			input.Digest = strings.TrimPrefix(digest, "sha1-")
		}

		if data, ok := entry["data"].(string); ok {
			decoded, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return nil, fmt.Errorf("decoding inline attachment %s: %w", filename, err)
			}
			input.Data = bytes.NewReader(decoded)
			input.Length = int64(len(decoded))
		}
		// Entries with stub == true and no data keep Data nil: the store
		// records them under the digest the entry carries, and rejects an
		// entry that has neither data nor a digest.

		out = append(out, input)
	}
	return out, nil
}

func stripMetadataFields(doc map[string]any) []byte {
	clean := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "_id" || k == "_rev" || k == "_revisions" || k == "_attachments" || k == "_deleted" {
			continue
		}
		clean[k] = v
	}
	body, _ := marshalSorted(clean)
	return body
}
