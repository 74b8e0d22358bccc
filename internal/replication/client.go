package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
)

// Client is a thin CouchDB-compatible HTTP client over a Transport, scoped
// to one remote database.
type Client struct {
	baseURL   string
	transport Transport
}

// NewClient builds a Client talking to baseURL (e.g. "https://host/dbname")
// through t.
func NewClient(baseURL string, t Transport) *Client {
	return &Client{baseURL: baseURL, transport: t}
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// ChangesResponse mirrors a CouchDB _changes response, filtered to the
// fields the pull strategy needs.
type ChangesResponse struct {
	Results []ChangeRow `json:"results"`
	LastSeq string      `json:"last_seq"`
}

// ChangeRow is one row of a _changes response: a document id plus every
// leaf revision the server currently holds for it.
type ChangeRow struct {
	ID      string      `json:"id"`
	Seq     string      `json:"seq"`
	Deleted bool        `json:"deleted"`
	Changes []RevChange `json:"changes"`
}

// RevChange names one leaf revision in a ChangeRow.
type RevChange struct {
	Rev string `json:"rev"`
}

// Changes fetches the next batch of the remote's change feed, starting
// after since, using a doc_ids or selector filter when non-empty (only one
// of the two may be set — the replication id computation assumes as much).
func (c *Client) Changes(ctx context.Context, since string, limit int, docIDs []string, selector map[string]any) (*ChangesResponse, error) {
	query := url.Values{}
	query.Set("since", since)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("feed", "normal")
	query.Set("style", "all_docs")

	method := http.MethodGet
	var body io.Reader
	if len(docIDs) > 0 {
		query.Set("filter", "_doc_ids")
		method = http.MethodPost
		payload, err := json.Marshal(map[string]any{"doc_ids": docIDs})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	} else if len(selector) > 0 {
		query.Set("filter", "_selector")
		method = http.MethodPost
		payload, err := json.Marshal(map[string]any{"selector": selector})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url("/_changes", query), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching changes: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding changes response: %w", err)
	}
	return &out, nil
}

// RevsDiff asks the remote which of the given revisions per doc id it is
// already missing, the way a push decides what actually needs sending.
func (c *Client) RevsDiff(ctx context.Context, revsByDocID map[string][]string) (map[string]RevsDiffEntry, error) {
	payload, err := json.Marshal(revsByDocID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/_revs_diff", nil), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting revs_diff: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out map[string]RevsDiffEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding revs_diff response: %w", err)
	}
	return out, nil
}

// RevsDiffEntry is one docid's missing/possible-ancestor revisions as
// reported by _revs_diff.
type RevsDiffEntry struct {
	Missing           []string `json:"missing"`
	PossibleAncestors []string `json:"possible_ancestors,omitempty"`
}

// OpenRevsDoc is one document returned in a _bulk_get/open_revs response:
// either an "ok" document body or an "error" placeholder.
type OpenRevsDoc struct {
	OK    map[string]any `json:"ok,omitempty"`
	Error string         `json:"error,omitempty"`
}

// BulkGetResult is one docid's set of requested revisions.
type BulkGetResult struct {
	ID   string        `json:"id"`
	Docs []OpenRevsDoc `json:"docs"`
}

// BulkGet fetches a batch of (docid, revid) pairs in one round trip, the
// way a pull resolves the bodies for revisions _changes only named.
// inlineAttachments controls whether the remote inlines attachment bytes as
// base64 in the response or returns stub entries only.
func (c *Client) BulkGet(ctx context.Context, requests []BulkGetRequest, inlineAttachments bool) ([]BulkGetResult, error) {
	payload, err := json.Marshal(map[string]any{"docs": requests})
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("revs", "true")
	query.Set("attachments", strconv.FormatBool(inlineAttachments))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/_bulk_get", query), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting bulk_get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out struct {
		Results []BulkGetResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding bulk_get response: %w", err)
	}
	return out.Results, nil
}

// BulkGetUnsupported reports whether err is the StatusError BulkGet returns
// when the remote doesn't implement _bulk_get (CouchDB predecessors and
// some compatible servers only support per-revision open_revs fetches).
func BulkGetUnsupported(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusNotFound || se.Code == http.StatusNotImplemented
}

// OpenRevsGet fetches every rev in revs for one document via the
// single-document open_revs form (GET /db/{id}?open_revs=[...]), the
// fallback path used when the remote doesn't support _bulk_get.
func (c *Client) OpenRevsGet(ctx context.Context, id string, revs []string, inlineAttachments bool) ([]OpenRevsDoc, error) {
	revsJSON, err := json.Marshal(revs)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("open_revs", string(revsJSON))
	query.Set("revs", "true")
	query.Set("attachments", strconv.FormatBool(inlineAttachments))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/"+url.PathEscape(id), query), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting open_revs for %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out []OpenRevsDoc
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding open_revs response for %s: %w", id, err)
	}
	return out, nil
}

// GetAttachment streams one attachment's raw bytes as of rev, the endpoint
// a pull falls back to when it decides an incoming attachment isn't
// already present locally under its digest and so must actually be
// fetched.
func (c *Client) GetAttachment(ctx context.Context, docID, filename, rev string) (io.ReadCloser, error) {
	query := url.Values{}
	query.Set("rev", rev)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.url("/"+url.PathEscape(docID)+"/"+url.PathEscape(filename), query), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching attachment %s/%s: %w", docID, filename, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// BulkGetRequest names one document and (optionally) the specific
// revisions of it to fetch; an empty Revs means "every current leaf".
type BulkGetRequest struct {
	ID   string   `json:"id"`
	Revs []string `json:"rev,omitempty"`
}

// BulkDocs uploads docs in one round trip via POST /db/_bulk_docs with
// new_edits=false, the bulk path for revisions that carry no new attachment
// bytes (stubs referencing an already-known digest are fine inline).
func (c *Client) BulkDocs(ctx context.Context, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"docs": docs, "new_edits": false})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/_bulk_docs", nil), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.transport.Do(req)
	if err != nil {
		return fmt.Errorf("posting bulk_docs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// AttachmentPart is one attachment's raw bytes to be sent as a follow-on
// MIME part of a multipart/related PutDocumentMultipart request.
type AttachmentPart struct {
	Filename string
	Data     io.Reader
}

// PutDocumentMultipart uploads one revision whose doc body declares one or
// more "follows": true attachment stubs, each backed by a MIME part
// carrying its raw bytes, in declaration order. Used instead of BulkDocs
// whenever a pushed revision introduces new attachment content, since
// _bulk_docs has no way to carry binary parts.
func (c *Client) PutDocumentMultipart(ctx context.Context, docID string, body map[string]any, parts []AttachmentPart) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	docJSON, err := json.Marshal(body)
	if err != nil {
		return err
	}
	docPart, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json"}})
	if err != nil {
		return err
	}
	if _, err := docPart.Write(docJSON); err != nil {
		return err
	}

	for _, p := range parts {
		part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/octet-stream"}})
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, p.Data); err != nil {
			return fmt.Errorf("writing attachment part %s: %w", p.Filename, err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	query := url.Values{}
	query.Set("new_edits", "false")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/"+url.PathEscape(docID), query), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", fmt.Sprintf("multipart/related; boundary=%q", w.Boundary()))
	resp, err := c.transport.Do(req)
	if err != nil {
		return fmt.Errorf("putting document %s (multipart): %w", docID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// GetLocalDoc fetches this replication's checkpoint document from the
// remote, returning (nil, nil) if none exists yet.
func (c *Client) GetLocalDoc(ctx context.Context, id string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/_local/"+url.PathEscape(id), nil), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching checkpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutLocalDoc writes this replication's checkpoint document to the remote.
func (c *Client) PutLocalDoc(ctx context.Context, id string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/_local/"+url.PathEscape(id), nil), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.transport.Do(req)
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

// StatusError is returned for any non-2xx response, carrying the HTTP
// status code so a caller can tell "the remote doesn't support this
// endpoint" (404/501, the bulk-get-unsupported case) apart from any other
// failure with errors.As.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.Code, e.Body)
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	return &StatusError{Code: resp.StatusCode, Body: string(data)}
}
