// Package replication implements the pull/push replication engine: HTTP
// reconciliation against a remote CouchDB-compatible server, checkpointed
// via a _local/<replication-id> document on each side, with retry honoring
// 429/5xx responses the way a well-behaved CouchDB client backs off.
package replication

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Transport is the HTTP seam the replication strategies talk through, kept
// narrow enough to fake in tests without standing up a real server.
type Transport interface {
	// Do issues req and returns its response, retrying on 429 and 5xx
	// responses according to the transport's backoff policy. The caller
	// owns closing resp.Body.
	Do(req *http.Request) (*http.Response, error)
}

// DefaultTransport is the production Transport: a cookie-jar-carrying
// *http.Client (CouchDB issues a session cookie on first contact) wrapped
// in exponential backoff that, when preferRetryAfter is set, honors a
// server's Retry-After header as a floor under that backoff, the same
// contract the collaborator Java client's 429 interceptor keeps.
type DefaultTransport struct {
	client           *http.Client
	maxRetries       uint64
	initialBackoff   time.Duration
	preferRetryAfter bool
}

// NewDefaultTransport builds a DefaultTransport with the given per-request
// timeout and retry ceiling. initialBackoff of zero leaves the backoff
// policy's own default initial interval in place.
func NewDefaultTransport(timeout time.Duration, maxRetries uint64, initialBackoff time.Duration, preferRetryAfter bool) (*DefaultTransport, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return &DefaultTransport{
		client:           &http.Client{Jar: jar, Timeout: timeout},
		maxRetries:       maxRetries,
		initialBackoff:   initialBackoff,
		preferRetryAfter: preferRetryAfter,
	}, nil
}

func (t *DefaultTransport) Do(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("buffering request body for retry: %w", err)
		}
		req.Body.Close()
	}

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.Multiplier = 2
	if t.initialBackoff > 0 {
		backoffPolicy.InitialInterval = t.initialBackoff
	}
	policy := backoff.WithMaxRetries(backoffPolicy, t.maxRetries)
	policy = backoff.WithContext(policy, req.Context())

	var resp *http.Response
	op := func() error {
		if bodyBytes != nil {
			req.Body = io.NopCloser(newResettableReader(bodyBytes))
		}
		r, err := t.client.Do(req)
		if err != nil {
			return err // network errors are always retried
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			var wait time.Duration
			if t.preferRetryAfter {
				wait = cappedRetryAfter(r)
			}
			r.Body.Close()
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-req.Context().Done():
					return req.Context().Err()
				}
			}
			return fmt.Errorf("server returned %d", r.StatusCode)
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("request failed after retries: %w", err)
	}
	return resp, nil
}

// retryAfter reads a Retry-After header (seconds form), defaulting to zero
// (let the backoff policy choose) when absent or unparseable.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// maxRetryAfter bounds how long a single Retry-After header can make Do
// wait, so a remote sending a very large (malicious or buggy) value can't
// stall a replication run indefinitely.
const maxRetryAfter = time.Hour

// cappedRetryAfter is retryAfter clamped to maxRetryAfter.
func cappedRetryAfter(resp *http.Response) time.Duration {
	wait := retryAfter(resp)
	if wait > maxRetryAfter {
		return maxRetryAfter
	}
	return wait
}

type resettableReader struct {
	data []byte
	pos  int
}

func newResettableReader(data []byte) *resettableReader {
	return &resettableReader{data: data}
}

func (r *resettableReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// ctxDo builds a request bound to ctx with an Accept: application/json
// header and sends it through t. The client methods in client.go build
// their requests themselves and do not call it.
func ctxDo(ctx context.Context, t Transport, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return t.Do(req)
}
