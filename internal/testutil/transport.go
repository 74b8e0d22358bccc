package testutil

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ScriptedResponse is one canned reply a FakeTransport returns for a
// matching request.
type ScriptedResponse struct {
	Status int
	Body   string
}

// FakeTransport is a replication.Transport that answers requests by
// method+path from a fixed script, recording every request it saw so a
// test can assert on what a strategy actually sent.
//
// Each method+path key holds a queue of responses: successive requests to
// the same key consume the queue in order, and the last entry repeats once
// the queue is exhausted. This lets a test script a polling loop (e.g. a
// first _changes call returning rows, a second returning none) without the
// two calls colliding on the same map entry.
type FakeTransport struct {
	mu       sync.Mutex
	script   map[string][]ScriptedResponse
	cursor   map[string]int
	requests []*http.Request
}

// NewFakeTransport creates an empty FakeTransport. Use Respond to register
// canned replies before running a strategy against it.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{script: map[string][]ScriptedResponse{}, cursor: map[string]int{}}
}

// Respond appends the response to return for the next unconsumed call to
// method+path (query string ignored for matching). Call it more than once
// for the same method+path to script a sequence of replies.
func (f *FakeTransport) Respond(method, path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(method, path)
	f.script[k] = append(f.script[k], ScriptedResponse{Status: status, Body: body})
}

// Requests returns every request Do has seen so far, in order.
func (f *FakeTransport) Requests() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request{}, f.requests...)
}

func (f *FakeTransport) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	k := key(req.Method, req.URL.Path)
	replies, ok := f.script[k]
	if !ok || len(replies) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("no scripted response for %s %s", req.Method, req.URL.String())
	}
	i := f.cursor[k]
	if i >= len(replies) {
		i = len(replies) - 1
	} else {
		f.cursor[k] = i + 1
	}
	resp := replies[i]
	f.mu.Unlock()

	return &http.Response{
		StatusCode: resp.Status,
		Status:     fmt.Sprintf("%d", resp.Status),
		Body:       io.NopCloser(bytes.NewBufferString(resp.Body)),
		Header:     http.Header{},
	}, nil
}

func key(method, path string) string { return method + " " + path }
