//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/candlerb/couchtiny/couchtest"
)

// Records requests by method and path (without the query string), with their bodies.
type requestLog struct {
	mu       sync.Mutex
	requests []string
	payloads []string
}

func (l *requestLog) wrap(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		l.mu.Lock()
		l.requests = append(l.requests, r.Method+" "+r.URL.EscapedPath())
		l.payloads = append(l.payloads, string(body))
		l.mu.Unlock()
		h.ServeHTTP(w, r)
	})
}

// bodies returns the request bodies sent with the given method to paths containing
// substr, in order.
func (l *requestLog) bodies(method, substr string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for i, req := range l.requests {
		m, path, _ := strings.Cut(req, " ")
		if m == method && strings.Contains(path, substr) {
			out = append(out, l.payloads[i])
		}
	}
	return out
}

// count returns how many requests were made with the given method whose path
// contains substr.
func (l *requestLog) count(method, substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, req := range l.requests {
		m, path, _ := strings.Cut(req, " ")
		if m == method && strings.Contains(path, substr) {
			n++
		}
	}
	return n
}

func (l *requestLog) reset() {
	l.mu.Lock()
	l.requests = nil
	l.payloads = nil
	l.mu.Unlock()
}

// Starts an in-memory server and returns a freshly created database on it.
func newTestDB(t *testing.T) (*Database, *requestLog) {
	log := &requestLog{}
	ts := httptest.NewServer(log.wrap(couchtest.NewServer()))
	t.Cleanup(ts.Close)
	db := NewServer(ts.URL).Database("couchtiny_test")
	require.NoError(t, db.Create(context.Background()))
	log.reset()
	return db, log
}
