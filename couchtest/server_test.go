//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClient struct {
	t   *testing.T
	url string
}

func newTestClient(t *testing.T) *testClient {
	ts := httptest.NewServer(NewServer())
	t.Cleanup(ts.Close)
	return &testClient{t: t, url: ts.URL}
}

// Sends a request and returns the status and raw body.
func (c *testClient) raw(method, path string, body []byte, header http.Header) (int, []byte) {
	req, err := http.NewRequest(method, c.url+path, bytes.NewReader(body))
	require.NoError(c.t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

// Sends body as JSON and decodes the JSON response.
func (c *testClient) do(method, path string, body interface{}) (int, map[string]interface{}) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		require.NoError(c.t, err)
	}
	status, resp := c.raw(method, path, data, nil)
	var out map[string]interface{}
	require.NoError(c.t, json.Unmarshal(resp, &out), string(resp))
	return status, out
}

type viewResponse struct {
	TotalRows int    `json:"total_rows"`
	Offset    int    `json:"offset"`
	Rows      []*Row `json:"rows"`
}

// Queries a view-like resource, POSTing keys if given.
func (c *testClient) view(path string, keys ...interface{}) viewResponse {
	method, body := "GET", []byte(nil)
	if len(keys) > 0 {
		method = "POST"
		body, _ = json.Marshal(map[string]interface{}{"keys": keys})
	}
	status, data := c.raw(method, path, body, nil)
	require.Equal(c.t, http.StatusOK, status, string(data))
	var result viewResponse
	require.NoError(c.t, json.Unmarshal(data, &result), string(data))
	return result
}

func TestServerDatabases(t *testing.T) {
	c := newTestClient(t)
	status, body := c.do("GET", "/", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Welcome", body["couchdb"])

	status, _ = c.do("PUT", "/db1", nil)
	assert.Equal(t, http.StatusCreated, status)
	status, body = c.do("PUT", "/db1", nil)
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, "file_exists", body["error"])

	status, _ = c.do("PUT", "/a%2Fb", nil)
	assert.Equal(t, http.StatusCreated, status)

	_, all := c.raw("GET", "/_all_dbs", nil, nil)
	assert.JSONEq(t, `["a/b","db1"]`, string(all))

	status, body = c.do("GET", "/db1", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "db1", body["db_name"])
	assert.Equal(t, float64(0), body["doc_count"])

	status, _ = c.do("DELETE", "/db1", nil)
	assert.Equal(t, http.StatusOK, status)
	status, body = c.do("GET", "/db1", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestServerDocuments(t *testing.T) {
	c := newTestClient(t)
	c.do("PUT", "/db", nil)

	status, body := c.do("PUT", "/db/doc1", map[string]interface{}{"a": 1})
	require.Equal(t, http.StatusCreated, status)
	rev1 := body["rev"].(string)
	assert.True(t, strings.HasPrefix(rev1, "1-"))

	status, body = c.do("GET", "/db/doc1", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"_id": "doc1", "_rev": rev1, "a": float64(1)}, body)

	// Writing without the current rev is a conflict.
	status, body = c.do("PUT", "/db/doc1", map[string]interface{}{"a": 2})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body["error"])

	status, body = c.do("PUT", "/db/doc1", map[string]interface{}{"_rev": rev1, "a": 2})
	require.Equal(t, http.StatusCreated, status)
	rev2 := body["rev"].(string)
	assert.True(t, strings.HasPrefix(rev2, "2-"))

	status, _ = c.do("GET", "/db/doc1?rev="+rev1, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = c.do("POST", "/db", map[string]interface{}{"b": true})
	assert.Equal(t, http.StatusCreated, status)
	assert.Len(t, body["id"], 32)

	status, body = c.do("PUT", "/db/doc2", map[string]interface{}{"_bogus": 1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "doc_validation", body["error"])

	status, _ = c.do("DELETE", "/db/doc1?rev="+rev1, nil)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = c.do("DELETE", "/db/doc1?rev="+rev2, nil)
	assert.Equal(t, http.StatusOK, status)
	status, body = c.do("GET", "/db/doc1", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "deleted", body["reason"])
	status, body = c.do("GET", "/db/nothing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "missing", body["reason"])

	// A deleted document can be recreated.
	status, body = c.do("PUT", "/db/doc1", map[string]interface{}{"a": 3})
	assert.Equal(t, http.StatusCreated, status)
	assert.True(t, strings.HasPrefix(body["rev"].(string), "4-"))
}

func TestServerEscapedIDs(t *testing.T) {
	c := newTestClient(t)
	c.do("PUT", "/db", nil)
	status, body := c.do("PUT", "/db/a%2Fb", map[string]interface{}{})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "a/b", body["id"])
	status, body = c.do("GET", "/db/a%2Fb", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "a/b", body["_id"])

	status, body = c.do("PUT", "/db/_design/foo", map[string]interface{}{"views": map[string]interface{}{}})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "_design/foo", body["id"])
}

func TestServerCopyAndOpenRevs(t *testing.T) {
	c := newTestClient(t)
	c.do("PUT", "/db", nil)
	_, body := c.do("PUT", "/db/src", map[string]interface{}{"x": "y"})
	rev := body["rev"].(string)

	status, data := c.raw("COPY", "/db/src", nil, http.Header{"Destination": {"dst"}})
	require.Equal(t, http.StatusCreated, status, string(data))
	_, body = c.do("GET", "/db/dst", nil)
	assert.Equal(t, "y", body["x"])

	_, data = c.raw("GET", "/db/src?open_revs=all", nil, nil)
	var revs []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &revs))
	require.Len(t, revs, 1)
	assert.Equal(t, rev, revs[0]["ok"].(map[string]interface{})["_rev"])

	_, data = c.raw("GET", "/db/src?open_revs="+url.QueryEscape(`["1-abc","`+rev+`"]`), nil, nil)
	var someRevs []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &someRevs))
	require.Len(t, someRevs, 2, string(data))
	assert.Equal(t, "1-abc", someRevs[0]["missing"])
	assert.NotNil(t, someRevs[1]["ok"])
}

func TestServerBulkDocs(t *testing.T) {
	c := newTestClient(t)
	c.do("PUT", "/db", nil)
	_, body := c.do("PUT", "/db/b", map[string]interface{}{})
	revB := body["rev"].(string)

	docs := map[string]interface{}{"docs": []interface{}{
		map[string]interface{}{"_id": "a", "n": 1},
		map[string]interface{}{"_id": "b", "_rev": "1-stale", "n": 2},
		map[string]interface{}{"n": 3},
	}}
	data, _ := json.Marshal(docs)
	status, resp := c.raw("POST", "/db/_bulk_docs", data, http.Header{"Content-Type": {"application/json"}})
	require.Equal(t, http.StatusCreated, status)
	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(resp, &results))
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0]["id"])
	assert.NotEmpty(t, results[0]["rev"])
	assert.Equal(t, "b", results[1]["id"])
	assert.Equal(t, "conflict", results[1]["error"])
	assert.NotEmpty(t, results[2]["id"])
	assert.NotEmpty(t, results[2]["rev"])

	_, body = c.do("GET", "/db/b", nil)
	assert.Equal(t, revB, body["_rev"], "failed item must not be written")
}

func TestServerAllDocs(t *testing.T) {
	c := newTestClient(t)
	c.do("PUT", "/db", nil)
	for _, id := range []string{"b", "a", "_design/x", "C"} {
		c.do("PUT", "/db/"+id, map[string]interface{}{})
	}
	_, body := c.do("PUT", "/db/gone", map[string]interface{}{})
	c.do("DELETE", "/db/gone?rev="+body["rev"].(string), nil)

	status, data := c.raw("GET", "/db/_all_docs", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.HasPrefix(string(data), "{\"total_rows\":4,\"offset\":0,\"rows\":[\r\n"), string(data))
	assert.True(t, strings.HasSuffix(string(data), "\r\n]}\n"), string(data))
	var result viewResponse
	require.NoError(t, json.Unmarshal(data, &result))
	ids := []string{}
	for _, row := range result.Rows {
		ids = append(ids, row.ID)
	}
	assert.Equal(t, []string{"C", "_design/x", "a", "b"}, ids)

	result = c.view("/db/_all_docs?include_docs=true", "a", "nope", "gone")
	require.Len(t, result.Rows, 3)
	assert.Equal(t, "a", result.Rows[0].ID)
	assert.Equal(t, "a", result.Rows[0].Doc.(map[string]interface{})["_id"])
	assert.Equal(t, "not_found", result.Rows[1].Error)
	assert.Equal(t, "nope", result.Rows[1].Key)
	assert.Equal(t, true, result.Rows[2].Value.(map[string]interface{})["deleted"])
}

func TestServerViews(t *testing.T) {
	c := newTestClient(t)
	c.do("PUT", "/db", nil)
	c.do("PUT", "/db/_design/app", map[string]interface{}{
		"views": map[string]interface{}{
			"by_type": map[string]interface{}{
				"map":    `function(doc) { emit(doc.type || null, 1); }`,
				"reduce": "_count",
			},
			"bad": map[string]interface{}{
				"map": `function(doc) { if (doc.type == "Bar") throw("boom"); emit(doc._id, null); }`,
			},
		},
	})
	for i, typ := range []interface{}{"Foo", "Bar", "Foo", nil} {
		doc := map[string]interface{}{"type": typ}
		c.do("PUT", "/db/doc"+string(rune('1'+i)), doc)
	}

	status, data := c.raw("GET", "/db/_design/app/_view/by_type", nil, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	assert.Equal(t, "{\"rows\":[\r\n{\"key\":null,\"value\":4}\r\n]}\n", string(data))

	_, data = c.raw("GET", `/db/_design/app/_view/by_type?group=true`, nil, nil)
	assert.JSONEq(t, `{"rows":[{"key":null,"value":1},{"key":"Bar","value":1},{"key":"Foo","value":2}]}`, string(data))

	result := c.view("/db/_design/app/_view/by_type?reduce=false&include_docs=true&key=" + url.QueryEscape(`"Foo"`))
	assert.Equal(t, 4, result.TotalRows)
	assert.Equal(t, 2, result.Offset)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "doc1", result.Rows[0].ID)
	assert.Equal(t, "doc3", result.Rows[1].ID)
	assert.Equal(t, "Foo", result.Rows[1].Doc.(map[string]interface{})["type"])

	result = c.view("/db/_design/app/_view/by_type?reduce=false&key=null")
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "doc4", result.Rows[0].ID)

	// A map function failing on one document skips just that document.
	result = c.view("/db/_design/app/_view/bad")
	assert.Equal(t, 3, result.TotalRows)

	status, body := c.do("GET", "/db/_design/app/_view/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "missing_named_view", body["reason"])
	status, _ = c.do("GET", "/db/_design/other/_view/by_type", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, body = c.do("GET", "/db/_design/app/_view/bad?reduce=true", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "query_parse_error", body["error"])
}

func TestServerTempView(t *testing.T) {
	c := newTestClient(t)
	c.do("PUT", "/db", nil)
	c.do("PUT", "/db/a", map[string]interface{}{"n": 2})
	c.do("PUT", "/db/b", map[string]interface{}{"n": 5})

	data, _ := json.Marshal(map[string]interface{}{
		"map":    `function(doc) { emit(doc._id, doc.n); }`,
		"reduce": `function(keys, values, rereduce) { return sum(values); }`,
	})
	status, resp := c.raw("POST", "/db/_temp_view", data, nil)
	require.Equal(t, http.StatusOK, status, string(resp))
	assert.JSONEq(t, `{"rows":[{"key":null,"value":7}]}`, string(resp))

	data, _ = json.Marshal(map[string]interface{}{"map": `function(doc) {`})
	status, _ = c.raw("POST", "/db/_temp_view", data, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServerAttachments(t *testing.T) {
	c := newTestClient(t)
	c.do("PUT", "/db", nil)
	_, body := c.do("PUT", "/db/doc", map[string]interface{}{"a": 1})
	rev := body["rev"].(string)

	status, data := c.raw("PUT", "/db/doc/hello.txt?rev="+rev, []byte("hello"), http.Header{"Content-Type": {"text/plain"}})
	require.Equal(t, http.StatusCreated, status, string(data))
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	rev = result["rev"].(string)

	status, data = c.raw("GET", "/db/doc/hello.txt", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hello", string(data))

	_, body = c.do("GET", "/db/doc", nil)
	assert.Equal(t, float64(1), body["a"])
	stub := body["_attachments"].(map[string]interface{})["hello.txt"].(map[string]interface{})
	assert.Equal(t, true, stub["stub"])
	assert.Equal(t, float64(5), stub["length"])

	// Saving the document with its stubs keeps the attachment.
	status, body = c.do("PUT", "/db/doc", body)
	require.Equal(t, http.StatusCreated, status)
	rev = body["rev"].(string)
	status, _ = c.raw("GET", "/db/doc/hello.txt", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = c.do("DELETE", "/db/doc/hello.txt?rev="+rev, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = c.raw("GET", "/db/doc/hello.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServerUUIDsAndReplicate(t *testing.T) {
	c := newTestClient(t)
	status, body := c.do("GET", "/_uuids?count=3", nil)
	require.Equal(t, http.StatusOK, status)
	uuids := body["uuids"].([]interface{})
	assert.Len(t, uuids, 3)
	assert.NotEqual(t, uuids[0], uuids[1])

	status, _ = c.do("GET", "/_uuids?count=0", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	c.do("PUT", "/src", nil)
	c.do("PUT", "/dst", nil)
	c.do("PUT", "/src/a", map[string]interface{}{"x": 1})
	status, body = c.do("POST", "/_replicate", map[string]interface{}{"source": "src", "target": c.url + "/dst"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["docs_written"])
	_, body = c.do("GET", "/dst/a", nil)
	assert.Equal(t, float64(1), body["x"])
}
