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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const contentTypeJSON = "application/json"

// JSONCodec is the default Codec, based on encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// HTTPTransport is a Transport over net/http.
type HTTPTransport struct {
	url      string
	client   *http.Client
	codec    Codec
	username string
	password string
}

// NewHTTPTransport returns a transport for the server at url. A nil client means
// http.DefaultClient; a nil codec means JSONCodec.
func NewHTTPTransport(url string, client *http.Client, codec Codec) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	return &HTTPTransport{
		url:    strings.TrimRight(url, "/"),
		client: client,
		codec:  codec,
	}
}

// SetCredentials enables basic auth on every request.
func (t *HTTPTransport) SetCredentials(username, password string) {
	t.username, t.password = username, password
}

func (t *HTTPTransport) URL() string {
	return t.url
}

func (t *HTTPTransport) Codec() Codec {
	return t.codec
}

func (t *HTTPTransport) Get(ctx context.Context, path string, out interface{}) error {
	return t.doJSON(ctx, http.MethodGet, path, nil, out, nil)
}

func (t *HTTPTransport) GetRaw(ctx context.Context, path string) ([]byte, string, error) {
	resp, err := t.do(ctx, http.MethodGet, path, nil, "", nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (t *HTTPTransport) Put(ctx context.Context, path string, body interface{}, out interface{}) error {
	return t.doJSON(ctx, http.MethodPut, path, body, out, nil)
}

func (t *HTTPTransport) PutRaw(ctx context.Context, path string, data []byte, contentType string, out interface{}) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp, err := t.do(ctx, http.MethodPut, path, bytes.NewReader(data), contentType, nil)
	if err != nil {
		return err
	}
	return t.decode(resp, out)
}

func (t *HTTPTransport) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return t.doJSON(ctx, http.MethodPost, path, body, out, nil)
}

func (t *HTTPTransport) Delete(ctx context.Context, path string, out interface{}) error {
	return t.doJSON(ctx, http.MethodDelete, path, nil, out, nil)
}

func (t *HTTPTransport) Copy(ctx context.Context, path string, destination string, out interface{}) error {
	return t.doJSON(ctx, "COPY", path, nil, out, http.Header{"Destination": {destination}})
}

// Stream sends the whole request body before reading any of the response.
func (t *HTTPTransport) Stream(ctx context.Context, path string, body interface{}) (*RowStream, error) {
	method := http.MethodGet
	var reader io.Reader
	contentType := ""
	if body != nil {
		data, err := t.codec.Marshal(body)
		if err != nil {
			return nil, err
		}
		method = http.MethodPost
		reader = bytes.NewReader(data)
		contentType = contentTypeJSON
	}
	resp, err := t.do(ctx, method, path, reader, contentType, nil)
	if err != nil {
		return nil, err
	}
	return NewRowStream(resp.Body, t.codec), nil
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, body interface{}, out interface{}, header http.Header) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		data, err := t.codec.Marshal(body)
		if err != nil {
			return fmt.Errorf("couchtiny: encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
		contentType = contentTypeJSON
	}
	resp, err := t.do(ctx, method, path, reader, contentType, header)
	if err != nil {
		return err
	}
	return t.decode(resp, out)
}

// do sends a request and returns the response if its status is 2xx. Otherwise the
// body is decoded into an *Error and the response is closed.
func (t *HTTPTransport) do(ctx context.Context, method, path string, body io.Reader, contentType string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.url+path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", contentTypeJSON)
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}

	trace(ctx, "%s %s", method, path)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	cErr := &Error{StatusCode: resp.StatusCode}
	if t.codec.Unmarshal(respBody, cErr) != nil || cErr.Type == "" {
		cErr.Type = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		cErr.Reason = strings.TrimSpace(string(respBody))
	}
	debug(ctx, "%s %s failed: %v", method, path, cErr)
	return nil, cErr
}

func (t *HTTPTransport) decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return t.codec.Unmarshal(data, out)
}

var _ Transport = &HTTPTransport{}
