//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// A database on a CouchDB server. Errors come from the server's Transport.
type Database struct {
	server *Server
	name   string
	path   string
}

// RowFunc is called for each row of a streamed view. Returning an error stops the
// iteration and is returned to the caller.
type RowFunc func(row *ViewRow) error

// OpenDatabase returns a handle on the database at a full URL such as
// "http://127.0.0.1:5984/dbname". The server it creates has its own uuid pool.
func OpenDatabase(dbURL string, opts ...ServerOption) (*Database, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, err
	}
	name, err := url.PathUnescape(strings.TrimPrefix(u.Path, "/"))
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("couchtiny: no database name in %q", dbURL)
	}
	u.Path, u.RawPath = "", ""
	return NewServer(u.String(), opts...).Database(name), nil
}

func (db *Database) Name() string {
	return db.name
}

func (db *Database) Server() *Server {
	return db.server
}

// URL returns the absolute URL of the database.
func (db *Database) URL() string {
	return db.server.URL() + db.path
}

func (db *Database) transport() Transport {
	return db.server.transport
}

func (db *Database) docPath(id string) string {
	return db.path + "/" + escapeDocID(id)
}

func (db *Database) paramify(path string, opts Options) (string, error) {
	return paramifyPath(path, opts, db.transport().Codec())
}

// Create creates the database. The server responds 412 if it already exists.
func (db *Database) Create(ctx context.Context) error {
	return db.transport().Put(ctx, db.path, nil, nil)
}

// Drop deletes the entire database.
func (db *Database) Drop(ctx context.Context) error {
	return db.transport().Delete(ctx, db.path, nil)
}

// Recreate drops the database if it exists and creates it again.
func (db *Database) Recreate(ctx context.Context) error {
	if err := db.Drop(ctx); err != nil && !IsNotFound(err) {
		return err
	}
	return db.Create(ctx)
}

func (db *Database) Exists(ctx context.Context) (bool, error) {
	_, err := db.Info(ctx)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (db *Database) Info(ctx context.Context) (Doc, error) {
	var info Doc
	err := db.transport().Get(ctx, db.path, &info)
	return info, err
}

// Compact starts compacting the database; use Info to monitor progress.
func (db *Database) Compact(ctx context.Context) error {
	return db.transport().Post(ctx, db.path+"/_compact", nil, nil)
}

// Get fetches a document.
func (db *Database) Get(ctx context.Context, id string, opts Options) (Doc, error) {
	var doc Doc
	err := db.GetInto(ctx, id, opts, &doc)
	return doc, err
}

// GetInto fetches a document (or, with open_revs, a list of revisions) into out.
func (db *Database) GetInto(ctx context.Context, id string, opts Options, out interface{}) error {
	path, err := db.paramify(db.docPath(id), opts)
	if err != nil {
		return err
	}
	return db.transport().Get(ctx, path, out)
}

// PutNoUpdate saves a document without touching its _id or _rev, which is useful to
// save the same document to several databases. A document without an _id gets one
// from the server's UUIDAllocator.
func (db *Database) PutNoUpdate(ctx context.Context, doc Doc, opts Options) (WriteResult, error) {
	var result WriteResult
	id := doc.ID()
	if id == "" {
		var err error
		if id, err = db.server.NextUUID(ctx); err != nil {
			return result, err
		}
	}
	path, err := db.paramify(db.docPath(id), opts)
	if err != nil {
		return result, err
	}
	err = db.transport().Put(ctx, path, doc, &result)
	return result, err
}

// Put saves a document and sets its _id and _rev from the response.
func (db *Database) Put(ctx context.Context, doc Doc, opts Options) (WriteResult, error) {
	result, err := db.PutNoUpdate(ctx, doc, opts)
	if err == nil && result.OK {
		doc["_id"] = result.ID
		doc["_rev"] = result.Rev
	}
	return result, err
}

type bulkDocsRequest struct {
	Docs         []Doc `json:"docs"`
	AllOrNothing bool  `json:"all_or_nothing,omitempty"`
}

// BulkDocsNoUpdate saves docs in one request, without touching their _id or _rev.
// The result has one entry per doc, in the same order.
func (db *Database) BulkDocsNoUpdate(ctx context.Context, docs []Doc, opts BulkOptions) ([]BulkResult, error) {
	var results []BulkResult
	req := bulkDocsRequest{Docs: docs, AllOrNothing: opts.AllOrNothing}
	if err := db.transport().Post(ctx, db.path+"/_bulk_docs", req, &results); err != nil {
		return nil, err
	}
	if len(results) != len(docs) {
		return results, fmt.Errorf("couchtiny: _bulk_docs returned %d results for %d docs", len(results), len(docs))
	}
	return results, nil
}

// BulkDocs saves docs in one request and updates the _rev of each one that was
// written, and its _id if it had none. Failures are reported per item in the result.
func (db *Database) BulkDocs(ctx context.Context, docs []Doc, opts BulkOptions) ([]BulkResult, error) {
	results, err := db.BulkDocsNoUpdate(ctx, docs, opts)
	if err != nil {
		return results, err
	}
	for i, res := range results {
		if res.Rev == "" {
			continue // e.g. rejected due to conflict
		}
		doc := docs[i]
		if doc.ID() == "" {
			doc["_id"] = res.ID
		}
		doc["_rev"] = res.Rev
	}
	return results, nil
}

// Delete removes a document. A non-empty rev overrides the document's own _rev.
func (db *Database) Delete(ctx context.Context, doc Doc, rev string) (WriteResult, error) {
	var result WriteResult
	id := doc.ID()
	if rev == "" {
		rev = doc.Rev()
	}
	if id == "" || rev == "" {
		return result, errors.New("couchtiny: both id and rev must be present to delete")
	}
	path, err := db.paramify(db.docPath(id), Options{"rev": rev})
	if err != nil {
		return result, err
	}
	err = db.transport().Delete(ctx, path, &result)
	return result, err
}

// Copy copies document fromID to toID. If toID already exists, toRev must be its
// current revision.
func (db *Database) Copy(ctx context.Context, fromID, toID, toRev string) (WriteResult, error) {
	var result WriteResult
	dest := escapeDocID(toID)
	if toRev != "" {
		dest += "?rev=" + url.QueryEscape(toRev)
	}
	err := db.transport().Copy(ctx, db.docPath(fromID), dest, &result)
	return result, err
}

// AllDocs returns all documents in the database, or those selected by the "keys" option.
func (db *Database) AllDocs(ctx context.Context, opts Options) (*ViewResult, error) {
	return db.fetchView(ctx, db.path+"/_all_docs", opts, nil)
}

// AllDocsEach streams the rows of _all_docs to fn, returning the response metadata.
func (db *Database) AllDocsEach(ctx context.Context, opts Options, fn RowFunc) (map[string]interface{}, error) {
	return db.streamView(ctx, db.path+"/_all_docs", opts, nil, fn)
}

func (db *Database) viewPath(design, view string) string {
	return db.path + "/" + designPrefix + url.PathEscape(design) + "/_view/" + url.PathEscape(view)
}

// View queries view of design document _design/<design>.
func (db *Database) View(ctx context.Context, design, view string, opts Options) (*ViewResult, error) {
	return db.fetchView(ctx, db.viewPath(design, view), opts, nil)
}

// ViewEach streams the rows of a view to fn, returning the response metadata.
func (db *Database) ViewEach(ctx context.Context, design, view string, opts Options, fn RowFunc) (map[string]interface{}, error) {
	return db.streamView(ctx, db.viewPath(design, view), opts, nil, fn)
}

// TempView runs an ad-hoc (slow) view.
func (db *Database) TempView(ctx context.Context, def ViewDef, opts Options) (*ViewResult, error) {
	body := Doc{"map": def.Map}
	if def.Reduce != "" {
		body["reduce"] = def.Reduce
	}
	return db.fetchView(ctx, db.path+"/_temp_view", opts, body)
}

// Moves the "keys" option into the request body and encodes the rest as a query.
func (db *Database) viewRequest(path string, opts Options, body Doc) (string, Doc, error) {
	opts = opts.Clone()
	if keys, ok := opts["keys"]; ok {
		delete(opts, "keys")
		if body == nil {
			body = Doc{}
		}
		body["keys"] = keys
	}
	path, err := db.paramify(path, opts)
	return path, body, err
}

func (db *Database) fetchView(ctx context.Context, path string, opts Options, body Doc) (*ViewResult, error) {
	path, body, err := db.viewRequest(path, opts, body)
	if err != nil {
		return nil, err
	}
	result := &ViewResult{}
	if body != nil {
		err = db.transport().Post(ctx, path, body, result)
	} else {
		err = db.transport().Get(ctx, path, result)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (db *Database) openStream(ctx context.Context, path string, opts Options, body Doc) (*RowStream, error) {
	path, body, err := db.viewRequest(path, opts, body)
	if err != nil {
		return nil, err
	}
	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	return db.transport().Stream(ctx, path, reqBody)
}

func (db *Database) streamView(ctx context.Context, path string, opts Options, body Doc, fn RowFunc) (map[string]interface{}, error) {
	stream, err := db.openStream(ctx, path, opts, body)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for {
		row := &ViewRow{}
		if !stream.Next(row) {
			break
		}
		if err := fn(row); err != nil {
			return nil, err
		}
	}
	if err := stream.Close(); err != nil {
		return nil, err
	}
	return stream.Meta(), nil
}

// Rows opens a streamed query of a view. The caller must Close the iterator.
func (db *Database) Rows(ctx context.Context, design, view string, opts Options) (RowIterator, error) {
	stream, err := db.openStream(ctx, db.viewPath(design, view), opts, nil)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// AllDocsRows opens a streamed _all_docs query. The caller must Close the iterator.
func (db *Database) AllDocsRows(ctx context.Context, opts Options) (RowIterator, error) {
	stream, err := db.openStream(ctx, db.path+"/_all_docs", opts, nil)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (db *Database) attachmentPath(doc Doc, name string, rev string) (string, error) {
	id := doc.ID()
	if id == "" {
		return "", errors.New("couchtiny: document has no id")
	}
	path := db.docPath(id) + "/" + url.PathEscape(name)
	if rev != "" {
		path += "?rev=" + url.QueryEscape(rev)
	}
	return path, nil
}

// GetAttachment returns the data and content type of an attachment.
func (db *Database) GetAttachment(ctx context.Context, doc Doc, name string) ([]byte, string, error) {
	path, err := db.attachmentPath(doc, name, "")
	if err != nil {
		return nil, "", err
	}
	return db.transport().GetRaw(ctx, path)
}

// PutAttachment stores an attachment and updates the document's _rev.
func (db *Database) PutAttachment(ctx context.Context, doc Doc, name string, data []byte, contentType string) (WriteResult, error) {
	var result WriteResult
	path, err := db.attachmentPath(doc, name, doc.Rev())
	if err != nil {
		return result, err
	}
	if err = db.transport().PutRaw(ctx, path, data, contentType, &result); err == nil && result.OK {
		doc["_rev"] = result.Rev
	}
	return result, err
}

// DeleteAttachment removes an attachment and updates the document's _rev.
func (db *Database) DeleteAttachment(ctx context.Context, doc Doc, name string) (WriteResult, error) {
	var result WriteResult
	path, err := db.attachmentPath(doc, name, doc.Rev())
	if err != nil {
		return result, err
	}
	if err = db.transport().Delete(ctx, path, &result); err == nil && result.OK {
		doc["_rev"] = result.Rev
	}
	return result, err
}
