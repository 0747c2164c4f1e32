//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtest

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const designPrefix = "_design/"

type attachment struct {
	ContentType string
	Data        []byte
	RevPos      int
}

func (a *attachment) digest() string {
	sum := md5.Sum(a.Data)
	return "md5-" + base64.StdEncoding.EncodeToString(sum[:])
}

// Latest revision of a stored document. Only the winning revision is kept.
type document struct {
	id          string
	rev         string
	body        map[string]interface{} // Without any "_" members
	deleted     bool
	attachments map[string]*attachment
}

func revGeneration(rev string) int {
	gen, _, _ := strings.Cut(rev, "-")
	n, _ := strconv.Atoi(gen)
	return n
}

// JSON form of the document, as returned by GET.
func (d *document) toMap() map[string]interface{} {
	m := make(map[string]interface{}, len(d.body)+3)
	for k, v := range d.body {
		m[k] = v
	}
	m["_id"] = d.id
	m["_rev"] = d.rev
	if d.deleted {
		m["_deleted"] = true
	}
	if len(d.attachments) > 0 {
		stubs := make(map[string]interface{}, len(d.attachments))
		for name, att := range d.attachments {
			stubs[name] = map[string]interface{}{
				"content_type": att.ContentType,
				"length":       len(att.Data),
				"digest":       att.digest(),
				"revpos":       att.RevPos,
				"stub":         true,
			}
		}
		m["_attachments"] = stubs
	}
	return m
}

// An in-memory database.
type database struct {
	name string
	mu   sync.RWMutex // Protects all fields below
	docs map[string]*document
	seq  int
}

func newDatabase(name string) *database {
	return &database{name: name, docs: map[string]*document{}}
}

var errConflict = &httpError{http.StatusConflict, "conflict", "Document update conflict."}

func errMissing(reason string) error {
	return &httpError{http.StatusNotFound, "not_found", reason}
}

// A requested change to a document.
type docUpdate struct {
	id      string
	rev     string
	deleted bool
	body    map[string]interface{} // May include "_attachments"
}

// Splits a JSON document into its update fields.
func parseUpdate(doc map[string]interface{}) (docUpdate, error) {
	u := docUpdate{body: map[string]interface{}{}}
	for k, v := range doc {
		switch k {
		case "_id":
			u.id, _ = v.(string)
		case "_rev":
			u.rev, _ = v.(string)
		case "_deleted":
			u.deleted, _ = v.(bool)
		case "_attachments":
			u.body[k] = v
		default:
			if strings.HasPrefix(k, "_") {
				return u, &httpError{http.StatusBadRequest, "doc_validation", "Bad special document member: " + k}
			}
			u.body[k] = v
		}
	}
	return u, nil
}

func (db *database) info() map[string]interface{} {
	db.mu.RLock()
	defer db.mu.RUnlock()
	count, deleted := 0, 0
	for _, doc := range db.docs {
		if doc.deleted {
			deleted++
		} else {
			count++
		}
	}
	return map[string]interface{}{
		"db_name":         db.name,
		"doc_count":       count,
		"doc_del_count":   deleted,
		"update_seq":      db.seq,
		"compact_running": false,
		"disk_size":       0,
	}
}

// Returns the current revision of a document, or a not_found error.
func (db *database) get(id string) (*document, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	doc := db.docs[id]
	if doc == nil {
		return nil, errMissing("missing")
	}
	if doc.deleted {
		return nil, errMissing("deleted")
	}
	return doc, nil
}

// Returns the revision of a deleted document.
func (db *database) deletedRev(id string) (string, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if doc := db.docs[id]; doc != nil && doc.deleted {
		return doc.rev, true
	}
	return "", false
}

// Applies an update, returning the new revision.
func (db *database) put(u docUpdate) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.putLocked(u)
}

func (db *database) putLocked(u docUpdate) (string, error) {
	cur := db.docs[u.id]
	switch {
	case cur != nil && !cur.deleted:
		if u.rev != cur.rev {
			return "", errConflict
		}
	case cur != nil:
		if u.rev != "" && u.rev != cur.rev {
			return "", errConflict
		}
		if u.deleted {
			return "", errMissing("deleted")
		}
	default:
		if u.rev != "" {
			return "", errConflict
		}
		if u.deleted {
			return "", errMissing("missing")
		}
	}

	gen, prevRev := 0, ""
	if cur != nil {
		gen, prevRev = revGeneration(cur.rev), cur.rev
	}
	atts, err := updateAttachments(cur, u.body["_attachments"], gen+1)
	if err != nil {
		return "", err
	}
	body := make(map[string]interface{}, len(u.body))
	for k, v := range u.body {
		if k != "_attachments" {
			body[k] = v
		}
	}
	if u.deleted {
		body, atts = map[string]interface{}{}, nil
	}
	rev := newRevision(gen+1, prevRev, body, u.deleted)
	db.docs[u.id] = &document{id: u.id, rev: rev, body: body, deleted: u.deleted, attachments: atts}
	db.seq++
	return rev, nil
}

// Revisions are "<generation>-<md5 of the new content and previous revision>".
func newRevision(gen int, prevRev string, body map[string]interface{}, deleted bool) string {
	data, _ := json.Marshal(body)
	h := md5.New()
	fmt.Fprintf(h, "%s\x00%t\x00", prevRev, deleted)
	h.Write(data)
	return strconv.Itoa(gen) + "-" + hex.EncodeToString(h.Sum(nil))
}

// Builds the attachments of a new revision from the "_attachments" member of an
// update: stubs keep the current attachment, "data" members are base64 content.
func updateAttachments(cur *document, spec interface{}, revPos int) (map[string]*attachment, error) {
	specs, _ := spec.(map[string]interface{})
	if len(specs) == 0 {
		return nil, nil
	}
	atts := make(map[string]*attachment, len(specs))
	for name, s := range specs {
		m, _ := s.(map[string]interface{})
		if stub, _ := m["stub"].(bool); stub {
			if cur == nil || cur.attachments[name] == nil {
				return nil, &httpError{http.StatusPreconditionFailed, "missing_stub", "Invalid attachment stub for " + name}
			}
			atts[name] = cur.attachments[name]
			continue
		}
		encoded, _ := m["data"].(string)
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, &httpError{http.StatusBadRequest, "bad_request", "Invalid attachment data for " + name}
		}
		contentType, _ := m["content_type"].(string)
		atts[name] = &attachment{ContentType: contentType, Data: data, RevPos: revPos}
	}
	return atts, nil
}

// Stores, replaces or deletes (when data is nil) one attachment, creating the document
// if needed.
func (db *database) putAttachment(id, rev, name string, att *attachment) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cur := db.docs[id]
	u := docUpdate{id: id, rev: rev, body: map[string]interface{}{}}
	stubs := map[string]interface{}{}
	if cur != nil && !cur.deleted {
		for k, v := range cur.body {
			u.body[k] = v
		}
		for existing := range cur.attachments {
			stubs[existing] = map[string]interface{}{"stub": true}
		}
	}
	if att == nil {
		if _, ok := stubs[name]; !ok {
			return "", errMissing("missing")
		}
		delete(stubs, name)
	} else {
		stubs[name] = map[string]interface{}{
			"content_type": att.ContentType,
			"data":         base64.StdEncoding.EncodeToString(att.Data),
		}
	}
	u.body["_attachments"] = stubs
	return db.putLocked(u)
}

// A point-in-time copy of a live document, for running views over.
type docSnapshot struct {
	id   string
	doc  map[string]interface{}
	json string
}

// Returns the live documents sorted by id, with or without design documents.
func (db *database) snapshot(includeDesign bool) []docSnapshot {
	db.mu.RLock()
	defer db.mu.RUnlock()
	docs := make([]docSnapshot, 0, len(db.docs))
	for id, doc := range db.docs {
		if doc.deleted || (!includeDesign && strings.HasPrefix(id, designPrefix)) {
			continue
		}
		m := doc.toMap()
		data, _ := json.Marshal(m)
		docs = append(docs, docSnapshot{id: id, doc: m, json: string(data)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].id < docs[j].id })
	return docs
}

// Copies every document whose revision differs into target, returning how many.
func (db *database) replicateTo(target *database) int {
	if db == target {
		return 0
	}
	db.mu.RLock()
	docs := make([]*document, 0, len(db.docs))
	for _, doc := range db.docs {
		docs = append(docs, doc)
	}
	db.mu.RUnlock()

	target.mu.Lock()
	defer target.mu.Unlock()
	written := 0
	for _, doc := range docs {
		if existing := target.docs[doc.id]; existing != nil && existing.rev == doc.rev {
			continue
		}
		copied := *doc
		target.docs[doc.id] = &copied
		target.seq++
		written++
	}
	return written
}
