//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtest

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
)

// Returns the document id addressed by the request path.
func docID(r *http.Request) string {
	if ddoc, ok := mux.Vars(r)["ddoc"]; ok {
		name, err := url.PathUnescape(ddoc)
		if err != nil {
			name = ddoc
		}
		return designPrefix + name
	}
	return pathVar(r, "docid")
}

func writeResult(w http.ResponseWriter, status int, id, rev string) {
	writeJSON(w, status, map[string]interface{}{"ok": true, "id": id, "rev": rev})
}

func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	id := docID(r)
	query := r.URL.Query()
	if openRevs := query.Get("open_revs"); openRevs != "" {
		s.getOpenRevs(w, db, id, openRevs)
		return
	}
	doc, err := db.get(id)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	if rev := query.Get("rev"); rev != "" && rev != doc.rev {
		writeJSONError(w, errMissing("missing"))
		return
	}
	writeJSON(w, http.StatusOK, doc.toMap())
}

// Responds with the requested revisions: "all" (which is only ever the current one)
// or a JSON array of revision ids.
func (s *Server) getOpenRevs(w http.ResponseWriter, db *database, id, openRevs string) {
	db.mu.RLock()
	var cur map[string]interface{}
	var curRev string
	if doc := db.docs[id]; doc != nil {
		cur, curRev = doc.toMap(), doc.rev
	}
	db.mu.RUnlock()

	var revs []string
	if openRevs != "all" {
		if err := json.Unmarshal([]byte(openRevs), &revs); err != nil {
			writeJSONError(w, &httpError{http.StatusBadRequest, "query_parse_error", "Invalid value for open_revs"})
			return
		}
	} else if cur != nil {
		revs = []string{curRev}
	}
	if cur == nil && openRevs == "all" {
		writeJSONError(w, errMissing("missing"))
		return
	}
	results := make([]map[string]interface{}, 0, len(revs))
	for _, rev := range revs {
		if cur != nil && rev == curRev {
			results = append(results, map[string]interface{}{"ok": cur})
		} else {
			results = append(results, map[string]interface{}{"missing": rev})
		}
	}
	writeJSON(w, http.StatusOK, results)
}

// Reads the request body as a document.
func readDoc(r *http.Request) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := readJSON(r, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, badRequest("Document must be a JSON object")
	}
	return doc, nil
}

func (s *Server) handlePostDoc(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	doc, err := readDoc(r)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	u, err := parseUpdate(doc)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	if u.id == "" {
		u.id = newUUID()
	}
	rev, err := db.put(u)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, u.id, rev)
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	doc, err := readDoc(r)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	u, err := parseUpdate(doc)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	u.id = docID(r)
	if rev := r.URL.Query().Get("rev"); rev != "" && u.rev == "" {
		u.rev = rev
	}
	rev, err := db.put(u)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	debug(r.Context(), "put %s/%s rev %s", db.name, u.id, rev)
	writeResult(w, http.StatusCreated, u.id, rev)
}

func (s *Server) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	u := docUpdate{id: docID(r), rev: r.URL.Query().Get("rev"), deleted: true}
	rev, err := db.put(u)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeResult(w, http.StatusOK, u.id, rev)
}

// COPY takes the target from the Destination header, "<id>" or "<id>?rev=<rev>".
func (s *Server) handleCopyDoc(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	dest := r.Header.Get("Destination")
	if dest == "" {
		writeJSONError(w, badRequest("Destination header is mandatory for COPY."))
		return
	}
	destPath, destQuery, _ := strings.Cut(dest, "?")
	destID, err := url.PathUnescape(destPath)
	if err != nil {
		writeJSONError(w, badRequest("Invalid Destination header"))
		return
	}
	destRev := ""
	if values, err := url.ParseQuery(destQuery); err == nil {
		destRev = values.Get("rev")
	}

	src, err := db.get(docID(r))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	doc := make(map[string]interface{}, len(src.body)+1)
	for k, v := range src.body {
		doc[k] = v
	}
	if len(src.attachments) > 0 {
		atts := make(map[string]interface{}, len(src.attachments))
		for name, att := range src.attachments {
			atts[name] = map[string]interface{}{
				"content_type": att.ContentType,
				"data":         base64.StdEncoding.EncodeToString(att.Data),
			}
		}
		doc["_attachments"] = atts
	}
	u := docUpdate{body: doc}
	u.id, u.rev = destID, destRev
	rev, err := db.put(u)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, u.id, rev)
}

type bulkDocsRequest struct {
	Docs         []map[string]interface{} `json:"docs"`
	AllOrNothing bool                     `json:"all_or_nothing"`
}

// Each document is written independently; all_or_nothing is accepted and ignored.
func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	var req bulkDocsRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, err)
		return
	}
	if req.Docs == nil {
		writeJSONError(w, badRequest("POST body must include `docs` parameter."))
		return
	}
	results := make([]map[string]interface{}, 0, len(req.Docs))
	for _, doc := range req.Docs {
		u, err := parseUpdate(doc)
		if err == nil {
			if u.id == "" {
				u.id = newUUID()
			}
			var rev string
			if rev, err = db.put(u); err == nil {
				results = append(results, map[string]interface{}{"ok": true, "id": u.id, "rev": rev})
				continue
			}
		}
		result := map[string]interface{}{"id": u.id}
		if hErr, ok := err.(*httpError); ok {
			result["error"], result["reason"] = hErr.kind, hErr.reason
		} else {
			result["error"], result["reason"] = "unknown_error", err.Error()
		}
		results = append(results, result)
	}
	debug(r.Context(), "bulk_docs wrote %d docs to %s", len(results), db.name)
	writeJSON(w, http.StatusCreated, results)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	doc, err := db.get(pathVar(r, "docid"))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	att := doc.attachments[pathVar(r, "att")]
	if att == nil {
		writeJSONError(w, errMissing("Document is missing attachment"))
		return
	}
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(att.Data)
}

func (s *Server) handlePutAttachment(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, badRequest(err.Error()))
		return
	}
	id := pathVar(r, "docid")
	att := &attachment{ContentType: r.Header.Get("Content-Type"), Data: data}
	rev, err := db.putAttachment(id, r.URL.Query().Get("rev"), pathVar(r, "att"), att)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeResult(w, http.StatusCreated, id, rev)
}

func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	db := s.database(w, r)
	if db == nil {
		return
	}
	id := pathVar(r, "docid")
	rev, err := db.putAttachment(id, r.URL.Query().Get("rev"), pathVar(r, "att"), nil)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeResult(w, http.StatusOK, id, rev)
}
