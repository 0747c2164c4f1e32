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
	"regexp"
)

// Options handled by Finder itself and never sent to the server.
const (
	// OptRaw returns rows as they are, without building models from their docs.
	OptRaw = "raw"
	// OptAllClasses makes All and Count cover every type, not only the Finder's class.
	OptAllClasses = "all_classes"
)

// A Finder queries and writes documents of one class on one database. Documents
// it reads are instantiated through the class's registry, so rows of other types
// come back as their own model types.
type Finder struct {
	db    *Database
	class *Class
}

func (f *Finder) Database() *Database {
	return f.db
}

func (f *Finder) Class() *Class {
	return f.class
}

func (f *Finder) check() error {
	if f.db == nil {
		return ErrNoDatabase
	}
	return nil
}

func (f *Finder) instantiate(doc Doc) Model {
	return f.class.registry.Instantiate(doc, f.db, nil)
}

// Strips the client-side options, returning whether rows should be left raw.
func splitOptions(opts Options) (Options, bool) {
	opts = opts.Clone()
	raw := opts.truthy(OptRaw) || opts.truthy("reduce")
	delete(opts, OptRaw)
	delete(opts, OptAllClasses)
	return opts, raw
}

func (f *Finder) materialize(rows ViewRows) {
	for _, row := range rows {
		if row.Doc != nil {
			row.Model = f.instantiate(row.Doc)
		}
	}
}

func (f *Finder) eachMaterialized(raw bool, fn RowFunc) RowFunc {
	return func(row *ViewRow) error {
		if !raw && row.Doc != nil {
			row.Model = f.instantiate(row.Doc)
		}
		return fn(row)
	}
}

// Get fetches a document by id and instantiates it.
func (f *Finder) Get(ctx context.Context, id string, opts Options) (Model, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	doc, err := f.db.Get(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return f.instantiate(doc), nil
}

type openRev struct {
	OK      Doc    `json:"ok,omitempty"`
	Missing string `json:"missing,omitempty"`
}

// GetOpenRevs fetches the given revisions of a document, or all its leaf revisions
// if revs is empty. Missing and deleted revisions are left out.
func (f *Finder) GetOpenRevs(ctx context.Context, id string, revs []string) ([]Model, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	var openRevs interface{} = "all"
	if len(revs) > 0 {
		data, err := f.db.transport().Codec().Marshal(revs)
		if err != nil {
			return nil, err
		}
		openRevs = string(data)
	}
	var results []openRev
	if err := f.db.GetInto(ctx, id, Options{"open_revs": openRevs}, &results); err != nil {
		return nil, err
	}
	models := make([]Model, 0, len(results))
	for _, r := range results {
		if r.OK == nil {
			continue
		}
		if deleted, _ := r.OK["_deleted"].(bool); deleted {
			continue
		}
		models = append(models, f.instantiate(r.OK))
	}
	return models, nil
}

// View queries a view of the class's design document. Rows with a doc get a Model
// unless the "raw" option is set or the query is reduced.
func (f *Finder) View(ctx context.Context, vname string, opts Options) (*ViewResult, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	opts, raw := splitOptions(opts)
	result, err := f.class.Design().View(ctx, f.db, vname, opts)
	if err != nil {
		return nil, err
	}
	if !raw {
		f.materialize(result.Rows)
	}
	return result, nil
}

// ViewEach streams a view of the class's design document to fn.
func (f *Finder) ViewEach(ctx context.Context, vname string, opts Options, fn RowFunc) (map[string]interface{}, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	opts, raw := splitOptions(opts)
	return f.class.Design().ViewEach(ctx, f.db, vname, opts, f.eachMaterialized(raw, fn))
}

func bulkGetOptions(opts Options) (Options, bool) {
	opts, raw := splitOptions(opts)
	if _, ok := opts["include_docs"]; !ok {
		opts["include_docs"] = true
	}
	return opts, raw
}

// BulkGet fetches several documents by id in one request, e.g.
// BulkGet(ctx, Options{"keys": []string{"a", "b"}}). include_docs defaults to true.
func (f *Finder) BulkGet(ctx context.Context, opts Options) (*ViewResult, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	opts, raw := bulkGetOptions(opts)
	result, err := f.db.AllDocs(ctx, opts)
	if err != nil {
		return nil, err
	}
	if !raw {
		f.materialize(result.Rows)
	}
	return result, nil
}

// BulkGetEach streams the rows of BulkGet to fn.
func (f *Finder) BulkGetEach(ctx context.Context, opts Options, fn RowFunc) (map[string]interface{}, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	opts, raw := bulkGetOptions(opts)
	return f.db.AllDocsEach(ctx, opts, f.eachMaterialized(raw, fn))
}

func (f *Finder) allOptions(opts Options) Options {
	opts = opts.Clone()
	if _, ok := opts["include_docs"]; !ok && !opts.truthy("reduce") {
		opts["include_docs"] = true
	}
	if opts.truthy(OptAllClasses) {
		return opts
	}
	for _, k := range []string{"key", "keys", "startkey", "endkey"} {
		if _, ok := opts[k]; ok {
			return opts
		}
	}
	if tn := f.class.typeName; tn != "" {
		opts["key"] = tn
	} else {
		opts["key"] = nil
	}
	return opts
}

// All returns the documents of the Finder's class, using the "all" view. Set
// "all_classes" to get every document, or any of key, keys, startkey and endkey to
// choose types explicitly. include_docs defaults to true unless reducing.
func (f *Finder) All(ctx context.Context, opts Options) (*ViewResult, error) {
	return f.View(ctx, AllView, f.allOptions(opts))
}

// AllEach streams the rows of All to fn.
func (f *Finder) AllEach(ctx context.Context, opts Options, fn RowFunc) (map[string]interface{}, error) {
	return f.ViewEach(ctx, AllView, f.allOptions(opts), fn)
}

// Count returns the number of documents of the Finder's class. With options, the
// counts reduced by All with those options are summed instead.
func (f *Finder) Count(ctx context.Context, opts Options) (int, error) {
	if len(opts) == 0 {
		result, err := f.View(ctx, AllView, Options{"reduce": true})
		if err != nil {
			return 0, err
		}
		if len(result.Rows) == 0 {
			return 0, nil
		}
		counts, _ := result.Rows[0].Value.(map[string]interface{})
		key := f.class.typeName
		if key == "" {
			key = "null"
		}
		n, _ := counts[key].(float64)
		return int(n), nil
	}

	merged := Options{"reduce": true}
	for k, v := range opts {
		merged[k] = v
	}
	result, err := f.All(ctx, merged)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, row := range result.Rows {
		counts, _ := row.Value.(map[string]interface{})
		for _, v := range counts {
			n, _ := v.(float64)
			total += int(n)
		}
	}
	return total, nil
}

// First returns the first row of All, or ErrNoRows.
func (f *Finder) First(ctx context.Context, opts Options) (*ViewRow, error) {
	merged := Options{"limit": 1}
	for k, v := range opts {
		merged[k] = v
	}
	return f.one(ctx, merged)
}

// Last returns the last row of All, or ErrNoRows.
func (f *Finder) Last(ctx context.Context, opts Options) (*ViewRow, error) {
	merged := Options{"limit": 1, "descending": true}
	for k, v := range opts {
		merged[k] = v
	}
	return f.one(ctx, merged)
}

func (f *Finder) one(ctx context.Context, opts Options) (*ViewRow, error) {
	_, raw := splitOptions(opts)
	opts = opts.Clone()
	opts[OptRaw] = true
	result, err := f.All(ctx, opts)
	if err != nil {
		return nil, err
	}
	row := &ViewRow{}
	if err := result.One(row); err != nil {
		return nil, err
	}
	if !raw && row.Doc != nil {
		row.Model = f.instantiate(row.Doc)
	}
	return row, nil
}

// New returns an unsaved document of the Finder's class on its database.
func (f *Finder) New(attrs Doc) Model {
	return f.class.newOn(attrs, f.db)
}

// Create builds a document with New and saves it.
func (f *Finder) Create(ctx context.Context, attrs Doc) (Model, error) {
	m := f.New(attrs)
	if _, err := m.Base().Save(ctx); err != nil {
		return m, err
	}
	return m, nil
}

// Returns the hooks to run for a bulk item; plain records have none.
func hooksOf(item Record) Hooks {
	if m, ok := item.(Model); ok {
		return m.Base().Model()
	}
	return nil
}

// BulkSave writes items in a single _bulk_docs request. Hooks are run for items
// that are Models; plain Docs are written as they are, except for type tagging.
//
// The result has one entry per item, in order. An item whose Before hooks fail is
// not sent, and its entry records the hook error. Items the server wrote get their
// _rev (and _id, if they had none) updated, then their After hooks run; an After
// hook error replaces the item's entry. Items the server rejected (e.g. on a
// conflict) keep the server's entry and are not touched.
//
// The returned error is only for failure of the request as a whole.
func (f *Finder) BulkSave(ctx context.Context, items []Record, opts BulkOptions) ([]BulkResult, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	results := make([]BulkResult, len(items))
	docs := make([]Doc, 0, len(items))
	index := make([]int, 0, len(items))
	isNew := make([]bool, 0, len(items))

	for i, item := range items {
		doc := item.Body()
		if doc == nil {
			results[i] = BulkResult{Error: ErrorBadRequest, Reason: ErrNilDocument.Error(), Err: ErrNilDocument}
			continue
		}
		newRecord := doc.Rev() == ""
		hooks := hooksOf(item)
		if hooks != nil {
			if err := runBeforeSave(ctx, hooks, newRecord); err != nil {
				debug(ctx, "bulk save: item %d (%s) rejected by hook: %v", i, doc.ID(), err)
				results[i] = failedResult(doc.ID(), err)
				continue
			}
		}
		if m, ok := item.(Model); ok {
			m.Base().tagType(f.class)
		} else {
			tagType(doc, f.class)
		}
		docs = append(docs, doc)
		index = append(index, i)
		isNew = append(isNew, newRecord)
	}
	if len(docs) == 0 {
		return results, nil
	}

	written, err := f.db.BulkDocs(ctx, docs, opts)
	if err != nil {
		return nil, err
	}
	for j, i := range index {
		results[i] = written[j]
		if written[j].Rev == "" {
			continue
		}
		hooks := hooksOf(items[i])
		if hooks == nil {
			continue
		}
		items[i].(Model).Base().SetDatabase(f.db)
		if err := runAfterSave(ctx, hooks, isNew[j]); err != nil {
			debug(ctx, "bulk save: item %d (%s) after hook failed: %v", i, docs[j].ID(), err)
			results[i] = failedResult(docs[j].ID(), err)
		}
	}
	return results, nil
}

// BulkDestroy deletes items in a single _bulk_docs request. No hooks are run, and
// the server's results are returned as they are.
func (f *Finder) BulkDestroy(ctx context.Context, items []Record, opts BulkOptions) ([]BulkResult, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	docs := make([]Doc, len(items))
	for i, item := range items {
		doc := item.Body()
		docs[i] = Doc{"_id": doc.ID(), "_rev": doc.Rev(), "_deleted": true}
	}
	return f.db.BulkDocsNoUpdate(ctx, docs, opts)
}

var designIDPattern = regexp.MustCompile(`^_design/.`)

// CleanupDesignDocs deletes design documents left behind by earlier versions of the
// class's views: those sharing its design's prefix but not its current slug. Do this
// only after every class has defined its views. It does nothing for fixed-name
// designs, and returns the number of documents deleted.
func (f *Finder) CleanupDesignDocs(ctx context.Context) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	design := f.class.Design()
	if !design.WithSlug() {
		return 0, nil
	}
	prefix := designPrefix + design.Prefix()
	current := design.ID()

	var stale []Doc
	_, err := f.db.AllDocsEach(ctx, Options{"startkey": prefix, "endkey": prefix + "~"}, func(row *ViewRow) error {
		if row.ID == current || !designIDPattern.MatchString(row.ID) {
			return nil
		}
		value, _ := row.Value.(map[string]interface{})
		rev, _ := value["rev"].(string)
		stale = append(stale, Doc{"_id": row.ID, "_rev": rev, "_deleted": true})
		return nil
	})
	if err != nil || len(stale) == 0 {
		return 0, err
	}
	results, err := f.db.BulkDocsNoUpdate(ctx, stale, BulkOptions{})
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, r := range results {
		if r.OK() {
			deleted++
		}
	}
	info(ctx, "deleted %d old design docs from %s", deleted, f.db.Name())
	return deleted, nil
}
