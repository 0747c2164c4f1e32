//  Copyright 2013-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type ViewDef struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

type ViewMap map[string]ViewDef

// Options stored on a design document. IncludeDesign makes its views also index
// design documents.
type DesignDocOptions struct {
	LocalSeq      bool `json:"local_seq,omitempty"`
	IncludeDesign bool `json:"include_design,omitempty"`
}

// A CouchDB design document, which stores map/reduce function definitions.
type DesignDoc struct {
	ID       string            `json:"_id,omitempty"`
	Rev      string            `json:"_rev,omitempty"`
	Language string            `json:"language,omitempty"`
	Views    ViewMap           `json:"views,omitempty"`
	Options  *DesignDocOptions `json:"options,omitempty"`
}

// Design builds a design document and queries its views, creating the document on
// the server the first time a view is found missing.
//
// In slug mode the document's name is prefix + an md5 over every view definition
// (including its default options), so any change to a view stores it under a new
// id and old code can keep reading the old one. In fixed mode the name is just the
// prefix and views must be deployed by hand when they change.
type Design struct {
	mu       sync.Mutex // Protects all fields below
	prefix   string
	withSlug bool
	views    ViewMap
	defaults map[string]Options
	options  *DesignDocOptions
	slug     string
}

// NewDesign returns an empty design document. An empty prefix always uses slug mode.
func NewDesign(prefix string, withSlug bool) *Design {
	return &Design{
		prefix:   prefix,
		withSlug: withSlug || prefix == "",
		views:    ViewMap{},
		defaults: map[string]Options{},
	}
}

// DefineView adds or replaces a view. An empty reduce means map only. defaults are
// merged into the options of every query of this view, e.g. {"reduce": false} so
// that the reduce only runs when explicitly requested.
func (d *Design) DefineView(name, mapFn, reduceFn string, defaults Options) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.views[name] = ViewDef{Map: mapFn, Reduce: reduceFn}
	if defaults == nil {
		defaults = Options{}
	}
	d.defaults[name] = defaults.Clone()
	d.slug = ""
}

// SetOptions sets the design document's options. They are part of the slug, so in
// slug mode a change stores the design under a new id.
func (d *Design) SetOptions(opts DesignDocOptions) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if opts == (DesignDocOptions{}) {
		d.options = nil
	} else {
		d.options = &opts
	}
	d.slug = ""
}

// Options returns the design document's options, or the zero value if none are set.
func (d *Design) Options() DesignDocOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.options == nil {
		return DesignDocOptions{}
	}
	return *d.options
}

// HasView returns true if name has been defined.
func (d *Design) HasView(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.views[name]
	return ok
}

func (d *Design) Prefix() string {
	return d.prefix
}

func (d *Design) WithSlug() bool {
	return d.withSlug
}

// Slug returns the content hash of the view definitions.
func (d *Design) Slug() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slugLocked()
}

func (d *Design) slugLocked() string {
	if d.slug != "" {
		return d.slug
	}
	names := make([]string, 0, len(d.views))
	for name := range d.views {
		names = append(names, name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		view := d.views[name]
		h.Write([]byte(name + "/" + view.Map + "\x00" + view.Reduce + "\x00"))
		if opts := d.defaults[name]; len(opts) > 0 {
			// encoding/json writes map keys in sorted order
			data, _ := json.Marshal(opts)
			h.Write(data)
		}
		h.Write([]byte("\n"))
	}
	if d.options != nil {
		data, _ := json.Marshal(d.options)
		h.Write([]byte("options/"))
		h.Write(data)
	}
	d.slug = hex.EncodeToString(h.Sum(nil))
	return d.slug
}

// Name is the part of the id after "_design/".
func (d *Design) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.withSlug {
		return d.prefix + d.slugLocked()
	}
	return d.prefix
}

// ID returns the storage key of the design document.
func (d *Design) ID() string {
	return designPrefix + d.Name()
}

// Doc returns the design document as it is stored.
func (d *Design) Doc() DesignDoc {
	id := d.ID()
	d.mu.Lock()
	defer d.mu.Unlock()
	views := make(ViewMap, len(d.views))
	for k, v := range d.views {
		views[k] = v
	}
	doc := DesignDoc{ID: id, Language: "javascript", Views: views}
	if d.options != nil {
		opts := *d.options
		doc.Options = &opts
	}
	return doc
}

// Merges a view's default options under opts. include_docs is dropped when a reduce
// is requested without it, since CouchDB rejects the combination.
func (d *Design) viewOptions(view string, opts Options) Options {
	d.mu.Lock()
	merged := d.defaults[view].Clone()
	d.mu.Unlock()
	for k, v := range opts {
		merged[k] = v
	}
	if merged.truthy("reduce") && !merged.truthy("include_docs") {
		delete(merged, "include_docs")
	}
	return merged
}

// Save writes the design document to db. A conflict error means it is already
// there.
func (d *Design) Save(ctx context.Context, db *Database) error {
	doc := d.Doc()
	codec := db.transport().Codec()
	data, err := codec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("couchtiny: encoding design doc %s: %w", doc.ID, err)
	}
	var body Doc
	if err := codec.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("couchtiny: encoding design doc %s: %w", doc.ID, err)
	}
	if _, err := db.PutNoUpdate(ctx, body, nil); err != nil {
		return err
	}
	info(ctx, "saved design doc %s to %s", doc.ID, db.Name())
	return nil
}

// Saves the design document before a retried query. A 404 can also mean the design
// doc exists but the view name is wrong; the put then fails with a conflict and the
// retry reports the original error.
func (d *Design) create(ctx context.Context, db *Database, view string) {
	debug(ctx, "view %s/%s not found on %s, creating it", d.Name(), view, db.Name())
	if err := d.Save(ctx, db); IsConflict(err) {
		warn(ctx, "saving design doc %s to %s: %v", d.ID(), db.Name(), err)
	} else if err != nil {
		logError(ctx, "saving design doc %s to %s: %v", d.ID(), db.Name(), err)
	}
}

// View queries a view of this design document on db. If the design document is
// missing it is saved and the query retried once.
func (d *Design) View(ctx context.Context, db *Database, view string, opts Options) (*ViewResult, error) {
	opts = d.viewOptions(view, opts)
	name := d.Name()
	result, err := db.View(ctx, name, view, opts)
	if !IsNotFound(err) {
		return result, err
	}
	d.create(ctx, db, view)
	return db.View(ctx, name, view, opts)
}

// ViewEach streams a view of this design document on db to fn, creating the design
// document like View does.
func (d *Design) ViewEach(ctx context.Context, db *Database, view string, opts Options, fn RowFunc) (map[string]interface{}, error) {
	opts = d.viewOptions(view, opts)
	name := d.Name()
	yielded := false
	counted := func(row *ViewRow) error {
		yielded = true
		return fn(row)
	}
	meta, err := db.ViewEach(ctx, name, view, opts, counted)
	if yielded || !IsNotFound(err) {
		return meta, err
	}
	d.create(ctx, db, view)
	return db.ViewEach(ctx, name, view, opts, fn)
}

// Rows opens a streamed query of a view of this design document on db, creating
// the design document like View does. The caller must Close the iterator.
func (d *Design) Rows(ctx context.Context, db *Database, view string, opts Options) (RowIterator, error) {
	opts = d.viewOptions(view, opts)
	name := d.Name()
	rows, err := db.Rows(ctx, name, view, opts)
	if !IsNotFound(err) {
		return rows, err
	}
	d.create(ctx, db, view)
	return db.Rows(ctx, name, view, opts)
}

// A generic reduce function for counting objects. Returns a Number.
const ReduceCount = `function(ks, vs, co) {
  if (co) {
    return sum(vs);
  } else {
    return vs.length;
  }
}`

// A reduce optimised for low-cardinality string keys. Returns an Object which maps
// each key to its count; partial counts are merged on rereduce.
const ReduceLowCardinality = `function(ks, vs, co) {
  if (co) {
    var result = vs.shift();
    for (var i in vs) {
      for (var j in vs[i]) {
        result[j] = (result[j] || 0) + vs[i][j];
      }
    }
    return result;
  } else {
    var result = {};
    for (var i in ks) {
      var key = ks[i];
      result[key[0]] = (result[key[0]] || 0) + 1;
    }
    return result;
  }
}`

// A reduce that discards values, for de-duplicating keys with group=true.
const ReduceNull = `function(ks, vs, co) {
  return null;
}`
