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
	"fmt"
)

// Hooks are the lifecycle callbacks run around writes and loads. *Document provides
// no-op versions; a model overrides the ones it needs, e.g. to allocate an id in
// BeforeCreate or validate in BeforeSave. An error from a Before hook stops the
// write.
type Hooks interface {
	BeforeSave(ctx context.Context) error
	BeforeCreate(ctx context.Context) error
	BeforeUpdate(ctx context.Context) error
	AfterCreate(ctx context.Context) error
	AfterUpdate(ctx context.Context) error
	AfterSave(ctx context.Context) error
	BeforeDestroy(ctx context.Context) error
	AfterDestroy(ctx context.Context) error
	AfterFind()
	AfterInitialize()
}

// A Model is a typed document: *Document itself, or a type embedding it.
type Model interface {
	Hooks
	Record

	// Base returns the embedded Document.
	Base() *Document
}

// Document wraps a raw Doc with an id/rev lifecycle, an associated database and
// the class it was built as.
type Document struct {
	doc   Doc
	db    *Database
	class *Class
	self  Model // The outermost model wrapping this document
}

// NewDocument wraps doc in a generic Document of DefaultRegistry.
func NewDocument(doc Doc, db *Database) *Document {
	return DefaultRegistry.Generic().newOn(doc, db).Base()
}

func (d *Document) Base() *Document {
	return d
}

// Model returns the outermost model wrapping this document, whose hooks are run on
// Save and Destroy.
func (d *Document) Model() Model {
	if d.self != nil {
		return d.self
	}
	return d
}

// Body returns the underlying document; changes to it are saved.
func (d *Document) Body() Doc {
	return d.doc
}

func (d *Document) ID() string {
	return d.doc.ID()
}

func (d *Document) SetID(id string) {
	d.doc["_id"] = id
}

func (d *Document) Rev() string {
	return d.doc.Rev()
}

func (d *Document) SetRev(rev string) {
	d.doc["_rev"] = rev
}

// IsNew returns true if the document has never been saved.
func (d *Document) IsNew() bool {
	return d.doc.Rev() == ""
}

func (d *Document) Get(key string) interface{} {
	return d.doc[key]
}

// GetString returns a string attribute, or "".
func (d *Document) GetString(key string) string {
	s, _ := d.doc[key].(string)
	return s
}

func (d *Document) Set(key string, value interface{}) {
	d.doc[key] = value
}

func (d *Document) Delete(key string) {
	delete(d.doc, key)
}

func (d *Document) Database() *Database {
	return d.db
}

func (d *Document) SetDatabase(db *Database) {
	d.db = db
}

// Class returns the class the document was built as.
func (d *Document) Class() *Class {
	return d.class
}

func (d *Document) String() string {
	name := GenericClassName
	if d.class != nil {
		name = d.class.name
	}
	s := fmt.Sprintf("#<%s:%v", name, map[string]interface{}(d.doc))
	if d.db != nil {
		s += " on " + d.db.URL()
	}
	return s + ">"
}

func (d *Document) BeforeSave(ctx context.Context) error    { return nil }
func (d *Document) BeforeCreate(ctx context.Context) error  { return nil }
func (d *Document) BeforeUpdate(ctx context.Context) error  { return nil }
func (d *Document) AfterCreate(ctx context.Context) error   { return nil }
func (d *Document) AfterUpdate(ctx context.Context) error   { return nil }
func (d *Document) AfterSave(ctx context.Context) error     { return nil }
func (d *Document) BeforeDestroy(ctx context.Context) error { return nil }
func (d *Document) AfterDestroy(ctx context.Context) error  { return nil }
func (d *Document) AfterFind()                              {}
func (d *Document) AfterInitialize()                        {}

// Save writes the document, running BeforeSave, BeforeCreate or BeforeUpdate, then
// AfterCreate or AfterUpdate, and AfterSave. Any hook or server error is returned,
// including conflicts.
func (d *Document) Save(ctx context.Context) (bool, error) {
	if d.db == nil {
		return false, ErrNoDatabase
	}
	m := d.Model()
	isNew := d.IsNew()
	if err := runBeforeSave(ctx, m, isNew); err != nil {
		return false, err
	}
	d.tagType(nil)
	result, err := d.db.Put(ctx, d.doc, nil)
	if err != nil {
		return false, err
	}
	if err := runAfterSave(ctx, m, isNew); err != nil {
		return result.OK, err
	}
	return result.OK, nil
}

// Destroy deletes the document, running BeforeDestroy and AfterDestroy.
func (d *Document) Destroy(ctx context.Context) (bool, error) {
	if d.db == nil {
		return false, ErrNoDatabase
	}
	m := d.Model()
	if err := m.BeforeDestroy(ctx); err != nil {
		return false, err
	}
	result, err := d.db.Delete(ctx, d.doc, "")
	if err != nil {
		return false, err
	}
	return result.OK, m.AfterDestroy(ctx)
}

func (d *Document) GetAttachment(ctx context.Context, name string) ([]byte, string, error) {
	if d.db == nil {
		return nil, "", ErrNoDatabase
	}
	return d.db.GetAttachment(ctx, d.doc, name)
}

// PutAttachment stores an attachment, updating the document's _rev.
func (d *Document) PutAttachment(ctx context.Context, name string, data []byte, contentType string) (bool, error) {
	if d.db == nil {
		return false, ErrNoDatabase
	}
	result, err := d.db.PutAttachment(ctx, d.doc, name, data, contentType)
	return result.OK, err
}

func (d *Document) DeleteAttachment(ctx context.Context, name string) (bool, error) {
	if d.db == nil {
		return false, ErrNoDatabase
	}
	result, err := d.db.DeleteAttachment(ctx, d.doc, name)
	return result.OK, err
}

// Sets the type attribute to the class's type name (or fallback's, if the document
// has no class) unless it already has a value.
func (d *Document) tagType(fallback *Class) {
	c := d.class
	if c == nil {
		c = fallback
	}
	tagType(d.doc, c)
}

func tagType(doc Doc, c *Class) {
	if c == nil || c.typeName == "" {
		return
	}
	attr := c.registry.TypeAttr()
	if v, ok := doc[attr]; !ok || v == nil {
		doc[attr] = c.typeName
	}
}

func runBeforeSave(ctx context.Context, h Hooks, isNew bool) error {
	if err := h.BeforeSave(ctx); err != nil {
		return err
	}
	if isNew {
		return h.BeforeCreate(ctx)
	}
	return h.BeforeUpdate(ctx)
}

func runAfterSave(ctx context.Context, h Hooks, isNew bool) error {
	var err error
	if isNew {
		err = h.AfterCreate(ctx)
	} else {
		err = h.AfterUpdate(ctx)
	}
	if err != nil {
		return err
	}
	return h.AfterSave(ctx)
}

var _ Model = &Document{}
