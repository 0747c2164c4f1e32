//  Copyright 2024-Present Couchbase, Inc.
//
//  Use of this software is governed by the Business Source License included
//  in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
//  in that file, in accordance with the Business Source License, use of this
//  software will be governed by the Apache License, Version 2.0, included in
//  the file licenses/APL2.txt.

package couchtiny

import (
	"fmt"
	"sync"
)

const (
	DefaultTypeAttr = "type"

	// Name of the class used for documents with a missing or unknown type.
	GenericClassName = "Document"

	// Name of the view, defined on every design document in use, which finds and
	// counts documents by type.
	AllView = "all"
)

// A Registry maps the type names stored in documents to the classes that wrap them.
// Only registered types can be instantiated; anything else becomes a generic Document.
//
// Classes are normally defined once at init time on DefaultRegistry. All methods are
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex // Protects all fields below, and the mutable fields of its Classes
	typeAttr string
	design   *Design
	generic  *Class
	classes  map[string]*Class
	untyped  []*Class // Classes defined with an empty type name
}

// DefaultRegistry is the registry used by Define and Instantiate.
var DefaultRegistry = NewRegistry()

// NewRegistry returns a registry with the type attribute "type", a shared slug-mode
// design document and only the generic class.
func NewRegistry() *Registry {
	r := &Registry{
		typeAttr: DefaultTypeAttr,
		design:   NewDesign("", true),
		classes:  map[string]*Class{},
	}
	r.generic = &Class{registry: r, name: GenericClassName}
	r.classes[""] = r.generic
	r.defineViewAll(r.design)
	return r
}

// Define registers a class on DefaultRegistry.
func Define(name string, factory Factory, opts ...ClassOption) *Class {
	return DefaultRegistry.Define(name, factory, opts...)
}

// Instantiate builds a Model from a raw document using DefaultRegistry.
func Instantiate(raw Doc, db *Database, fallback *Class) Model {
	return DefaultRegistry.Instantiate(raw, db, fallback)
}

// TypeAttr returns the document attribute holding the type name.
func (r *Registry) TypeAttr() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typeAttr
}

// UseTypeAttr changes the attribute used for storing the type, e.g. "couchrest-type".
// The "all" view of every design document in use is redefined to match.
func (r *Registry) UseTypeAttr(attr string) {
	r.mu.Lock()
	r.typeAttr = attr
	designs := r.designsLocked()
	r.mu.Unlock()
	for _, d := range designs {
		r.defineViewAll(d)
	}
}

// Design returns the design document shared by all classes without their own.
func (r *Registry) Design() *Design {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.design
}

// UseDesign replaces the shared design document, e.g. to give the whole application
// a prefix with NewDesign("myapp-", true). Do this before defining any views.
func (r *Registry) UseDesign(d *Design) {
	if !d.HasView(AllView) {
		r.defineViewAll(d)
	}
	r.mu.Lock()
	r.design = d
	r.mu.Unlock()
}

// DefineViewAll replaces the "all" view of the shared design document. An empty
// mapFn restores the default, which emits the type name of every document; an empty
// reduceFn then means ReduceLowCardinality, or ReduceCount with a custom map.
func (r *Registry) DefineViewAll(mapFn, reduceFn string, defaults Options) {
	if mapFn == "" {
		r.defineViewAll(r.Design())
		return
	}
	if reduceFn == "" {
		reduceFn = ReduceCount
	}
	if defaults == nil {
		defaults = Options{"reduce": false}
	}
	r.Design().DefineView(AllView, mapFn, reduceFn, defaults)
}

func (r *Registry) defineViewAll(d *Design) {
	mapFn := fmt.Sprintf(`function(doc) {
  emit(doc[%q] || null, null);
}`, r.TypeAttr())
	d.DefineView(AllView, mapFn, ReduceLowCardinality, Options{"reduce": false})
}

func (r *Registry) designsLocked() []*Design {
	designs := []*Design{r.design}
	seen := map[*Design]bool{r.design: true}
	for _, c := range r.classes {
		if c.design != nil && !seen[c.design] {
			seen[c.design] = true
			designs = append(designs, c.design)
		}
	}
	for _, c := range r.untyped {
		if c.design != nil && !seen[c.design] {
			seen[c.design] = true
			designs = append(designs, c.design)
		}
	}
	return designs
}

// Generic returns the class used for documents whose type is missing or unknown.
func (r *Registry) Generic() *Class {
	return r.generic
}

// Lookup returns the class registered for a type name, or nil.
func (r *Registry) Lookup(typeName string) *Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classes[typeName]
}

// Define registers a class. Its type name defaults to name; redefining a type name
// replaces the earlier class. A class with an empty type name is never looked up
// by type, so it does not displace the generic class.
func (r *Registry) Define(name string, factory Factory, opts ...ClassOption) *Class {
	c := &Class{
		registry: r,
		name:     name,
		typeName: name,
		factory:  factory,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.design != nil && !c.design.HasView(AllView) {
		r.defineViewAll(c.design)
	}
	r.mu.Lock()
	if c.typeName == "" {
		r.untyped = append(r.untyped, c)
	} else {
		r.classes[c.typeName] = c
	}
	r.mu.Unlock()
	return c
}

// Instantiate wraps a raw document in the class named by its type attribute. If
// the type is missing or not registered it falls back to fallback, or to the generic
// class when fallback is nil; it never fails. AfterFind and then AfterInitialize are
// run on the result.
func (r *Registry) Instantiate(raw Doc, db *Database, fallback *Class) Model {
	var c *Class
	if typeName, _ := raw[r.TypeAttr()].(string); typeName != "" {
		c = r.Lookup(typeName)
	}
	if c == nil {
		c = fallback
	}
	if c == nil {
		c = r.generic
	}
	m := c.build(raw, db)
	m.AfterFind()
	m.AfterInitialize()
	return m
}

// Factory wraps a Document in a model type, typically a struct embedding
// *Document:
//
//	type Bar struct{ *couchtiny.Document }
//
//	var BarClass = couchtiny.Define("Bar", func(d *couchtiny.Document) couchtiny.Model {
//		return &Bar{d}
//	})
type Factory func(d *Document) Model

// A Class is a registered document type: how to construct it, which design document
// holds its views, and its default database.
type Class struct {
	registry *Registry
	name     string
	typeName string
	factory  Factory
	design   *Design
	db       *Database
}

type ClassOption func(*Class)

// WithTypeName sets the type name stored in documents, if different from the class
// name. An empty type name means documents of this class are not tagged.
func WithTypeName(typeName string) ClassOption {
	return func(c *Class) { c.typeName = typeName }
}

// WithDesign puts the class's views in their own design document.
func WithDesign(d *Design) ClassOption {
	return func(c *Class) { c.design = d }
}

// WithDatabase sets the class's default database.
func WithDatabase(db *Database) ClassOption {
	return func(c *Class) { c.db = db }
}

func (c *Class) Name() string {
	return c.name
}

func (c *Class) TypeName() string {
	return c.typeName
}

func (c *Class) Registry() *Registry {
	return c.registry
}

// Design returns the class's design document, or the registry's shared one.
func (c *Class) Design() *Design {
	c.registry.mu.RLock()
	d := c.design
	c.registry.mu.RUnlock()
	if d == nil {
		return c.registry.Design()
	}
	return d
}

func (c *Class) Database() *Database {
	c.registry.mu.RLock()
	defer c.registry.mu.RUnlock()
	return c.db
}

// UseDatabase sets the default database used by Find and by new documents.
func (c *Class) UseDatabase(db *Database) {
	c.registry.mu.Lock()
	defer c.registry.mu.Unlock()
	c.db = db
}

// ViewName returns the name under which DefineView stores vname.
func (c *Class) ViewName(vname string) string {
	return c.name + "_" + vname
}

// DefineView adds a view to the class's design document, named "<class>_<vname>".
// It is up to the map function to filter on type, e.g.
//
//	function(doc) {
//	  if (doc.type == 'Foo' && doc.bar) {
//	    emit(doc.bar, null);
//	  }
//	}
func (c *Class) DefineView(vname, mapFn, reduceFn string, defaults Options) {
	c.Design().DefineView(c.ViewName(vname), mapFn, reduceFn, defaults)
}

// On returns a Finder for this class on db.
func (c *Class) On(db *Database) *Finder {
	return &Finder{db: db, class: c}
}

// Find returns a Finder on the class's default database.
func (c *Class) Find() *Finder {
	return c.On(c.Database())
}

// New returns an unsaved document of this class on its default database, tagged
// with its type name. AfterInitialize is run before it is returned.
func (c *Class) New(attrs Doc) Model {
	return c.newOn(attrs, c.Database())
}

func (c *Class) newOn(attrs Doc, db *Database) Model {
	m := c.build(attrs, db)
	m.AfterInitialize()
	return m
}

// Wraps raw, which becomes the document's body, in the class's model type.
func (c *Class) build(raw Doc, db *Database) Model {
	if raw == nil {
		raw = Doc{}
	}
	if c.typeName != "" {
		attr := c.registry.TypeAttr()
		if v, ok := raw[attr]; !ok || v == nil {
			raw[attr] = c.typeName
		}
	}
	d := &Document{doc: raw, db: db, class: c}
	var m Model = d
	if c.factory != nil {
		if wrapped := c.factory(d); wrapped != nil {
			m = wrapped
		}
	}
	d.self = m
	return m
}
